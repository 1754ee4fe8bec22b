package callback

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-id/oidcclient/jwt"
	"github.com/peregrine-id/oidcclient/oidc"
	"github.com/peregrine-id/oidcclient/storage/inmem"
)

const (
	testIssuer   = "https://provider.example.com"
	testClientId = "client-id"
	testRedirect = "https://app.example.com/callback"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx       context.Context
	registry  *oidc.Registry
	client    *oidc.Client
	requester *oidc.TestRequester
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	requester := &oidc.TestRequester{T: t}
	registry, err := oidc.NewRegistry(inmem.New(),
		oidc.WithRequester(requester),
		oidc.WithClock(oidc.NewTestClock(testNow)),
		oidc.WithRandomSource(oidc.NewTestRandom()),
	)
	require.NoError(t, err)
	t.Cleanup(registry.Dispose)

	meta := oidc.ProviderMetadata{
		Issuer:                testIssuer,
		AuthorizationEndpoint: testIssuer + "/authorize",
		TokenEndpoint:         testIssuer + "/token",
		EndSessionEndpoint:    testIssuer + "/logout",
	}
	client, err := registry.Create(ctx, "client-key", oidc.ClientConfig{Id: testClientId, Metadata: &meta})
	require.NoError(t, err)
	return &testEnv{ctx: ctx, registry: registry, client: client, requester: requester}
}

// scriptTokenEndpoint answers any code exchange with a valid id_token that
// carries the client's current nonce.
func scriptTokenEndpoint(t *testing.T, env *testEnv) {
	t.Helper()
	env.requester.SubmitFormFn = func(endpoint string, form url.Values) (*oidc.FormResponse, error) {
		snap, err := env.client.Snapshot(env.ctx)
		require.NoError(t, err)

		exp := testNow.Add(time.Hour).Unix()
		iat := testNow.Unix()
		claims := jwt.Claims{
			Issuer:     testIssuer,
			Subject:    "alice",
			Audience:   jwt.Audience{testClientId},
			Expiration: &exp,
			IssuedAt:   &iat,
		}
		if snap.Nonce != "" {
			claims.Extra = map[string]interface{}{"nonce": snap.Nonce}
		}
		raw, err := jwt.Encode(&jwt.Token{Header: jwt.Header{Type: "JWT", Algorithm: "none"}, Claims: claims})
		require.NoError(t, err)

		body, err := json.Marshal(map[string]interface{}{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   300,
			"id_token":     raw,
		})
		require.NoError(t, err)
		return &oidc.FormResponse{StatusCode: 200, Body: body}, nil
	}
}

func receiveResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "result stream closed unexpectedly")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestObserveResult(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()

	ch, err := ObserveResult(ctx, env.client)
	require.NoError(err)
	assert.Equal(Result{Status: StatusUndefined}, receiveResult(t, ch))

	flow := env.client.AuthCodeFlow(testRedirect)
	initiation, err := flow.Prepare(env.ctx)
	require.NoError(err)
	assert.Equal(Result{Status: StatusProcessing}, receiveResult(t, ch))

	scriptTokenEndpoint(t, env)
	require.NoError(flow.Complete(env.ctx, testRedirect+"?code=code-1&state="+initiation.State))
	assert.Equal(Result{Status: StatusSuccess}, receiveResult(t, ch))

	require.NoError(Acknowledge(env.ctx, env.client))
	assert.Equal(Result{Status: StatusUndefined}, receiveResult(t, ch))
}

func TestObserveResult_Error(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()

	flow := env.client.AuthCodeFlow(testRedirect)
	initiation, err := flow.Prepare(env.ctx)
	require.NoError(err)

	err = flow.Complete(env.ctx, testRedirect+"?error=access_denied&error_description=nope&state="+initiation.State)
	require.Error(err)

	ch, err := ObserveResult(ctx, env.client)
	require.NoError(err)
	got := receiveResult(t, ch)
	assert.Equal(StatusError, got.Status)
	assert.Equal("access_denied", got.Code)
	assert.Equal("nope", got.Message)
}

func TestObserveResult_Cancelled(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()

	flow := env.client.AuthCodeFlow(testRedirect)
	_, err := flow.Prepare(env.ctx)
	require.NoError(err)
	require.NoError(flow.Cancel(env.ctx))

	ch, err := ObserveResult(ctx, env.client)
	require.NoError(err)
	assert.Equal(Result{Status: StatusCancelled}, receiveResult(t, ch))
}

func TestHandleRedirect(t *testing.T) {
	t.Parallel()

	t.Run("missing-state", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t)
		err := HandleRedirect(env.ctx, env.registry, testRedirect+"?code=c")
		assert.ErrorIs(err, oidc.ErrMissingParameter)
	})

	t.Run("no-waiting-flow", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t)
		err := HandleRedirect(env.ctx, env.registry, testRedirect+"?code=c&state=nobody")
		assert.ErrorIs(err, oidc.ErrNotFound)
	})

	t.Run("routes-to-owning-flow", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		env := newTestEnv(t)

		initiation, err := env.client.AuthCodeFlow(testRedirect).Prepare(env.ctx)
		require.NoError(err)
		scriptTokenEndpoint(t, env)

		require.NoError(HandleRedirect(env.ctx, env.registry, testRedirect+"?code=code-1&state="+initiation.State))
		snap, err := env.client.Snapshot(env.ctx)
		require.NoError(err)
		assert.NotNil(snap.Tokens)
		assert.Equal(oidc.FlowSuccess, snap.FlowResult.Kind)
	})
}

func TestDefaultRegistry(t *testing.T) {
	// Not parallel: mutates process-wide state.
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)

	ClearDefault()
	assert.Panics(func() { DefaultRegistry() })

	SetDefault(env.registry)
	defer ClearDefault()
	assert.Same(env.registry, DefaultRegistry())

	initiation, err := env.client.AuthCodeFlow(testRedirect).Prepare(env.ctx)
	require.NoError(err)
	scriptTokenEndpoint(t, env)
	require.NoError(HandleDefaultRedirect(env.ctx, testRedirect+"?code=code-1&state="+initiation.State))
}
