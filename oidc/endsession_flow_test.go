package oidc

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPostLogout = "https://app.example.com/logged-out"

func TestEndSessionFlow_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)

	meta := testMetadata()
	meta.EndSessionEndpoint = ""
	client, err := env.registry.Create(env.ctx, "no-logout", ClientConfig{Id: testClientId, Metadata: &meta})
	require.NoError(err)

	_, err = client.EndSessionFlow(testPostLogout)
	assert.ErrorIs(err, ErrNoEndSessionEndpoint)
}

func TestEndSessionFlow_Success(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	testImport(t, env, "refresh-1", time.Time{})

	before, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	require.NotNil(before.Tokens)

	flow, err := env.client.EndSessionFlow(testPostLogout, WithLogoutHint("alice"))
	require.NoError(err)
	initiation, err := flow.Prepare(env.ctx)
	require.NoError(err)

	requestURL, err := url.Parse(initiation.RequestURL)
	require.NoError(err)
	q := requestURL.Query()
	assert.Equal(testIssuer+"/logout", requestURL.Scheme+"://"+requestURL.Host+requestURL.Path)
	assert.Equal(testClientId, q.Get("client_id"))
	assert.Equal(initiation.State, q.Get("state"))
	assert.Equal(testPostLogout, q.Get("post_logout_redirect_uri"))
	assert.Equal(before.Tokens.Id.Raw, q.Get("id_token_hint"))
	assert.Equal("alice", q.Get("logout_hint"))

	// Tokens stay in place until the provider confirms.
	during, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	assert.NotNil(during.Tokens)
	_, ok := during.FlowState.(*EndSessionFlowState)
	assert.True(ok)

	require.NoError(flow.Complete(env.ctx, testPostLogout+"?state="+initiation.State))

	after, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	assert.Nil(after.Tokens)
	assert.Empty(after.Nonce)
	assert.Nil(after.FlowState)
	require.NotNil(after.FlowResult)
	assert.Equal(FlowSuccess, after.FlowResult.Kind)

	assert.ErrorIs(flow.Complete(env.ctx, testPostLogout+"?state="+initiation.State), ErrFlowDone)
}

func TestEndSessionFlow_StateMismatchLeavesFlowUnresolved(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	testImport(t, env, "", time.Time{})

	flow, err := env.client.EndSessionFlow(testPostLogout)
	require.NoError(err)
	initiation, err := flow.Prepare(env.ctx)
	require.NoError(err)

	err = flow.Complete(env.ctx, testPostLogout+"?state=forged")
	assert.ErrorIs(err, ErrResponseStateInvalid)

	snap, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	assert.NotNil(snap.Tokens)
	assert.NotNil(snap.FlowState)

	require.NoError(flow.Complete(env.ctx, testPostLogout+"?state="+initiation.State))
}

func TestEndSessionFlow_ErrorResponseKeepsTokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	testImport(t, env, "", time.Time{})

	flow, err := env.client.EndSessionFlow(testPostLogout)
	require.NoError(err)
	initiation, err := flow.Prepare(env.ctx)
	require.NoError(err)

	err = flow.Complete(env.ctx, testPostLogout+"?error=server_error&state="+initiation.State)
	var oe *OAuthError
	require.ErrorAs(err, &oe)
	assert.Equal(CodeServerError, oe.Code)

	snap, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	assert.NotNil(snap.Tokens, "a failed logout must not drop the session")
	assert.Nil(snap.FlowState)
	require.NotNil(snap.FlowResult)
	assert.Equal(FlowErrored, snap.FlowResult.Kind)
}

func TestEndSessionFlow_Cancel(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	testImport(t, env, "", time.Time{})

	flow, err := env.client.EndSessionFlow(testPostLogout)
	require.NoError(err)
	_, err = flow.Prepare(env.ctx)
	require.NoError(err)
	require.NoError(flow.Cancel(env.ctx))

	snap, err := env.client.Snapshot(env.ctx)
	require.NoError(err)
	assert.NotNil(snap.Tokens, "abandoning a logout keeps the user logged in")
	assert.Nil(snap.FlowState)
	require.NotNil(snap.FlowResult)
	assert.Equal(FlowCancelled, snap.FlowResult.Kind)

	assert.ErrorIs(flow.Cancel(env.ctx), ErrFlowDone)
}

func TestEndSessionFlow_PrepareValidation(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	flow, err := env.client.EndSessionFlow("/relative")
	assert.NoError(err)
	_, err = flow.Prepare(env.ctx)
	assert.ErrorIs(err, ErrInvalidParameter)

	flow, err = env.client.EndSessionFlow(testPostLogout,
		WithAdditionalParams(map[string]string{"id_token_hint": "forged"}))
	assert.NoError(err)
	_, err = flow.Prepare(env.ctx)
	assert.ErrorIs(err, ErrReservedParameter)
}
