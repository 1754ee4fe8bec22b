package oidc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientKey(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	k1, k2 := NewClientKey(), NewClientKey()
	assert.NotEmpty(k1)
	assert.NotEqual(k1, k2)
}

func TestClientConfig_Validate(t *testing.T) {
	t.Parallel()
	meta := testMetadata()

	tests := []struct {
		name string
		cfg  ClientConfig
		ok   bool
	}{
		{"metadata", ClientConfig{Id: testClientId, Metadata: &meta}, true},
		{"discovery", ClientConfig{Id: testClientId, DiscoveryURL: testIssuer + "/.well-known/openid-configuration"}, true},
		{"missing-id", ClientConfig{Metadata: &meta}, false},
		{"neither-source", ClientConfig{Id: testClientId}, false},
		{"both-sources", ClientConfig{Id: testClientId, Metadata: &meta, DiscoveryURL: "https://x"}, false},
		{"negative-leeway", ClientConfig{Id: testClientId, Metadata: &meta, Options: ClientOptions{Leeway: -time.Second}}, false},
		{"negative-preemptive", ClientConfig{Id: testClientId, Metadata: &meta, Options: ClientOptions{PreemptiveRefresh: -time.Second}}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			err := tt.cfg.validate()
			if tt.ok {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, ErrInvalidParameter)
		})
	}
}

func TestRegistry_CreateGet(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	meta := testMetadata()

	// newTestEnv already created testKey.
	_, err := env.registry.Create(env.ctx, testKey, ClientConfig{Id: testClientId, Metadata: &meta})
	assert.ErrorIs(err, ErrAlreadyExists)

	got, err := env.registry.Get(env.ctx, testKey)
	require.NoError(err)
	assert.Same(env.client, got, "repeated Get must return the same instance")

	absent, err := env.registry.Get(env.ctx, "unknown")
	require.NoError(err)
	assert.Nil(absent)

	exists, err := env.registry.Exists(env.ctx, testKey)
	require.NoError(err)
	assert.True(exists)

	assert.Equal(testKey, got.Key())
	assert.Equal(testClientId, got.Id())
	assert.Equal(meta, got.Metadata())
}

func TestRegistry_CreateInvalid(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	meta := testMetadata()

	_, err := env.registry.Create(env.ctx, "", ClientConfig{Id: testClientId, Metadata: &meta})
	assert.ErrorIs(err, ErrInvalidParameter)

	_, err = env.registry.Create(env.ctx, "k", ClientConfig{Metadata: &meta})
	assert.ErrorIs(err, ErrInvalidParameter)

	bad := testMetadata()
	bad.TokenEndpoint = ""
	_, err = env.registry.Create(env.ctx, "k", ClientConfig{Id: testClientId, Metadata: &bad})
	assert.ErrorIs(err, ErrInvalidParameter)
}

func TestRegistry_CreateWithDiscovery(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	wellKnown := testIssuer + "/.well-known/openid-configuration"

	env.requester.GetFn = func(requestURL string) ([]byte, error) {
		assert.Equal(wellKnown, requestURL)
		body, err := json.Marshal(testMetadata())
		require.NoError(err)
		return body, nil
	}
	client, err := env.registry.Create(env.ctx, "discovered", ClientConfig{
		Id:           testClientId,
		DiscoveryURL: wellKnown,
	})
	require.NoError(err)
	assert.Equal(testMetadata(), client.Metadata())
	assert.Len(env.requester.GetCalls, 1)
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	meta := testMetadata()
	cfg := ClientConfig{Id: testClientId, Metadata: &meta}

	existing, err := env.registry.GetOrCreate(env.ctx, testKey, cfg)
	require.NoError(err)
	assert.Same(env.client, existing)

	created, err := env.registry.GetOrCreate(env.ctx, "fresh", cfg)
	require.NoError(err)
	require.NotNil(created)
	assert.Equal("fresh", created.Key())

	again, err := env.registry.GetOrCreate(env.ctx, "fresh", cfg)
	require.NoError(err)
	assert.Same(created, again)
}

func TestRegistry_Delete(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)

	removed, err := env.registry.Delete(env.ctx, testKey)
	require.NoError(err)
	assert.True(removed)

	select {
	case <-env.client.Done():
	default:
		t.Fatal("deleting the entry must dispose its client")
	}

	got, err := env.registry.Get(env.ctx, testKey)
	require.NoError(err)
	assert.Nil(got)

	removed, err = env.registry.Delete(env.ctx, testKey)
	require.NoError(err)
	assert.False(removed)
}

func TestRegistry_ClientForState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	meta := testMetadata()

	// Two clients registered with the same redirect URI; only the state
	// parameter distinguishes their responses.
	other, err := env.registry.Create(env.ctx, "other-key", ClientConfig{Id: "other-id", Metadata: &meta})
	require.NoError(err)

	init1, err := env.client.AuthCodeFlow(testRedirect).Prepare(env.ctx)
	require.NoError(err)
	init2, err := other.AuthCodeFlow(testRedirect).Prepare(env.ctx)
	require.NoError(err)
	require.NotEqual(init1.State, init2.State)

	got1, err := env.registry.ClientForState(env.ctx, init1.State)
	require.NoError(err)
	assert.Same(env.client, got1)

	got2, err := env.registry.ClientForState(env.ctx, init2.State)
	require.NoError(err)
	assert.Same(other, got2)

	_, err = env.registry.ClientForState(env.ctx, "nobody")
	assert.ErrorIs(err, ErrNotFound)
}

func TestRegistry_SchemaMigration(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)

	v1 := `{"schema_version":1,"key":"legacy","client_id":"client-id","metadata":{"issuer":"https://provider.example.com","authorization_endpoint":"https://provider.example.com/authorize","token_endpoint":"https://provider.example.com/token"}}`
	require.NoError(env.persist.Set(env.ctx, "legacy", v1))

	client, err := env.registry.Get(env.ctx, "legacy")
	require.NoError(err)
	require.NotNil(client)

	snap, err := client.Snapshot(env.ctx)
	require.NoError(err)
	assert.Equal(CurrentSchemaVersion, snap.SchemaVersion)
}

func TestRegistry_Dispose(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	meta := testMetadata()

	env.registry.Dispose()
	env.registry.Dispose()

	select {
	case <-env.client.Done():
	default:
		t.Fatal("dispose must dispose every live client")
	}

	_, err := env.registry.Get(env.ctx, testKey)
	assert.ErrorIs(err, ErrDisposed)
	_, err = env.registry.Create(env.ctx, "k", ClientConfig{Id: testClientId, Metadata: &meta})
	assert.ErrorIs(err, ErrDisposed)
}

func TestNewRegistry_NilCollaborator(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	_, err := NewRegistry(nil)
	assert.ErrorIs(err, ErrNilParameter)

	_, err = NewRegistry(newTestPersistentMap(), WithRequester(nil))
	assert.ErrorIs(err, ErrNilParameter)
}

func TestRegistry_RecoveryAcrossRestart(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	persist := newTestPersistentMap()
	meta := testMetadata()

	// First process: prepare a flow, then go away before the redirect.
	var state string
	{
		registry, err := NewRegistry(persist,
			WithRequester(&TestRequester{T: t}),
			WithClock(NewTestClock(testNow)),
			WithRandomSource(NewTestRandom()),
		)
		require.NoError(err)
		client, err := registry.Create(ctx, testKey, ClientConfig{Id: testClientId, Metadata: &meta})
		require.NoError(err)
		initiation, err := client.AuthCodeFlow(testRedirect).Prepare(ctx)
		require.NoError(err)
		state = initiation.State
		registry.Dispose()
	}

	// Second process: the redirect arrives and is routed purely by state.
	requester := &TestRequester{T: t}
	registry, err := NewRegistry(persist,
		WithRequester(requester),
		WithClock(NewTestClock(testNow)),
		WithRandomSource(NewTestRandom()),
	)
	require.NoError(err)
	t.Cleanup(registry.Dispose)

	client, err := registry.ClientForState(ctx, state)
	require.NoError(err)
	env := &testEnv{ctx: ctx, registry: registry, client: client, requester: requester, clock: NewTestClock(testNow)}
	completeSuccessfully(t, env, "refresh-1")

	require.NoError(client.HandleResponse(ctx, testRedirect+"?code=code-1&state="+state))
	snap, err := client.Snapshot(ctx)
	require.NoError(err)
	assert.NotNil(snap.Tokens)
	assert.Equal(FlowSuccess, snap.FlowResult.Kind)
	assert.Nil(snap.FlowState)
}
