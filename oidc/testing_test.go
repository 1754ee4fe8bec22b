package oidc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peregrine-id/oidcclient/jwt"
)

const (
	testIssuer   = "https://provider.example.com"
	testClientId = "client-id"
	testKey      = "client-key"
	testRedirect = "https://app.example.com/callback"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// testPersistentMap is the package's own minimal PersistentMap; the real
// backends live in storage/ and cannot be imported here.
type testPersistentMap struct {
	mu      sync.Mutex
	entries map[string]string
}

func newTestPersistentMap() *testPersistentMap {
	return &testPersistentMap{entries: make(map[string]string)}
}

func (m *testPersistentMap) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *testPersistentMap) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *testPersistentMap) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *testPersistentMap) Contains(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *testPersistentMap) Entries(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *testPersistentMap) raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

func testMetadata() ProviderMetadata {
	return ProviderMetadata{
		Issuer:                testIssuer,
		AuthorizationEndpoint: testIssuer + "/authorize",
		TokenEndpoint:         testIssuer + "/token",
		EndSessionEndpoint:    testIssuer + "/logout",
	}
}

type testEnv struct {
	ctx       context.Context
	registry  *Registry
	client    *Client
	requester *TestRequester
	clock     *TestClock
	random    *TestRandom
	persist   *testPersistentMap
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	persist := newTestPersistentMap()
	requester := &TestRequester{T: t}
	clock := NewTestClock(testNow)
	random := NewTestRandom()
	registry, err := NewRegistry(persist,
		WithRequester(requester),
		WithClock(clock),
		WithRandomSource(random),
	)
	require.NoError(t, err)
	t.Cleanup(registry.Dispose)

	meta := testMetadata()
	client, err := registry.Create(ctx, testKey, ClientConfig{
		Id:       testClientId,
		Metadata: &meta,
		Options:  ClientOptions{Leeway: time.Minute},
	})
	require.NoError(t, err)

	return &testEnv{
		ctx:       ctx,
		registry:  registry,
		client:    client,
		requester: requester,
		clock:     clock,
		random:    random,
		persist:   persist,
	}
}

// testRawIdToken builds an unsigned id_token with valid default claims; mod
// may adjust them. Signature verification is out of scope for this package,
// so unsigned tokens exercise the same paths as signed ones.
func testRawIdToken(t *testing.T, now time.Time, mod func(c *jwt.Claims)) string {
	t.Helper()
	exp := now.Add(time.Hour).Unix()
	iat := now.Unix()
	c := jwt.Claims{
		Issuer:     testIssuer,
		Subject:    "alice",
		Audience:   jwt.Audience{testClientId},
		Expiration: &exp,
		IssuedAt:   &iat,
	}
	if mod != nil {
		mod(&c)
	}
	raw, err := jwt.Encode(&jwt.Token{
		Header: jwt.Header{Type: "JWT", Algorithm: "none"},
		Claims: c,
	})
	require.NoError(t, err)
	return raw
}

// testTokenResponse builds a successful token-endpoint response body.
func testTokenResponse(t *testing.T, rawIdToken, refreshToken string, expiresIn int64) *FormResponse {
	t.Helper()
	fields := map[string]interface{}{
		"access_token": "access-token-1",
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
		"id_token":     rawIdToken,
	}
	if refreshToken != "" {
		fields["refresh_token"] = refreshToken
	}
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return &FormResponse{StatusCode: 200, Body: body}
}

// testOAuthErrorResponse builds a token-endpoint error response body.
func testOAuthErrorResponse(t *testing.T, status int, code, description string) *FormResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"error":             code,
		"error_description": description,
	})
	require.NoError(t, err)
	return &FormResponse{StatusCode: status, Body: body}
}

// testImport seeds the client with a stored token set.
func testImport(t *testing.T, env *testEnv, refreshToken string, accessExpiresAt time.Time) {
	t.Helper()
	imp := ImportedTokens{
		AccessToken: "imported-access",
		RawIdToken:  testRawIdToken(t, env.clock.Now(), nil),
	}
	if !accessExpiresAt.IsZero() {
		imp.AccessExpiresAt = &accessExpiresAt
	}
	if refreshToken != "" {
		imp.RefreshToken = refreshToken
	}
	require.NoError(t, env.client.ImportTokens(env.ctx, imp))
}
