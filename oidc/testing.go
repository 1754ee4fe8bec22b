package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}
		priv = string(pem.EncodeToMemory(pemBlock))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}
		pub = string(pem.EncodeToMemory(pemBlock))
	}

	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The provided key
// must be ECDSA.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims josejwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)
	var key *ecdsa.PrivateKey
	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	if block != nil {
		var err error
		key, err = x509.ParseECPrivateKey(block.Bytes)
		require.NoError(err)
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := josejwt.Signed(sig).
		Claims(claims).
		Claims(privateClaims).
		CompactSerialize()
	require.NoError(err)

	return raw
}

// TestClock is a settable Clock for tests. Its zero value starts at a fixed
// instant so tests are reproducible.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock creates a TestClock starting at now, normalized to second
// precision in UTC like every time this package computes.
func NewTestClock(now time.Time) *TestClock {
	return &TestClock{now: time.Unix(now.Unix(), 0).UTC()}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to now.
func (c *TestClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(now.Unix(), 0).UTC()
}

// TestRandom is a deterministic RandomSource. Each call yields a value
// derived from an incrementing counter, so consecutive flows get distinct
// but predictable secrets.
type TestRandom struct {
	mu      sync.Mutex
	counter int
}

func NewTestRandom() *TestRandom { return &TestRandom{} }

func (r *TestRandom) next(prefix string, n int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	s := fmt.Sprintf("%s%d", prefix, r.counter)
	for len(s) < n {
		s += "x"
	}
	return s[:n], nil
}

func (r *TestRandom) ASCIIString(n int) (string, error) {
	return r.next("rand", n)
}

func (r *TestRandom) CodeVerifier(n int) (string, error) {
	return r.next("verifier", n)
}

// TestRequester is a scripted Requester. Handlers are matched on the
// request URL; unmatched requests fail the test. All calls are recorded.
type TestRequester struct {
	T *testing.T

	// SubmitFormFn handles token-endpoint posts; GetFn handles discovery
	// fetches. Either may be nil when the test expects no such call.
	SubmitFormFn func(endpoint string, form url.Values) (*FormResponse, error)
	GetFn        func(requestURL string) ([]byte, error)

	mu          sync.Mutex
	SubmitCalls []url.Values
	GetCalls    []string
}

func (r *TestRequester) SubmitForm(_ context.Context, endpoint string, form url.Values) (*FormResponse, error) {
	r.T.Helper()
	r.mu.Lock()
	r.SubmitCalls = append(r.SubmitCalls, form)
	r.mu.Unlock()
	if r.SubmitFormFn == nil {
		r.T.Fatalf("unexpected form submit to %s", endpoint)
		return nil, nil
	}
	return r.SubmitFormFn(endpoint, form)
}

func (r *TestRequester) Get(_ context.Context, requestURL string) ([]byte, error) {
	r.T.Helper()
	r.mu.Lock()
	r.GetCalls = append(r.GetCalls, requestURL)
	r.mu.Unlock()
	if r.GetFn == nil {
		r.T.Fatalf("unexpected get of %s", requestURL)
		return nil, nil
	}
	return r.GetFn(requestURL)
}
