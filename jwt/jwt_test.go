package jwt

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segment(t *testing.T, raw string) string {
	t.Helper()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name    string
			compact string
		}{
			{"empty", ""},
			{"two-segments", segment(t, "{}") + "." + segment(t, "{}")},
			{"four-segments", "a.b.c.d"},
			{"bad-header-base64", "!!!." + segment(t, "{}") + "."},
			{"bad-payload-base64", segment(t, "{}") + ".!!!."},
			{"bad-signature-base64", segment(t, "{}") + "." + segment(t, "{}") + ".!!!"},
			{"header-not-json", segment(t, "nope") + "." + segment(t, "{}") + "."},
			{"payload-not-json", segment(t, "{}") + "." + segment(t, "nope") + "."},
			{"aud-not-string-or-array", segment(t, "{}") + "." + segment(t, `{"aud":42}`) + "."},
		}
		for _, tt := range tests {
			tt := tt
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				assert := assert.New(t)
				got, err := Decode(tt.compact)
				assert.Nil(got)
				assert.ErrorIs(err, ErrMalformedToken)
			})
		}
	})

	t.Run("aud-single-string", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		compact := segment(t, `{"alg":"RS256","typ":"JWT"}`) + "." + segment(t, `{"iss":"https://i","aud":"client-1"}`) + "."
		got, err := Decode(compact)
		require.NoError(err)
		assert.Equal("https://i", got.Claims.Issuer)
		assert.Equal(Audience{"client-1"}, got.Claims.Audience)
		assert.Equal("RS256", got.Header.Algorithm)
		assert.Nil(got.Signature)
	})

	t.Run("aud-array", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		compact := segment(t, `{}`) + "." + segment(t, `{"aud":["a","b"]}`) + "."
		got, err := Decode(compact)
		require.NoError(err)
		assert.Equal(Audience{"a", "b"}, got.Claims.Audience)
	})

	t.Run("extra-claims-split", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		payload := `{"iss":"i","sub":"s","exp":100,"nbf":90,"iat":95,"jti":"id","nonce":"n1","groups":["g1"]}`
		got, err := Decode(segment(t, `{}`) + "." + segment(t, payload) + ".")
		require.NoError(err)
		assert.Equal("i", got.Claims.Issuer)
		assert.Equal("s", got.Claims.Subject)
		require.NotNil(got.Claims.Expiration)
		assert.Equal(int64(100), *got.Claims.Expiration)
		require.NotNil(got.Claims.NotBefore)
		assert.Equal(int64(90), *got.Claims.NotBefore)
		require.NotNil(got.Claims.IssuedAt)
		assert.Equal(int64(95), *got.Claims.IssuedAt)
		assert.Equal("id", got.Claims.ID)
		assert.Equal(map[string]interface{}{
			"nonce":  "n1",
			"groups": []interface{}{"g1"},
		}, got.Claims.Extra)
	})

	t.Run("signature-captured", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		sig := base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3})
		got, err := Decode(segment(t, `{}`) + "." + segment(t, `{}`) + "." + sig)
		require.NoError(err)
		assert.Equal([]byte{1, 2, 3}, got.Signature)
	})
}

func TestEncode(t *testing.T) {
	t.Parallel()

	t.Run("nil-token", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		_, err := Encode(nil)
		assert.ErrorIs(err, ErrNilParameter)
	})

	t.Run("unsigned-form", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		compact, err := Encode(&Token{Header: Header{Type: "JWT", Algorithm: "none"}})
		require.NoError(err)
		assert.True(strings.HasSuffix(compact, "."))
		assert.Equal(3, len(strings.Split(compact, ".")))
	})

	t.Run("round-trip", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		exp, iat := int64(1700000000), int64(1699990000)
		orig := &Token{
			Header: Header{Type: "JWT", Algorithm: "RS256", KeyID: "k1"},
			Claims: Claims{
				Issuer:     "https://i",
				Subject:    "alice",
				Audience:   Audience{"a", "b"},
				Expiration: &exp,
				IssuedAt:   &iat,
				ID:         "jti-1",
				Extra: map[string]interface{}{
					"nonce": "n1",
					"age":   float64(42),
					"admin": true,
				},
			},
			Signature: []byte("sig"),
		}
		compact, err := Encode(orig)
		require.NoError(err)
		got, err := Decode(compact)
		require.NoError(err)
		assert.Equal(orig, got)
	})

	t.Run("round-trip-random-claims", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		seed := time.Now().UnixNano()
		rng := rand.New(rand.NewSource(seed))
		t.Logf("seed: %d", seed)

		randString := func(n int) string {
			const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-._~"
			b := make([]byte, n)
			for i := range b {
				b[i] = chars[rng.Intn(len(chars))]
			}
			return string(b)
		}
		optInt64 := func() *int64 {
			if rng.Intn(2) == 0 {
				return nil
			}
			v := rng.Int63n(4_000_000_000)
			return &v
		}

		for i := 0; i < 100; i++ {
			claims := Claims{
				Issuer:     randString(1 + rng.Intn(30)),
				Subject:    randString(1 + rng.Intn(30)),
				Expiration: optInt64(),
				NotBefore:  optInt64(),
				IssuedAt:   optInt64(),
			}
			if rng.Intn(2) == 0 {
				claims.ID = randString(8)
			}
			if n := rng.Intn(4); n > 0 {
				aud := make(Audience, 0, n)
				for j := 0; j < n; j++ {
					aud = append(aud, randString(1+rng.Intn(12)))
				}
				claims.Audience = aud
			}
			if n := rng.Intn(4); n > 0 {
				// Keys are prefixed so a draw can never collide with a
				// registered claim name.
				extra := make(map[string]interface{}, n)
				for j := 0; j < n; j++ {
					key := "x_" + randString(6)
					switch rng.Intn(3) {
					case 0:
						extra[key] = randString(12)
					case 1:
						extra[key] = float64(rng.Intn(100000))
					case 2:
						extra[key] = rng.Intn(2) == 0
					}
				}
				claims.Extra = extra
			}
			orig := &Token{
				Header: Header{Type: "JWT", Algorithm: "RS256", KeyID: randString(4)},
				Claims: claims,
			}
			if rng.Intn(2) == 0 {
				sig := make([]byte, 1+rng.Intn(32))
				rng.Read(sig)
				orig.Signature = sig
			}

			compact, err := Encode(orig)
			require.NoError(err)
			got, err := Decode(compact)
			require.NoError(err)
			assert.Equal(orig, got)
		}
	})

	t.Run("single-aud-encodes-as-string", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		compact, err := Encode(&Token{Claims: Claims{Audience: Audience{"solo"}}})
		require.NoError(err)
		payload, err := base64.RawURLEncoding.DecodeString(strings.Split(compact, ".")[1])
		require.NoError(err)
		assert.JSONEq(`{"aud":"solo"}`, string(payload))
	})

	t.Run("registered-claim-wins-over-extra", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		compact, err := Encode(&Token{Claims: Claims{
			Issuer: "real",
			Extra:  map[string]interface{}{"iss": "fake"},
		}})
		require.NoError(err)
		got, err := Decode(compact)
		require.NoError(err)
		assert.Equal("real", got.Claims.Issuer)
		assert.Nil(got.Claims.Extra)
	})
}
