package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents a PKCE code challenge transform.
type ChallengeMethod string

// S256 is the SHA-256 challenge method. It is the only method this package
// supports; "plain" defeats the purpose of PKCE for native apps.
const S256 ChallengeMethod = "S256"

const (
	// MinVerifierLength and MaxVerifierLength are the code verifier bounds
	// of RFC 7636, section 4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is used when no length option is given.
	DefaultVerifierLength = 64
)

// CodeVerifier holds a PKCE code verifier and derives its challenge.
type CodeVerifier struct {
	verifier string
	method   ChallengeMethod
}

// NewCodeVerifier generates a verifier of n characters from the PKCE
// unreserved set. An n of zero selects DefaultVerifierLength.
func NewCodeVerifier(r RandomSource, n int) (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	if r == nil {
		return nil, fmt.Errorf("%s: random source is nil: %w", op, ErrNilParameter)
	}
	if n == 0 {
		n = DefaultVerifierLength
	}
	if n < MinVerifierLength || n > MaxVerifierLength {
		return nil, fmt.Errorf("%s: verifier length %d outside [%d, %d]: %w", op, n, MinVerifierLength, MaxVerifierLength, ErrInvalidParameter)
	}
	v, err := r.CodeVerifier(n)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate verifier: %w", op, err)
	}
	return &CodeVerifier{verifier: v, method: S256}, nil
}

// RestoreCodeVerifier rebuilds a CodeVerifier from its persisted string,
// used when a flow is resumed from a Snapshot in a different process.
func RestoreCodeVerifier(verifier string) (*CodeVerifier, error) {
	const op = "oidc.RestoreCodeVerifier"
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return nil, fmt.Errorf("%s: verifier length %d outside [%d, %d]: %w", op, len(verifier), MinVerifierLength, MaxVerifierLength, ErrInvalidParameter)
	}
	return &CodeVerifier{verifier: verifier, method: S256}, nil
}

// Verifier returns the verifier string sent during the code exchange.
func (v *CodeVerifier) Verifier() string { return v.verifier }

// Method returns the challenge method.
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }

// Challenge returns the derived code challenge for the verifier.
func (v *CodeVerifier) Challenge() string {
	sum := sha256.Sum256([]byte(v.verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CreateCodeChallenge derives a code challenge from v using the given
// method. Only S256 is supported.
func CreateCodeChallenge(m ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if v == nil {
		return "", fmt.Errorf("%s: verifier is nil: %w", op, ErrNilParameter)
	}
	if m != S256 {
		return "", fmt.Errorf("%s: %q: %w", op, m, ErrUnsupportedChallengeMethod)
	}
	return v.Challenge(), nil
}
