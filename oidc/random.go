package oidc

import (
	"fmt"

	uuid "github.com/hashicorp/go-uuid"
)

// RandomSource produces the per-flow secrets: state, nonce and PKCE code
// verifiers. Implementations must be cryptographically secure.
type RandomSource interface {
	// ASCIIString returns n random characters drawn from [A-Za-z0-9].
	ASCIIString(n int) (string, error)

	// CodeVerifier returns n random characters drawn from the PKCE
	// unreserved set [A-Za-z0-9-._~] (RFC 7636, section 4.1).
	CodeVerifier(n int) (string, error)
}

const (
	asciiChars    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	verifierChars = asciiChars + "-._~"
)

type cryptoRandom struct{}

// DefaultRandomSource returns the production RandomSource, backed by the
// operating system's CSPRNG.
func DefaultRandomSource() RandomSource { return cryptoRandom{} }

func (cryptoRandom) ASCIIString(n int) (string, error) {
	return randomString(asciiChars, n)
}

func (cryptoRandom) CodeVerifier(n int) (string, error) {
	return randomString(verifierChars, n)
}

// randomString draws n characters from charset using rejection sampling, so
// every character is selected with uniform probability.
func randomString(charset string, n int) (string, error) {
	const op = "oidc.randomString"
	if n <= 0 {
		return "", fmt.Errorf("%s: length %d is not positive: %w", op, n, ErrInvalidParameter)
	}
	// limit is the largest multiple of len(charset) that fits in a byte;
	// bytes at or above it are rejected to avoid modulo bias.
	limit := byte(256 - (256 % len(charset)))

	out := make([]byte, 0, n)
	for len(out) < n {
		buf, err := uuid.GenerateRandomBytes(n)
		if err != nil {
			return "", fmt.Errorf("%s: unable to read random bytes: %w", op, err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
