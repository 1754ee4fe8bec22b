package oidc

import (
	"fmt"
	"time"

	strutil "github.com/peregrine-id/oidcclient/internal/strutils"
	"github.com/peregrine-id/oidcclient/jwt"
)

// validationContext carries everything validateTokenResponse needs; it is a
// pure function of this input and the response, with no ambient clock.
type validationContext struct {
	Metadata ProviderMetadata
	ClientId string
	Leeway   time.Duration
	Now      time.Time

	// Previous is the currently stored id_token, cross-checked against a
	// rotated one.
	Previous *IdToken

	// ExpectedNonce is the nonce persisted at authorization request time.
	ExpectedNonce string

	// RequireIdToken is true for the authorization-code exchange, where an
	// id_token is mandatory. Refresh responses may omit it.
	RequireIdToken bool

	// RequireNonce is true when the id_token must carry a nonce claim equal
	// to ExpectedNonce (authorization-code exchange with nonce enabled).
	// When false, a nonce claim is only checked if present.
	RequireNonce bool
}

// validateTokenResponse validates a token-endpoint response per OIDC Core
// 3.1.3.7 and maps it to the typed token set. Temporal violations wrap
// ErrTemporalValidation; claim mismatches wrap claim-specific sentinels.
func validateTokenResponse(resp *tokenEndpointResponse, vc validationContext) (*Tokens, error) {
	const op = "oidc.validateTokenResponse"
	if resp == nil {
		return nil, fmt.Errorf("%s: token response is nil: %w", op, ErrNilParameter)
	}

	var idToken *IdToken
	switch {
	case resp.IdToken == "" && vc.RequireIdToken:
		return nil, fmt.Errorf("%s: %w", op, ErrMissingIdToken)
	case resp.IdToken == "" && vc.Previous == nil:
		return nil, fmt.Errorf("%s: no id_token in response and none stored: %w", op, ErrMissingIdToken)
	case resp.IdToken == "":
		// Refresh without id_token rotation; the stored token is retained.
		prev := vc.Previous.clone()
		idToken = &prev
	default:
		var err error
		idToken, err = newIdTokenFromRaw(resp.IdToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if vc.Previous != nil {
			if err := crossCheckIdTokens(vc.Previous, idToken); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		if err := checkIdTokenClaims(idToken, vc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	tokens := &Tokens{
		Access: AccessToken{
			Token:     resp.AccessToken,
			ExpiresAt: expiryFrom(vc.Now, resp.ExpiresIn),
		},
		Id: *idToken,
	}
	if resp.RefreshToken != "" {
		tokens.Refresh = &RefreshToken{
			Token:     resp.RefreshToken,
			ExpiresAt: expiryFrom(vc.Now, resp.RefreshExpiresIn),
		}
	}
	return tokens, nil
}

// expiryFrom computes an absolute expiry from a relative expires_in,
// normalized to second precision so persisted and in-memory values compare
// equal.
func expiryFrom(now time.Time, expiresIn *int64) *time.Time {
	if expiresIn == nil {
		return nil
	}
	t := time.Unix(now.Unix()+*expiresIn, 0).UTC()
	return &t
}

// crossCheckIdTokens verifies a rotated id_token continues the previous
// session: same issuer, same subject, same audience set, and an issued-at
// that does not move backwards. Equal issued-at values are accepted because
// providers commonly stamp with second granularity.
func crossCheckIdTokens(prev, next *IdToken) error {
	const op = "oidc.crossCheckIdTokens"
	if next.Issuer != prev.Issuer {
		return fmt.Errorf("%s: issuer changed from %q to %q: %w", op, prev.Issuer, next.Issuer, ErrInvalidIssuer)
	}
	if next.Subject != prev.Subject {
		return fmt.Errorf("%s: subject changed: %w", op, ErrInvalidSubject)
	}
	if !strutil.StrListsEqualIgnoreOrder(prev.Audiences, next.Audiences) {
		return fmt.Errorf("%s: audience set changed: %w", op, ErrInvalidAudience)
	}
	if next.IssuedAt.Before(prev.IssuedAt) {
		return fmt.Errorf("%s: issued-at moved backwards: %w", op, ErrTemporalValidation)
	}
	return nil
}

// checkIdTokenClaims performs the OpenID Connect Core validation of a fresh id_token
// against the client configuration and the injected clock.
func checkIdTokenClaims(t *IdToken, vc validationContext) error {
	const op = "oidc.checkIdTokenClaims"
	if t.Issuer != vc.Metadata.Issuer {
		return fmt.Errorf("%s: issuer %q does not match %q: %w", op, t.Issuer, vc.Metadata.Issuer, ErrInvalidIssuer)
	}
	if !strutil.StrListContains(t.Audiences, vc.ClientId) {
		return fmt.Errorf("%s: audiences do not contain client id: %w", op, ErrInvalidAudience)
	}
	if t.IssuedAt.After(vc.Now.Add(vc.Leeway)) {
		return fmt.Errorf("%s: issued in the future: %w", op, ErrTemporalValidation)
	}
	if !t.Expiration.After(vc.Now.Add(-vc.Leeway)) {
		return fmt.Errorf("%s: expired: %w", op, ErrTemporalValidation)
	}
	if t.NotBefore != nil && t.NotBefore.After(vc.Now.Add(vc.Leeway)) {
		return fmt.Errorf("%s: not yet valid: %w", op, ErrTemporalValidation)
	}
	switch {
	case vc.RequireNonce && t.Nonce != vc.ExpectedNonce:
		return fmt.Errorf("%s: %w", op, ErrInvalidNonce)
	case !vc.RequireNonce && t.Nonce != "" && t.Nonce != vc.ExpectedNonce:
		return fmt.Errorf("%s: %w", op, ErrInvalidNonce)
	}
	return nil
}

// decomposedClaims are the id_token claims mapped to typed IdToken fields;
// they are removed from Extra.
var decomposedClaims = map[string]struct{}{
	"auth_time": {},
	"nonce":     {},
	"acr":       {},
	"amr":       {},
	"azp":       {},
}

// newIdTokenFromRaw decodes a compact id_token and maps its claims. The
// registered claims iss, sub, aud, exp and iat are mandatory per OIDC Core
// section 2.
func newIdTokenFromRaw(raw string) (*IdToken, error) {
	const op = "oidc.newIdTokenFromRaw"
	decoded, err := jwt.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := decoded.Claims
	switch {
	case c.Issuer == "":
		return nil, fmt.Errorf("%s: iss claim is missing: %w", op, ErrValidation)
	case c.Subject == "":
		return nil, fmt.Errorf("%s: sub claim is missing: %w", op, ErrValidation)
	case len(c.Audience) == 0:
		return nil, fmt.Errorf("%s: aud claim is missing: %w", op, ErrValidation)
	case c.Expiration == nil:
		return nil, fmt.Errorf("%s: exp claim is missing: %w", op, ErrValidation)
	case c.IssuedAt == nil:
		return nil, fmt.Errorf("%s: iat claim is missing: %w", op, ErrValidation)
	}

	t := &IdToken{
		Issuer:     c.Issuer,
		Subject:    c.Subject,
		Audiences:  append([]string(nil), c.Audience...),
		Expiration: time.Unix(*c.Expiration, 0).UTC(),
		IssuedAt:   time.Unix(*c.IssuedAt, 0).UTC(),
		Raw:        raw,
	}
	if c.NotBefore != nil {
		nb := time.Unix(*c.NotBefore, 0).UTC()
		t.NotBefore = &nb
	}
	if v, ok := claimInt64(c.Extra, "auth_time"); ok {
		at := time.Unix(v, 0).UTC()
		t.AuthTime = &at
	}
	if v, ok := c.Extra["nonce"].(string); ok {
		t.Nonce = v
	}
	if v, ok := c.Extra["acr"].(string); ok {
		t.ACR = v
	}
	if v, ok := c.Extra["azp"].(string); ok {
		t.AZP = v
	}
	if vs, ok := c.Extra["amr"].([]interface{}); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				t.AMR = append(t.AMR, s)
			}
		}
	}
	for k, v := range c.Extra {
		if _, ok := decomposedClaims[k]; ok {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]interface{})
		}
		t.Extra[k] = v
	}
	return t, nil
}

func claimInt64(extra map[string]interface{}, name string) (int64, bool) {
	switch v := extra[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
