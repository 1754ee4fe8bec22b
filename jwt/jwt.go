package jwt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedToken is returned when a compact serialization cannot be
	// split into exactly three segments, or a segment fails to decode.
	ErrMalformedToken = errors.New("malformed jwt")

	// ErrNilParameter is returned when a required parameter is nil.
	ErrNilParameter = errors.New("nil parameter")
)

// registeredClaims are the claim names of RFC 7519, section 4.1. Every other
// payload key is preserved in Claims.Extra.
var registeredClaims = map[string]struct{}{
	"iss": {},
	"sub": {},
	"aud": {},
	"exp": {},
	"nbf": {},
	"iat": {},
	"jti": {},
}

// Header is the JOSE header of a token.
type Header struct {
	Type      string `json:"typ,omitempty"`
	Algorithm string `json:"alg,omitempty"`
	KeyID     string `json:"kid,omitempty"`
}

// Audience holds the "aud" claim. The wire format allows either a single
// string or an array of strings; decoding always normalizes to a list.
type Audience []string

// UnmarshalJSON accepts both the single-string and array forms of "aud".
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("aud is neither a string nor a string array: %w", ErrMalformedToken)
	}
	*a = Audience(many)
	return nil
}

// MarshalJSON writes a lone audience as a plain string, matching the most
// common provider encoding; larger sets are written as an array.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Claims is a decoded JWT payload. The registered claims are typed fields;
// everything else lands in Extra so provider-specific claims survive a
// decode/encode round trip.
type Claims struct {
	Issuer     string
	Subject    string
	Audience   Audience
	Expiration *int64
	NotBefore  *int64
	IssuedAt   *int64
	ID         string

	// Extra holds all non-registered payload claims, keyed by claim name.
	Extra map[string]interface{}
}

type registeredPayload struct {
	Issuer     string   `json:"iss,omitempty"`
	Subject    string   `json:"sub,omitempty"`
	Audience   Audience `json:"aud,omitempty"`
	Expiration *int64   `json:"exp,omitempty"`
	NotBefore  *int64   `json:"nbf,omitempty"`
	IssuedAt   *int64   `json:"iat,omitempty"`
	ID         string   `json:"jti,omitempty"`
}

// UnmarshalJSON splits the payload into registered claims and Extra.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var reg registeredPayload
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("unable to parse registered claims: %w", err)
	}
	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("unable to parse claims: %w", err)
	}
	extra := make(map[string]interface{}, len(all))
	for k, v := range all {
		if _, ok := registeredClaims[k]; ok {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		extra = nil
	}
	*c = Claims{
		Issuer:     reg.Issuer,
		Subject:    reg.Subject,
		Audience:   reg.Audience,
		Expiration: reg.Expiration,
		NotBefore:  reg.NotBefore,
		IssuedAt:   reg.IssuedAt,
		ID:         reg.ID,
		Extra:      extra,
	}
	return nil
}

// MarshalJSON merges the registered claims and Extra back into one object.
// A registered claim always wins over an Extra entry of the same name.
func (c Claims) MarshalJSON() ([]byte, error) {
	merged := make(map[string]interface{}, len(c.Extra)+7)
	for k, v := range c.Extra {
		if _, ok := registeredClaims[k]; ok {
			continue
		}
		merged[k] = v
	}
	if c.Issuer != "" {
		merged["iss"] = c.Issuer
	}
	if c.Subject != "" {
		merged["sub"] = c.Subject
	}
	if len(c.Audience) > 0 {
		merged["aud"] = c.Audience
	}
	if c.Expiration != nil {
		merged["exp"] = *c.Expiration
	}
	if c.NotBefore != nil {
		merged["nbf"] = *c.NotBefore
	}
	if c.IssuedAt != nil {
		merged["iat"] = *c.IssuedAt
	}
	if c.ID != "" {
		merged["jti"] = c.ID
	}
	return json.Marshal(merged)
}

// Token is a decoded JWT. Signature holds the raw (base64url-decoded) third
// segment; it is carried opaquely and never verified by this package.
type Token struct {
	Header    Header
	Claims    Claims
	Signature []byte
}

// Decode parses a compact JWT serialization. The input must contain exactly
// three dot-separated segments; header and payload must be base64url (no
// padding) encoded JSON.
func Decode(compact string) (*Token, error) {
	const op = "jwt.Decode"
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%s: expected 3 segments, got %d: %w", op, len(parts), ErrMalformedToken)
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode header segment: %w", op, ErrMalformedToken)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode payload segment: %w", op, ErrMalformedToken)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode signature segment: %w", op, ErrMalformedToken)
	}

	var t Token
	if err := json.Unmarshal(headerRaw, &t.Header); err != nil {
		return nil, fmt.Errorf("%s: unable to parse header: %w", op, ErrMalformedToken)
	}
	if err := json.Unmarshal(payloadRaw, &t.Claims); err != nil {
		return nil, fmt.Errorf("%s: unable to parse payload: %w", op, ErrMalformedToken)
	}
	if len(signature) > 0 {
		t.Signature = signature
	}
	return &t, nil
}

// Encode writes the compact serialization of t. The signature segment is
// whatever t.Signature holds; for a locally constructed token that is empty,
// producing an unsigned "header.payload." form.
func Encode(t *Token) (string, error) {
	const op = "jwt.Encode"
	if t == nil {
		return "", fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	headerRaw, err := json.Marshal(t.Header)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal header: %w", op, err)
	}
	payloadRaw, err := json.Marshal(t.Claims)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal payload: %w", op, err)
	}
	var b strings.Builder
	b.WriteString(base64.RawURLEncoding.EncodeToString(headerRaw))
	b.WriteByte('.')
	b.WriteString(base64.RawURLEncoding.EncodeToString(payloadRaw))
	b.WriteByte('.')
	b.WriteString(base64.RawURLEncoding.EncodeToString(t.Signature))
	return b.String(), nil
}
