package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// tokenEndpointResponse is the wire shape of a successful token-endpoint
// response. refresh_expires_in is a common extension (Keycloak and others)
// giving the refresh token its own lifetime.
type tokenEndpointResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        *int64 `json:"expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn *int64 `json:"refresh_expires_in,omitempty"`
	IdToken          string `json:"id_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// submitTokenRequest POSTs a grant to the token endpoint and maps the
// response. A non-success status with a decodable OAuth error body becomes
// an *OAuthError; without one it becomes a generic invalid-response error
// carrying the status code. A success body must parse and carry a Bearer
// token_type.
func submitTokenRequest(ctx context.Context, r Requester, endpoint string, form url.Values) (*tokenEndpointResponse, error) {
	const op = "oidc.submitTokenRequest"
	if r == nil {
		return nil, fmt.Errorf("%s: requester is nil: %w", op, ErrNilParameter)
	}
	resp, err := r.SubmitForm(ctx, endpoint, form)
	if err != nil {
		return nil, fmt.Errorf("%s: token request failed: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody oauthErrorResponse
		if jsonErr := json.Unmarshal(resp.Body, &errBody); jsonErr == nil && errBody.Error != "" {
			return nil, fmt.Errorf("%s: %w", op,
				newOAuthError(errBody.Error, errBody.ErrorDescription, errBody.ErrorURI, resp.StatusCode))
		}
		return nil, fmt.Errorf("%s: unexpected status %d: %w", op, resp.StatusCode, ErrInvalidResponse)
	}

	var token tokenEndpointResponse
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return nil, fmt.Errorf("%s: unable to parse token response: %w", op, ErrInvalidResponse)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is missing: %w", op, ErrInvalidResponse)
	}
	if !strings.EqualFold(token.TokenType, "Bearer") {
		return nil, fmt.Errorf("%s: token_type %q: %w", op, token.TokenType, ErrUnsupportedTokenType)
	}
	return &token, nil
}

// exchangeAuthorizationCode executes the authorization_code grant.
func exchangeAuthorizationCode(ctx context.Context, r Requester, meta ProviderMetadata, clientId, code, redirectURI, codeVerifier string) (*tokenEndpointResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {clientId},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return submitTokenRequest(ctx, r, meta.TokenEndpoint, form)
}

// refreshTokenGrant executes the refresh_token grant.
func refreshTokenGrant(ctx context.Context, r Requester, meta ProviderMetadata, clientId, refreshToken string) (*tokenEndpointResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientId},
		"refresh_token": {refreshToken},
	}
	return submitTokenRequest(ctx, r, meta.TokenEndpoint, form)
}
