package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	multierror "github.com/hashicorp/go-multierror"

	strutil "github.com/peregrine-id/oidcclient/internal/strutils"
)

// Discover fetches the provider's well-known configuration document from
// discoveryURL and returns the metadata subset this package consumes.
// Unknown document fields are ignored.
func Discover(ctx context.Context, r Requester, discoveryURL string) (*ProviderMetadata, error) {
	const op = "oidc.Discover"
	if r == nil {
		return nil, fmt.Errorf("%s: requester is nil: %w", op, ErrNilParameter)
	}
	u, err := url.Parse(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%s: discovery url %q is invalid: %w", op, discoveryURL, err)
	}
	if !strutil.StrListContains([]string{"https", "http"}, u.Scheme) {
		return nil, fmt.Errorf("%s: discovery url %q scheme is not http or https: %w", op, discoveryURL, ErrInvalidParameter)
	}

	body, err := r.Get(ctx, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch %q: %w", op, discoveryURL, err)
	}
	var meta ProviderMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%s: unable to parse discovery document: %w", op, err)
	}
	if err := validateMetadata(meta); err != nil {
		return nil, fmt.Errorf("%s: invalid discovery document: %w", op, err)
	}
	return &meta, nil
}

// validateMetadata checks the required fields and that every advertised
// endpoint parses as an absolute URL. All problems are reported together.
func validateMetadata(meta ProviderMetadata) error {
	var result *multierror.Error
	if meta.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("missing issuer: %w", ErrInvalidParameter))
	}
	if meta.AuthorizationEndpoint == "" {
		result = multierror.Append(result, fmt.Errorf("missing authorization_endpoint: %w", ErrInvalidParameter))
	}
	if meta.TokenEndpoint == "" {
		result = multierror.Append(result, fmt.Errorf("missing token_endpoint: %w", ErrInvalidParameter))
	}
	endpoints := map[string]string{
		"issuer":                 meta.Issuer,
		"authorization_endpoint": meta.AuthorizationEndpoint,
		"token_endpoint":         meta.TokenEndpoint,
		"jwks_uri":               meta.JWKSURI,
		"end_session_endpoint":   meta.EndSessionEndpoint,
		"userinfo_endpoint":      meta.UserInfoEndpoint,
	}
	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil || !u.IsAbs() {
			result = multierror.Append(result, fmt.Errorf("%s %q is not an absolute url: %w", name, endpoint, ErrInvalidParameter))
		}
	}
	return result.ErrorOrNil()
}
