package oidc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	strutil "github.com/peregrine-id/oidcclient/internal/strutils"
)

// AuthCodeFlow drives one authorization code exchange with PKCE. A flow is
// one-shot: Prepare builds the authorization request and persists the
// in-flight state, then exactly one of Complete or Cancel resolves it.
//
// The durable half of the flow lives in the client's Snapshot, so a response
// can also be completed by a different process via Client.HandleResponse.
type AuthCodeFlow struct {
	client      *Client
	redirectURI string
	opts        flowOptions

	phase int32

	// state identifies this flow's persisted record; Complete refuses
	// responses for any other state.
	state string
}

// AuthCodeFlow creates an authorization code flow that will send the user
// back to redirectURI. Options are validated in Prepare.
func (c *Client) AuthCodeFlow(redirectURI string, opt ...Option) *AuthCodeFlow {
	return &AuthCodeFlow{
		client:      c,
		redirectURI: redirectURI,
		opts:        getFlowOpts(opt...),
		phase:       phaseCreated,
	}
}

// resumeAuthCodeFlow rebuilds a flow handle around persisted flow state, so
// a response URI can be completed without the original flow object.
func resumeAuthCodeFlow(c *Client, fs *AuthCodeFlowState) *AuthCodeFlow {
	return &AuthCodeFlow{
		client: c,
		opts:   flowDefaults(),
		phase:  phasePrepared,
		state:  fs.FlowState,
	}
}

// Prepare validates the flow configuration, generates the per-flow secrets,
// persists the in-flight state and returns the authorization request to open
// in the user's browser. Validation happens before any snapshot mutation, so
// a failed Prepare leaves no trace.
func (f *AuthCodeFlow) Prepare(ctx context.Context) (*Initiation, error) {
	const op = "AuthCodeFlow.Prepare"
	nonceLength := DefaultStateLength
	if f.opts.withNonceLength != nil {
		nonceLength = *f.opts.withNonceLength
	}
	switch {
	case f.redirectURI == "":
		return nil, fmt.Errorf("%s: redirect uri is empty: %w", op, ErrInvalidParameter)
	case f.opts.withStateLength < MinStateLength:
		return nil, fmt.Errorf("%s: state length %d is below %d: %w", op, f.opts.withStateLength, MinStateLength, ErrInvalidParameter)
	case nonceLength != 0 && nonceLength < MinStateLength:
		return nil, fmt.Errorf("%s: nonce length %d is below %d: %w", op, nonceLength, MinStateLength, ErrInvalidParameter)
	}
	if u, err := url.Parse(f.redirectURI); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%s: redirect uri %q is not an absolute url: %w", op, f.redirectURI, ErrInvalidParameter)
	}
	if err := validateAdditionalParams(f.opts.withAdditionalParams, authCodeReservedParams); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !atomic.CompareAndSwapInt32(&f.phase, phaseCreated, phasePrepared) {
		return nil, fmt.Errorf("%s: %w", op, ErrFlowDone)
	}

	state, err := f.client.random.ASCIIString(f.opts.withStateLength)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce := ""
	if nonceLength != 0 {
		if nonce, err = f.client.random.ASCIIString(nonceLength); err != nil {
			return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
		}
	}
	var verifier *CodeVerifier
	if !f.opts.withoutPKCE {
		if verifier, err = NewCodeVerifier(f.client.random, f.opts.withVerifierLength); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	snap, err := f.client.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	requestURL, err := f.buildRequestURL(snap, state, nonce, verifier)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	flowState := &AuthCodeFlowState{
		FlowState:   state,
		RedirectURI: f.redirectURI,
	}
	if verifier != nil {
		flowState.CodeVerifier = verifier.Verifier()
	}
	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		s.FlowState = flowState
		s.Nonce = nonce
		s.FlowResult = nil
		return s
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	f.state = state
	f.client.logger.Debug("prepared authorization code flow", "state", state)
	return &Initiation{
		RequestURL: requestURL,
		ClientKey:  f.client.key,
		State:      state,
	}, nil
}

// buildRequestURL assembles the authorization request, preserving any query
// parameters already present on the authorization endpoint.
func (f *AuthCodeFlow) buildRequestURL(snap Snapshot, state, nonce string, verifier *CodeVerifier) (string, error) {
	endpoint := f.client.metadata.AuthorizationEndpoint
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("authorization endpoint %q is invalid: %w", endpoint, err)
	}

	scopes := append([]string(nil), f.opts.withScopes...)
	if !strutil.StrListContains(scopes, "openid") {
		scopes = append(scopes, "openid")
	}
	scopes = strutil.RemoveDuplicatesStable(scopes)

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", f.client.id)
	q.Set("redirect_uri", f.redirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	if verifier != nil {
		q.Set("code_challenge", verifier.Challenge())
		q.Set("code_challenge_method", string(verifier.Method()))
	}
	if f.opts.withDisplay != "" {
		q.Set("display", string(f.opts.withDisplay))
	}
	if len(f.opts.withPrompts) > 0 {
		q.Set("prompt", promptsValue(f.opts.withPrompts))
	}
	if f.opts.withMaxAge != nil {
		q.Set("max_age", strconv.FormatUint(uint64(*f.opts.withMaxAge), 10))
	}
	if len(f.opts.withUILocales) > 0 {
		q.Set("ui_locales", uiLocalesValue(f.opts.withUILocales))
	}
	if f.opts.withLoginHint != "" {
		q.Set("login_hint", f.opts.withLoginHint)
	}
	if len(f.opts.withACRValues) > 0 {
		q.Set("acr_values", strings.Join(f.opts.withACRValues, " "))
	}
	if snap.Tokens != nil {
		q.Set("id_token_hint", snap.Tokens.Id.Raw)
	}
	for name, value := range f.opts.withAdditionalParams {
		q.Set(name, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Complete consumes the redirect response URI, exchanges its code and stores
// the validated tokens. Any terminal outcome, success or error, clears the
// in-flight state and records a FlowResult before this returns.
//
// A response whose state does not match this flow is rejected with
// ErrResponseStateInvalid and leaves the flow unresolved, because such a
// response may be a forgery while the real one is still coming.
func (f *AuthCodeFlow) Complete(ctx context.Context, responseURI string) error {
	const op = "AuthCodeFlow.Complete"
	switch atomic.LoadInt32(&f.phase) {
	case phaseCreated:
		return fmt.Errorf("%s: flow is not prepared: %w", op, ErrPrecondition)
	case phaseDone:
		return fmt.Errorf("%s: %w", op, ErrFlowDone)
	}

	snap, err := f.client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fs, ok := snap.FlowState.(*AuthCodeFlowState)
	if !ok || fs.FlowState != f.state {
		atomic.StoreInt32(&f.phase, phaseDone)
		return fmt.Errorf("%s: flow state was replaced or resolved: %w", op, ErrFlowDone)
	}

	u, err := url.Parse(responseURI)
	if err != nil {
		return fmt.Errorf("%s: response uri is invalid: %w", op, err)
	}
	params := u.Query()
	if params.Get("state") != fs.FlowState {
		return fmt.Errorf("%s: %w", op, ErrResponseStateInvalid)
	}

	if errParam := params.Get("error"); errParam != "" {
		oauthErr := newOAuthError(errParam, params.Get("error_description"), params.Get("error_uri"), 0)
		return f.finalizeError(ctx, op, oauthErr)
	}
	code := params.Get("code")
	if code == "" {
		return f.finalizeError(ctx, op, fmt.Errorf("response has no code parameter: %w", ErrMissingParameter))
	}

	// The response URI is persisted before the exchange, so a crash between
	// receiving the redirect and storing tokens leaves enough to diagnose.
	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		if cur, ok := s.FlowState.(*AuthCodeFlowState); ok {
			cur.ResponseURI = responseURI
		}
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp, err := exchangeAuthorizationCode(ctx, f.client.requester, f.client.metadata, f.client.id, code, fs.RedirectURI, fs.CodeVerifier)
	if err != nil {
		return f.finalizeError(ctx, op, err)
	}
	tokens, err := validateTokenResponse(resp, validationContext{
		Metadata:       f.client.metadata,
		ClientId:       f.client.id,
		Leeway:         snap.Options.Leeway,
		Now:            f.client.clock.Now(),
		ExpectedNonce:  snap.Nonce,
		RequireIdToken: true,
		RequireNonce:   snap.Nonce != "",
	})
	if err != nil {
		return f.finalizeError(ctx, op, err)
	}

	atomic.StoreInt32(&f.phase, phaseDone)
	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		s.Tokens = tokens
		s.FlowState = nil
		s.FlowResult = successResult()
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.client.logger.Info("authorization code flow completed")
	return nil
}

// finalizeError records cause as the flow's terminal result, clears the
// in-flight state and returns the wrapped cause. The nonce is kept; it is
// still needed if stored tokens from an earlier flow get refreshed.
func (f *AuthCodeFlow) finalizeError(ctx context.Context, op string, cause error) error {
	atomic.StoreInt32(&f.phase, phaseDone)
	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		s.FlowState = nil
		s.FlowResult = errorResult(cause)
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.client.logger.Warn("authorization code flow failed", "error", cause)
	return fmt.Errorf("%s: %w", op, cause)
}

// Cancel resolves the flow as abandoned by the user: the in-flight state and
// nonce are cleared and a cancelled FlowResult is recorded. A resolved flow
// cannot be cancelled again.
func (f *AuthCodeFlow) Cancel(ctx context.Context) error {
	const op = "AuthCodeFlow.Cancel"
	switch atomic.LoadInt32(&f.phase) {
	case phaseCreated:
		return fmt.Errorf("%s: flow is not prepared: %w", op, ErrPrecondition)
	case phaseDone:
		return fmt.Errorf("%s: %w", op, ErrFlowDone)
	}
	atomic.StoreInt32(&f.phase, phaseDone)

	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		if cur, ok := s.FlowState.(*AuthCodeFlowState); !ok || cur.FlowState != f.state {
			return s
		}
		s.FlowState = nil
		s.Nonce = ""
		s.FlowResult = cancelledResult()
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
