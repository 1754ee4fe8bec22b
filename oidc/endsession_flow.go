package oidc

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
)

// EndSessionFlow drives one RP-initiated logout round trip. Like the
// authorization code flow it is one-shot and persists its in-flight state,
// so the provider's post-logout redirect can be handled by any process.
type EndSessionFlow struct {
	client                *Client
	postLogoutRedirectURI string
	opts                  flowOptions

	phase int32
	state string
}

// EndSessionFlow creates an RP-initiated logout flow. The provider must
// advertise an end_session_endpoint; postLogoutRedirectURI may be empty when
// the application does not expect the provider to redirect back.
func (c *Client) EndSessionFlow(postLogoutRedirectURI string, opt ...Option) (*EndSessionFlow, error) {
	const op = "Client.EndSessionFlow"
	if c.metadata.EndSessionEndpoint == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoEndSessionEndpoint)
	}
	return &EndSessionFlow{
		client:                c,
		postLogoutRedirectURI: postLogoutRedirectURI,
		opts:                  getFlowOpts(opt...),
		phase:                 phaseCreated,
	}, nil
}

func resumeEndSessionFlow(c *Client, fs *EndSessionFlowState) *EndSessionFlow {
	return &EndSessionFlow{
		client: c,
		opts:   flowDefaults(),
		phase:  phasePrepared,
		state:  fs.FlowState,
	}
}

// Prepare persists the in-flight state and returns the end-session request
// to open in the user's browser. The stored tokens stay in place until the
// provider confirms the logout via Complete.
func (f *EndSessionFlow) Prepare(ctx context.Context) (*Initiation, error) {
	const op = "EndSessionFlow.Prepare"
	if f.opts.withStateLength < MinStateLength {
		return nil, fmt.Errorf("%s: state length %d is below %d: %w", op, f.opts.withStateLength, MinStateLength, ErrInvalidParameter)
	}
	if f.postLogoutRedirectURI != "" {
		if u, err := url.Parse(f.postLogoutRedirectURI); err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("%s: post logout redirect uri %q is not an absolute url: %w", op, f.postLogoutRedirectURI, ErrInvalidParameter)
		}
	}
	if err := validateAdditionalParams(f.opts.withAdditionalParams, endSessionReservedParams); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !atomic.CompareAndSwapInt32(&f.phase, phaseCreated, phasePrepared) {
		return nil, fmt.Errorf("%s: %w", op, ErrFlowDone)
	}

	state, err := f.client.random.ASCIIString(f.opts.withStateLength)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	snap, err := f.client.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	requestURL, err := buildEndSessionURL(f.client.metadata.EndSessionEndpoint, f.client.id, f.postLogoutRedirectURI, state, snap, f.opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		s.FlowState = &EndSessionFlowState{FlowState: state}
		s.FlowResult = nil
		return s
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	f.state = state
	f.client.logger.Debug("prepared end session flow", "state", state)
	return &Initiation{
		RequestURL: requestURL,
		ClientKey:  f.client.key,
		State:      state,
	}, nil
}

func buildEndSessionURL(endpoint, clientId, postLogoutRedirectURI, state string, snap Snapshot, opts flowOptions) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("end session endpoint %q is invalid: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("client_id", clientId)
	q.Set("state", state)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if snap.Tokens != nil {
		q.Set("id_token_hint", snap.Tokens.Id.Raw)
	}
	if opts.withLogoutHint != "" {
		q.Set("logout_hint", opts.withLogoutHint)
	}
	if len(opts.withUILocales) > 0 {
		q.Set("ui_locales", uiLocalesValue(opts.withUILocales))
	}
	for name, value := range opts.withAdditionalParams {
		q.Set(name, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Complete consumes the provider's post-logout redirect. On success the
// token set, the nonce and the in-flight state are cleared and a success
// FlowResult is recorded in a single snapshot transition, so observers see
// the logged-out state atomically.
func (f *EndSessionFlow) Complete(ctx context.Context, responseURI string) error {
	const op = "EndSessionFlow.Complete"
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
	fs, ok := snap.FlowState.(*EndSessionFlowState)
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

	atomic.StoreInt32(&f.phase, phaseDone)
	if errParam := params.Get("error"); errParam != "" {
		oauthErr := newOAuthError(errParam, params.Get("error_description"), params.Get("error_uri"), 0)
		if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
			s.FlowState = nil
			s.FlowResult = errorResult(oauthErr)
			return s
		}); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		f.client.logger.Warn("end session flow failed", "error", oauthErr)
		return fmt.Errorf("%s: %w", op, oauthErr)
	}

	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		s.Tokens = nil
		s.Nonce = ""
		s.FlowState = nil
		s.FlowResult = successResult()
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.client.logger.Info("end session flow completed")
	return nil
}

// Cancel resolves the flow as abandoned. The stored tokens are untouched;
// abandoning a logout means the user stays logged in.
func (f *EndSessionFlow) Cancel(ctx context.Context) error {
	const op = "EndSessionFlow.Cancel"
	switch atomic.LoadInt32(&f.phase) {
	case phaseCreated:
		return fmt.Errorf("%s: flow is not prepared: %w", op, ErrPrecondition)
	case phaseDone:
		return fmt.Errorf("%s: %w", op, ErrFlowDone)
	}
	atomic.StoreInt32(&f.phase, phaseDone)

	if _, err := f.client.store.Update(ctx, f.client.key, func(s Snapshot) Snapshot {
		if cur, ok := s.FlowState.(*EndSessionFlowState); !ok || cur.FlowState != f.state {
			return s
		}
		s.FlowState = nil
		s.FlowResult = cancelledResult()
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
