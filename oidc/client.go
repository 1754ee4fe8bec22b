package oidc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// Client is one configured relying-party identity against one provider. All
// of its durable state lives in the Store under the client's key; the Client
// itself only caches the immutable configuration and holds the collaborators
// flows and refreshes need.
//
// Clients are safe for concurrent use. Token refreshes are coalesced, so
// concurrent callers that find an expired token trigger a single
// refresh_token grant and share its outcome.
type Client struct {
	key      string
	id       string
	metadata ProviderMetadata
	options  ClientOptions

	store     *Store
	requester Requester
	clock     Clock
	random    RandomSource
	logger    hclog.Logger

	refreshGroup singleflight.Group

	mu               sync.Mutex
	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc
}

// newClient builds a Client over an existing snapshot. The registry is the
// only caller; it guarantees the snapshot is persisted before the client is
// handed out.
func newClient(snap Snapshot, store *Store, requester Requester, clock Clock, random RandomSource, logger hclog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		key:              snap.Key,
		id:               snap.Id,
		metadata:         snap.Metadata,
		options:          snap.Options,
		store:            store,
		requester:        requester,
		clock:            clock,
		random:           random,
		logger:           logger.With("client_key", snap.Key),
		backgroundCtx:    ctx,
		backgroundCancel: cancel,
	}
}

// Key returns the stable internal identifier of this client.
func (c *Client) Key() string { return c.key }

// Id returns the OAuth client_id sent to the provider.
func (c *Client) Id() string { return c.id }

// Metadata returns the provider metadata this client was configured with.
func (c *Client) Metadata() ProviderMetadata { return c.metadata }

// Done returns a channel that is closed when the client is disposed.
func (c *Client) Done() <-chan struct{} { return c.backgroundCtx.Done() }

// Dispose releases the client's background resources and ends its change
// streams. It is safe to call more than once.
func (c *Client) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backgroundCancel()
}

func (c *Client) disposed() bool {
	select {
	case <-c.backgroundCtx.Done():
		return true
	default:
		return false
	}
}

// Snapshot returns the current persisted state of this client.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	const op = "Client.Snapshot"
	snap, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %q: %w", op, c.key, ErrNotFound)
	}
	return *snap, nil
}

// Tokens returns the stored token set, or nil when the client holds none.
func (c *Client) Tokens(ctx context.Context) (*Tokens, error) {
	const op = "Client.Tokens"
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return snap.Tokens, nil
}

// Observe returns a change stream over this client's snapshot. The current
// value is replayed immediately; the stream closes when ctx is done or the
// client is disposed.
func (c *Client) Observe(ctx context.Context) (<-chan *Snapshot, error) {
	const op = "Client.Observe"
	if c.disposed() {
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.backgroundCtx.Done():
			cancel()
		case <-watchCtx.Done():
		}
	}()
	ch, err := c.store.Observe(watchCtx, c.key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ch, nil
}

// IsExpired reports whether the stored tokens need a refresh before use. A
// client without tokens is expired. The expiry boundary is moved earlier by
// the configured preemptive-refresh window and later by the clock-skew
// leeway, and a token exactly on the boundary counts as expired.
func (c *Client) IsExpired(ctx context.Context) (bool, error) {
	const op = "Client.IsExpired"
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if snap.Tokens == nil {
		return true, nil
	}
	now := c.clock.Now()
	margin := snap.Options.PreemptiveRefresh - snap.Options.Leeway
	if expiresAt := snap.Tokens.Access.ExpiresAt; expiresAt != nil {
		if !now.Before(expiresAt.Add(-margin)) {
			return true, nil
		}
	}
	if exp := snap.Tokens.Id.Expiration; !exp.IsZero() {
		if !now.Before(exp.Add(-margin)) {
			return true, nil
		}
	}
	return false, nil
}

// Refresh executes a refresh_token grant and stores the resulting tokens.
// Concurrent calls are coalesced into one grant. A refresh requires stored
// tokens that include a refresh token; otherwise ErrPrecondition is
// returned and a new authorization code flow is needed.
//
// A rotated id_token in the response is cross-checked against the stored
// one; a response without an id_token retains it. A response without a new
// refresh token retains the current refresh token.
func (c *Client) Refresh(ctx context.Context) (*Tokens, error) {
	const op = "Client.Refresh"
	v, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		// The grant is shared by every coalesced caller, so it must not
		// die with whichever caller happened to start it. It runs on the
		// client's lifecycle context instead.
		return c.refresh(c.backgroundCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*Tokens), nil
}

func (c *Client) refresh(ctx context.Context) (*Tokens, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Tokens == nil {
		return nil, fmt.Errorf("no tokens to refresh: %w", ErrPrecondition)
	}
	if snap.Tokens.Refresh == nil {
		return nil, fmt.Errorf("no refresh token: %w", ErrPrecondition)
	}
	currentRefresh := *snap.Tokens.Refresh

	c.logger.Debug("refreshing tokens")
	resp, err := refreshTokenGrant(ctx, c.requester, c.metadata, c.id, currentRefresh.Token)
	if err != nil {
		return nil, err
	}
	tokens, err := validateTokenResponse(resp, validationContext{
		Metadata:      c.metadata,
		ClientId:      c.id,
		Leeway:        snap.Options.Leeway,
		Now:           c.clock.Now(),
		Previous:      &snap.Tokens.Id,
		ExpectedNonce: snap.Nonce,
	})
	if err != nil {
		return nil, err
	}
	if tokens.Refresh == nil {
		tokens.Refresh = &currentRefresh
	}

	updated, err := c.store.Update(ctx, c.key, func(s Snapshot) Snapshot {
		s.Tokens = tokens
		return s
	})
	if err != nil {
		return nil, err
	}
	return updated.Tokens, nil
}

// RunWithTokens runs body with a current token set, refreshing first when
// the stored tokens are expired. The client must hold tokens.
func (c *Client) RunWithTokens(ctx context.Context, body func(context.Context, *Tokens) error) error {
	const op = "Client.RunWithTokens"
	tokens, err := c.freshTokens(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := body(ctx, tokens); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) freshTokens(ctx context.Context) (*Tokens, error) {
	expired, err := c.IsExpired(ctx)
	if err != nil {
		return nil, err
	}
	if expired {
		return c.Refresh(ctx)
	}
	return c.Tokens(ctx)
}

// runOptions is the set of available options for RunWithTokensOrReset.
type runOptions struct {
	withResetOnCodes []ErrorCode
}

func runDefaults() runOptions {
	return runOptions{withResetOnCodes: []ErrorCode{CodeInvalidGrant}}
}

func getRunOpts(opt ...Option) runOptions {
	opts := runDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithResetOnCodes overrides which provider error codes make
// RunWithTokensOrReset clear the session instead of returning the error.
// The default is invalid_grant alone.
func WithResetOnCodes(codes ...ErrorCode) Option {
	return func(o interface{}) {
		if o, ok := o.(*runOptions); ok {
			o.withResetOnCodes = codes
		}
	}
}

// RunWithTokensOrReset is RunWithTokens with session-loss handling folded
// in. When the refresh fails with a provider error whose code is in the
// reset set, or body returns ErrAbandonSession, the stored tokens are
// cleared and (false, nil) is returned so the caller can start a fresh
// authorization code flow. It returns (true, nil) when body ran
// successfully.
func (c *Client) RunWithTokensOrReset(ctx context.Context, body func(context.Context, *Tokens) error, opt ...Option) (bool, error) {
	const op = "Client.RunWithTokensOrReset"
	opts := getRunOpts(opt...)

	tokens, err := c.freshTokens(ctx)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) && codeIn(oe.Code, opts.withResetOnCodes) {
			c.logger.Info("session rejected by provider, resetting tokens", "code", oe.RawCode)
			if _, resetErr := c.ResetTokens(ctx); resetErr != nil {
				return false, fmt.Errorf("%s: %w", op, resetErr)
			}
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := body(ctx, tokens); err != nil {
		if errors.Is(err, ErrAbandonSession) {
			if _, resetErr := c.ResetTokens(ctx); resetErr != nil {
				return false, fmt.Errorf("%s: %w", op, resetErr)
			}
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func codeIn(code ErrorCode, codes []ErrorCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// ResetTokens clears the whole stored session in one write: tokens, nonce,
// any in-flight flow state and the last flow result. It reports whether
// there was anything to clear.
func (c *Client) ResetTokens(ctx context.Context) (bool, error) {
	const op = "Client.ResetTokens"
	had := false
	_, err := c.store.Update(ctx, c.key, func(s Snapshot) Snapshot {
		had = s.Tokens != nil || s.Nonce != "" || s.FlowState != nil || s.FlowResult != nil
		s.Tokens = nil
		s.Nonce = ""
		s.FlowState = nil
		s.FlowResult = nil
		return s
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return had, nil
}

// ImportedTokens carries a token set obtained outside this package, e.g.
// from a legacy authentication stack being migrated away from.
type ImportedTokens struct {
	AccessToken      string
	AccessExpiresAt  *time.Time
	RefreshToken     string
	RefreshExpiresAt *time.Time

	// RawIdToken is the compact id_token serialization.
	RawIdToken string
}

// ImportTokens stores an externally obtained token set and marks the
// snapshot as migrated. The id_token must decode and carry the mandatory
// claims, but no temporal validation is applied; an imported token may
// already be expired and will be refreshed on first use.
func (c *Client) ImportTokens(ctx context.Context, imported ImportedTokens) error {
	const op = "Client.ImportTokens"
	if imported.AccessToken == "" {
		return fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	idToken, err := newIdTokenFromRaw(imported.RawIdToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tokens := &Tokens{
		Access: AccessToken{
			Token:     imported.AccessToken,
			ExpiresAt: normalizeTimePtr(imported.AccessExpiresAt),
		},
		Id: *idToken,
	}
	if imported.RefreshToken != "" {
		tokens.Refresh = &RefreshToken{
			Token:     imported.RefreshToken,
			ExpiresAt: normalizeTimePtr(imported.RefreshExpiresAt),
		}
	}
	if _, err := c.store.Update(ctx, c.key, func(s Snapshot) Snapshot {
		s.Tokens = tokens
		s.Migrated = true
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Info("imported tokens from legacy storage")
	return nil
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := time.Unix(t.Unix(), 0).UTC()
	return &n
}

// AcknowledgeFlowResult clears the last flow result, so observers stop
// seeing an outcome the application has already surfaced to the user.
func (c *Client) AcknowledgeFlowResult(ctx context.Context) error {
	const op = "Client.AcknowledgeFlowResult"
	if _, err := c.store.Update(ctx, c.key, func(s Snapshot) Snapshot {
		s.FlowResult = nil
		return s
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HandleResponse routes a redirect response URI to the flow recorded in the
// snapshot. It is the recovery path for responses that arrive after the
// flow object that prepared the request is gone, e.g. in a new process.
func (c *Client) HandleResponse(ctx context.Context, responseURI string) error {
	const op = "Client.HandleResponse"
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch fs := snap.FlowState.(type) {
	case *AuthCodeFlowState:
		return resumeAuthCodeFlow(c, fs).Complete(ctx, responseURI)
	case *EndSessionFlowState:
		return resumeEndSessionFlow(c, fs).Complete(ctx, responseURI)
	case nil:
		return fmt.Errorf("%s: no flow in progress: %w", op, ErrPrecondition)
	default:
		return fmt.Errorf("%s: unknown flow state variant %T: %w", op, fs, ErrInvalidParameter)
	}
}
