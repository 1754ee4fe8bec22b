package oidc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	uuid "github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// NewClientKey returns a fresh client key for registry entries whose caller
// has no natural identifier of its own.
func NewClientKey() string {
	return uuid.NewString()
}

// ClientConfig is everything needed to create a new client entry. Exactly
// one of DiscoveryURL and Metadata must be set: either the provider is
// discovered at creation time or its metadata is supplied statically.
type ClientConfig struct {
	// Id is the OAuth client_id registered with the provider.
	Id string

	DiscoveryURL string
	Metadata     *ProviderMetadata

	Options ClientOptions
}

func (c ClientConfig) validate() error {
	const op = "ClientConfig.validate"
	var result *multierror.Error
	if c.Id == "" {
		result = multierror.Append(result, fmt.Errorf("missing client id: %w", ErrInvalidParameter))
	}
	switch {
	case c.DiscoveryURL == "" && c.Metadata == nil:
		result = multierror.Append(result, fmt.Errorf("one of discovery url or metadata is required: %w", ErrInvalidParameter))
	case c.DiscoveryURL != "" && c.Metadata != nil:
		result = multierror.Append(result, fmt.Errorf("discovery url and metadata are mutually exclusive: %w", ErrInvalidParameter))
	}
	if c.Options.Leeway < 0 {
		result = multierror.Append(result, fmt.Errorf("leeway is negative: %w", ErrInvalidParameter))
	}
	if c.Options.PreemptiveRefresh < 0 {
		result = multierror.Append(result, fmt.Errorf("preemptive refresh is negative: %w", ErrInvalidParameter))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Registry owns the set of clients over one Store. It is the composition
// root of this package: it carries the shared collaborators and hands out
// at most one live Client per key.
type Registry struct {
	mu       sync.Mutex
	store    *Store
	clients  map[string]*Client
	disposed bool

	requester Requester
	clock     Clock
	random    RandomSource
	logger    hclog.Logger
}

// registryOptions is the set of available options for NewRegistry.
type registryOptions struct {
	withRequester Requester
	withClock     Clock
	withRandom    RandomSource
	withLogger    hclog.Logger
}

func registryDefaults() registryOptions {
	return registryOptions{
		withRequester: NewHTTPRequester(nil),
		withClock:     SystemClock(),
		withRandom:    DefaultRandomSource(),
		withLogger:    hclog.NewNullLogger(),
	}
}

func getRegistryOpts(opt ...Option) registryOptions {
	opts := registryDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRequester overrides the HTTP collaborator used for discovery and
// token-endpoint requests.
func WithRequester(r Requester) Option {
	return func(o interface{}) {
		if o, ok := o.(*registryOptions); ok {
			o.withRequester = r
		}
	}
}

// WithClock overrides the clock used for token validation and expiry.
func WithClock(c Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*registryOptions); ok {
			o.withClock = c
		}
	}
}

// WithRandomSource overrides the source of per-flow secrets.
func WithRandomSource(r RandomSource) Option {
	return func(o interface{}) {
		if o, ok := o.(*registryOptions); ok {
			o.withRandom = r
		}
	}
}

// WithLogger provides an hclog.Logger; the default discards everything.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*registryOptions); ok {
			o.withLogger = l
		}
	}
}

// NewRegistry creates a Registry over the given persistence collaborator.
func NewRegistry(persist PersistentMap, opt ...Option) (*Registry, error) {
	const op = "oidc.NewRegistry"
	store, err := NewStore(persist)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getRegistryOpts(opt...)
	if opts.withRequester == nil || opts.withClock == nil || opts.withRandom == nil || opts.withLogger == nil {
		return nil, fmt.Errorf("%s: collaborator option is nil: %w", op, ErrNilParameter)
	}
	return &Registry{
		store:     store,
		clients:   make(map[string]*Client),
		requester: opts.withRequester,
		clock:     opts.withClock,
		random:    opts.withRandom,
		logger:    opts.withLogger.Named("oidc"),
	}, nil
}

// Create persists a new client entry under key and returns its Client. When
// the config carries a discovery URL the provider metadata is fetched
// first, without holding the registry lock. A taken key fails with
// ErrAlreadyExists and leaves the existing entry untouched.
func (r *Registry) Create(ctx context.Context, key string, cfg ClientConfig) (*Client, error) {
	const op = "Registry.Create"
	if key == "" {
		return nil, fmt.Errorf("%s: key is empty: %w", op, ErrInvalidParameter)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := r.checkDisposed(op); err != nil {
		return nil, err
	}

	var meta ProviderMetadata
	if cfg.DiscoveryURL != "" {
		discovered, err := Discover(ctx, r.requester, cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		meta = *discovered
	} else {
		if err := validateMetadata(*cfg.Metadata); err != nil {
			return nil, fmt.Errorf("%s: invalid metadata: %w", op, err)
		}
		meta = *cfg.Metadata
	}

	snap := Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Key:           key,
		Id:            cfg.Id,
		Metadata:      meta,
		Options:       cfg.Options,
	}
	if err := r.store.Create(ctx, key, snap); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	client := newClient(snap, r.store, r.requester, r.clock, r.random, r.logger)
	r.clients[key] = client
	r.logger.Info("created client", "client_key", key)
	return client, nil
}

// Get returns the client for key, or (nil, nil) when no entry exists.
// Repeated calls for the same key return the same Client instance.
func (r *Registry) Get(ctx context.Context, key string) (*Client, error) {
	const op = "Registry.Get"
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	if client, ok := r.clients[key]; ok {
		return client, nil
	}
	snap, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, nil
	}
	client := newClient(*snap, r.store, r.requester, r.clock, r.random, r.logger)
	r.clients[key] = client
	return client, nil
}

// GetOrCreate returns the client for key, creating the entry with cfg when
// it does not exist yet. Losing a creation race falls back to the winner's
// entry.
func (r *Registry) GetOrCreate(ctx context.Context, key string, cfg ClientConfig) (*Client, error) {
	const op = "Registry.GetOrCreate"
	client, err := r.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if client != nil {
		return client, nil
	}
	client, err = r.Create(ctx, key, cfg)
	if err == nil {
		return client, nil
	}
	if errors.Is(err, ErrAlreadyExists) {
		client, getErr := r.Get(ctx, key)
		if getErr != nil {
			return nil, fmt.Errorf("%s: %w", op, getErr)
		}
		if client != nil {
			return client, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

// Exists reports whether an entry is persisted under key.
func (r *Registry) Exists(ctx context.Context, key string) (bool, error) {
	const op = "Registry.Exists"
	ok, err := r.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

// Delete removes the entry under key and disposes its live client, if any.
// It reports whether an entry was removed.
func (r *Registry) Delete(ctx context.Context, key string) (bool, error) {
	const op = "Registry.Delete"
	r.mu.Lock()
	if client, ok := r.clients[key]; ok {
		client.Dispose()
		delete(r.clients, key)
	}
	r.mu.Unlock()

	removed, err := r.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if removed {
		r.logger.Info("deleted client", "client_key", key)
	}
	return removed, nil
}

// ClientForState finds the client whose in-flight flow owns state. It is
// how a redirect response is routed when the process that prepared the flow
// is gone; ErrNotFound means no flow is waiting for this state.
func (r *Registry) ClientForState(ctx context.Context, state string) (*Client, error) {
	const op = "Registry.ClientForState"
	snap, ok, err := r.store.GetForState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: no flow for state: %w", op, ErrNotFound)
	}
	client, err := r.Get(ctx, snap.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: %q: %w", op, snap.Key, ErrNotFound)
	}
	return client, nil
}

// Dispose disposes every live client and marks the registry unusable. It is
// safe to call more than once.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	for _, client := range r.clients {
		client.Dispose()
	}
	r.clients = make(map[string]*Client)
	r.disposed = true
}

func (r *Registry) checkDisposed(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	return nil
}
