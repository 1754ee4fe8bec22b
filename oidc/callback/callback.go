// Package callback routes browser redirect URIs back into the flow that is
// waiting for them and exposes flow outcomes in a form a UI layer can
// render. It exists for platforms where the redirect arrives through a
// process-level entry point (a custom URI scheme handler, an app link) with
// no reference to the flow object that started the round trip.
package callback

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/peregrine-id/oidcclient/oidc"
)

// Status is the UI-facing summary of a client's flow state.
type Status string

const (
	// StatusUndefined means no flow is in progress and no unacknowledged
	// outcome exists.
	StatusUndefined Status = "undefined"

	// StatusProcessing means a flow is in flight.
	StatusProcessing Status = "processing"

	StatusSuccess   Status = "success"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Result is the rendered flow outcome. Code and Message are only set for
// StatusError and carry the persisted FlowError detail.
type Result struct {
	Status  Status
	Code    string
	Message string
}

func resultOf(snap *oidc.Snapshot) Result {
	switch {
	case snap == nil:
		return Result{Status: StatusUndefined}
	case snap.FlowState != nil:
		return Result{Status: StatusProcessing}
	case snap.FlowResult == nil:
		return Result{Status: StatusUndefined}
	}
	switch snap.FlowResult.Kind {
	case oidc.FlowSuccess:
		return Result{Status: StatusSuccess}
	case oidc.FlowCancelled:
		return Result{Status: StatusCancelled}
	case oidc.FlowErrored:
		r := Result{Status: StatusError}
		if e := snap.FlowResult.Error; e != nil {
			r.Code = e.Code
			r.Message = e.Message
		}
		return r
	default:
		return Result{Status: StatusUndefined}
	}
}

// ObserveResult maps a client's snapshot stream onto Result values,
// suppressing consecutive duplicates. The current result is emitted
// immediately; the stream closes with the underlying snapshot stream.
func ObserveResult(ctx context.Context, client *oidc.Client) (<-chan Result, error) {
	const op = "callback.ObserveResult"
	snaps, err := client.Observe(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		first := true
		var last Result
		for snap := range snaps {
			r := resultOf(snap)
			if !first && r == last {
				continue
			}
			first = false
			last = r
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()
	return out, nil
}

// Acknowledge clears the client's unacknowledged flow outcome, returning
// its result stream to StatusUndefined.
func Acknowledge(ctx context.Context, client *oidc.Client) error {
	const op = "callback.Acknowledge"
	if err := client.AcknowledgeFlowResult(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HandleRedirect routes a redirect response URI to whichever client's flow
// is waiting for its state parameter. oidc.ErrNotFound means no flow is
// waiting, e.g. the redirect was replayed after the flow resolved.
func HandleRedirect(ctx context.Context, registry *oidc.Registry, responseURI string) error {
	const op = "callback.HandleRedirect"
	u, err := url.Parse(responseURI)
	if err != nil {
		return fmt.Errorf("%s: response uri is invalid: %w", op, err)
	}
	state := u.Query().Get("state")
	if state == "" {
		return fmt.Errorf("%s: response has no state parameter: %w", op, oidc.ErrMissingParameter)
	}
	client, err := registry.ClientForState(ctx, state)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return HandleRedirectForClient(ctx, client, responseURI)
}

// HandleRedirectForClient routes a redirect response URI to a known
// client's in-flight flow.
func HandleRedirectForClient(ctx context.Context, client *oidc.Client, responseURI string) error {
	const op = "callback.HandleRedirectForClient"
	if err := client.HandleResponse(ctx, responseURI); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// defaultRegistry backs the package-level entry points used by platform
// glue that has no good place to thread a registry through.
var defaultRegistry atomic.Pointer[oidc.Registry]

// SetDefault installs the process-wide registry used by DefaultRegistry.
func SetDefault(registry *oidc.Registry) {
	defaultRegistry.Store(registry)
}

// ClearDefault removes the process-wide registry.
func ClearDefault() {
	defaultRegistry.Store(nil)
}

// DefaultRegistry returns the process-wide registry. It panics when none is
// installed; redirect entry points firing before initialization is a wiring
// bug that must not be silently dropped.
func DefaultRegistry() *oidc.Registry {
	r := defaultRegistry.Load()
	if r == nil {
		panic("callback: no default registry installed")
	}
	return r
}

// HandleDefaultRedirect is HandleRedirect against the process-wide
// registry.
func HandleDefaultRedirect(ctx context.Context, responseURI string) error {
	return HandleRedirect(ctx, DefaultRegistry(), responseURI)
}
