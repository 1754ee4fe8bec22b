package oidc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 1 << 20

// FormResponse is the raw result of a token-endpoint form submission. The
// status code is reported rather than treated as an error so the protocol
// layer can decode OAuth error bodies.
type FormResponse struct {
	StatusCode int
	Body       []byte
}

// Requester is the abstract HTTP collaborator. The package never touches a
// transport directly; everything goes through this interface so platforms
// can substitute their own networking stack.
type Requester interface {
	// SubmitForm POSTs form-encoded fields and returns the status and body
	// regardless of the status code.
	SubmitForm(ctx context.Context, rawURL string, form url.Values) (*FormResponse, error)

	// Get performs a GET expected to return a 200 JSON body (discovery).
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPRequester is the default Requester, backed by a pooled http.Client.
type HTTPRequester struct {
	client *http.Client
}

// NewHTTPRequester returns an HTTPRequester using the given client, or a
// cleanhttp pooled client when client is nil.
func NewHTTPRequester(client *http.Client) *HTTPRequester {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPRequester{client: client}
}

var _ Requester = (*HTTPRequester)(nil)

// SubmitForm implements Requester.
func (r *HTTPRequester) SubmitForm(ctx context.Context, rawURL string, form url.Values) (*FormResponse, error) {
	const op = "HTTPRequester.SubmitForm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response body: %w", op, err)
	}
	return &FormResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// Get implements Requester.
func (r *HTTPRequester) Get(ctx context.Context, rawURL string) ([]byte, error) {
	const op = "HTTPRequester.Get"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response body: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d: %w", op, resp.StatusCode, ErrInvalidResponse)
	}
	return body, nil
}
