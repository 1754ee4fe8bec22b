package oidc

import (
	"encoding/json"
	"reflect"
	"time"
)

// CurrentSchemaVersion is the persisted Snapshot schema version. Older
// versions are migrated transparently when loaded.
const CurrentSchemaVersion = 2

// ProviderMetadata is the subset of the provider's discovery document this
// package consumes. Unknown discovery fields are ignored.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
}

// ClientOptions are the temporal tolerances of one client. Leeway widens
// every claim comparison to absorb clock skew; PreemptiveRefresh moves the
// expiry boundary earlier so tokens are refreshed before they actually
// lapse.
type ClientOptions struct {
	Leeway            time.Duration
	PreemptiveRefresh time.Duration
}

const (
	// RedactedAccessToken is the redacted string or json for an oauth access_token
	RedactedAccessToken = "[REDACTED: access_token]"
	// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
	RedactedRefreshToken = "[REDACTED: refresh_token]"
	// RedactedIdToken is the redacted string or json for an oidc id_token
	RedactedIdToken = "[REDACTED: id_token]"
)

// AccessToken is an oauth access_token with its computed absolute expiry.
// ExpiresAt is nil when the provider returned no expires_in.
type AccessToken struct {
	Token     string
	ExpiresAt *time.Time
}

// String will redact the token
func (t AccessToken) String() string { return RedactedAccessToken }

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token with its computed absolute expiry,
// if the provider reported one via refresh_expires_in.
type RefreshToken struct {
	Token     string
	ExpiresAt *time.Time
}

// String will redact the token
func (t RefreshToken) String() string { return RedactedRefreshToken }

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IdToken is a validated oidc id_token, decomposed into its claims. Raw
// carries the original compact serialization (needed for id_token_hint).
type IdToken struct {
	Issuer     string
	Subject    string
	Audiences  []string
	Expiration time.Time
	IssuedAt   time.Time
	AuthTime   *time.Time
	NotBefore  *time.Time
	Nonce      string
	ACR        string
	AMR        []string
	AZP        string

	// Extra holds provider-specific claims not otherwise decomposed.
	Extra map[string]interface{}

	Raw string
}

// String will redact the token
func (t IdToken) String() string { return RedactedIdToken }

// Tokens is the token set held by one client identity.
type Tokens struct {
	Access  AccessToken
	Refresh *RefreshToken
	Id      IdToken
}

// FlowResultKind discriminates the terminal outcome of a flow.
type FlowResultKind string

const (
	FlowSuccess   FlowResultKind = "success"
	FlowCancelled FlowResultKind = "cancelled"
	FlowErrored   FlowResultKind = "error"
)

// FlowError is the persisted error detail of an errored FlowResult.
type FlowError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

// FlowResult is the last completed flow outcome, surfaced to observers until
// acknowledged. Error is non-nil only when Kind is FlowErrored.
type FlowResult struct {
	Kind  FlowResultKind
	Error *FlowError
}

func successResult() *FlowResult   { return &FlowResult{Kind: FlowSuccess} }
func cancelledResult() *FlowResult { return &FlowResult{Kind: FlowCancelled} }
func errorResult(err error) *FlowResult {
	return &FlowResult{Kind: FlowErrored, Error: classifyError(err)}
}

// EphemeralFlowState holds the in-flight secrets of one flow. It is non-nil
// only while a flow is in progress and is cleared whenever a terminal
// FlowResult is written.
type EphemeralFlowState interface {
	// State returns the flow's state parameter, globally unique among
	// in-flight flows and usable for reverse lookup.
	State() string

	isEphemeralFlowState()
}

// AuthCodeFlowState is the ephemeral state of an authorization code flow.
type AuthCodeFlowState struct {
	FlowState    string
	RedirectURI  string
	CodeVerifier string
	ResponseURI  string
}

func (s *AuthCodeFlowState) State() string        { return s.FlowState }
func (*AuthCodeFlowState) isEphemeralFlowState() {}

// EndSessionFlowState is the ephemeral state of an end-session flow.
type EndSessionFlowState struct {
	FlowState   string
	ResponseURI string
}

func (s *EndSessionFlowState) State() string        { return s.FlowState }
func (*EndSessionFlowState) isEphemeralFlowState() {}

// Snapshot is the full persistable state of one client identity. Snapshots
// are immutable values: every mutation goes through Store.Update, which
// replaces the whole value.
type Snapshot struct {
	SchemaVersion int

	// Key is the stable internal identifier of this entry, distinct from
	// the OAuth client id.
	Key string

	// Id is the OAuth client_id sent to the provider.
	Id string

	Metadata ProviderMetadata
	Options  ClientOptions

	Tokens *Tokens

	// Nonce is the last authorization request's nonce. It outlives the flow
	// because refresh responses re-validate a rotated id_token against it.
	Nonce string

	FlowResult *FlowResult
	FlowState  EphemeralFlowState

	// Migrated is a one-way flag set when tokens were imported from a
	// legacy system.
	Migrated bool
}

// Equal reports structural equality; the Store uses it to suppress
// duplicate emissions on its change streams.
func (s Snapshot) Equal(o Snapshot) bool {
	return reflect.DeepEqual(s, o)
}

// Clone returns a deep copy, so a transform can never alias state held by
// the Store or an observer.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Tokens != nil {
		t := *s.Tokens
		if s.Tokens.Refresh != nil {
			r := *s.Tokens.Refresh
			t.Refresh = &r
		}
		if s.Tokens.Access.ExpiresAt != nil {
			at := *s.Tokens.Access.ExpiresAt
			t.Access.ExpiresAt = &at
		}
		t.Id = s.Tokens.Id.clone()
		out.Tokens = &t
	}
	if s.FlowResult != nil {
		fr := *s.FlowResult
		if s.FlowResult.Error != nil {
			fe := *s.FlowResult.Error
			fr.Error = &fe
		}
		out.FlowResult = &fr
	}
	switch fs := s.FlowState.(type) {
	case *AuthCodeFlowState:
		cp := *fs
		out.FlowState = &cp
	case *EndSessionFlowState:
		cp := *fs
		out.FlowState = &cp
	}
	return out
}

func (t IdToken) clone() IdToken {
	out := t
	if t.Audiences != nil {
		out.Audiences = append([]string(nil), t.Audiences...)
	}
	if t.AMR != nil {
		out.AMR = append([]string(nil), t.AMR...)
	}
	if t.AuthTime != nil {
		at := *t.AuthTime
		out.AuthTime = &at
	}
	if t.NotBefore != nil {
		nb := *t.NotBefore
		out.NotBefore = &nb
	}
	if t.Extra != nil {
		extra := make(map[string]interface{}, len(t.Extra))
		for k, v := range t.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}
