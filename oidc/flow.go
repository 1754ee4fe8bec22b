package oidc

import (
	"fmt"

	"golang.org/x/text/language"
)

// Initiation is the serializable handle a platform layer needs to drive a
// prepared flow: the URL to open in the browser plus enough identity to find
// the owning client again after a process restart.
type Initiation struct {
	RequestURL string `json:"request_url"`
	ClientKey  string `json:"client_key"`
	State      string `json:"state"`
}

// Display configures how the provider should present the authentication UI.
type Display string

const (
	Page  Display = "page"
	Popup Display = "popup"
	Touch Display = "touch"
	WAP   Display = "wap"
)

// Prompt configures whether the provider re-prompts the end user.
type Prompt string

const (
	None          Prompt = "none"
	Login         Prompt = "login"
	Consent       Prompt = "consent"
	SelectAccount Prompt = "select_account"
)

const (
	// MinStateLength is the enforced minimum for state and nonce values. A
	// shorter value weakens the CSRF/replay protection they exist for.
	MinStateLength = 16

	// DefaultStateLength is used for state and nonce when no length option
	// is given.
	DefaultStateLength = 32
)

// Flow instances are one-shot; the phase guard makes a second terminal call
// a defined error instead of undefined behavior.
const (
	phaseCreated int32 = iota
	phasePrepared
	phaseDone
)

// authCodeReservedParams are the parameter names Prepare sets on an
// authorization request; callers cannot override them.
var authCodeReservedParams = map[string]struct{}{
	"scope":                 {},
	"response_type":         {},
	"client_id":             {},
	"redirect_uri":          {},
	"state":                 {},
	"nonce":                 {},
	"code_challenge":        {},
	"code_challenge_method": {},
	"display":               {},
	"prompt":                {},
	"max_age":               {},
	"ui_locales":            {},
	"id_token_hint":         {},
	"login_hint":            {},
	"acr_values":            {},
}

// endSessionReservedParams is the equivalent set for logout requests.
var endSessionReservedParams = map[string]struct{}{
	"state":                    {},
	"post_logout_redirect_uri": {},
	"client_id":                {},
	"id_token_hint":            {},
	"logout_hint":              {},
	"ui_locales":               {},
}

// validateAdditionalParams rejects additional parameters that collide with
// a reserved OIDC/OAuth parameter name. Collisions are caller errors raised
// before any network call or snapshot mutation.
func validateAdditionalParams(params map[string]string, reserved map[string]struct{}) error {
	const op = "oidc.validateAdditionalParams"
	for name := range params {
		if name == "" {
			return fmt.Errorf("%s: parameter name is empty: %w", op, ErrInvalidParameter)
		}
		if _, ok := reserved[name]; ok {
			return fmt.Errorf("%s: %q: %w", op, name, ErrReservedParameter)
		}
	}
	return nil
}

// flowOptions is the set of available options for the flow factories.
type flowOptions struct {
	withScopes           []string
	withAdditionalParams map[string]string
	withDisplay          Display
	withPrompts          []Prompt
	withMaxAge           *uint
	withUILocales        []language.Tag
	withLoginHint        string
	withLogoutHint       string
	withACRValues        []string
	withStateLength      int
	withNonceLength      *int
	withoutPKCE          bool
	withVerifierLength   int
}

// flowDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func flowDefaults() flowOptions {
	return flowOptions{
		withStateLength:    DefaultStateLength,
		withVerifierLength: DefaultVerifierLength,
	}
}

// getFlowOpts gets the flow defaults and applies the opt overrides passed in.
func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides optional scopes for an authorization request. The
// required openid scope is always requested and need not be listed.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithAdditionalParams provides extra authorization request parameters.
// Names colliding with reserved OIDC/OAuth parameters fail Prepare.
func WithAdditionalParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withAdditionalParams = params
		}
	}
}

// WithDisplay provides an optional display value for the request.
func WithDisplay(d Display) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withDisplay = d
		}
	}
}

// WithPrompts provides optional prompt values for the request.
func WithPrompts(prompts ...Prompt) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withPrompts = prompts
		}
	}
}

// WithMaxAge provides an optional max_age (seconds) for the request.
func WithMaxAge(seconds uint) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withMaxAge = &seconds
		}
	}
}

// WithUILocales provides optional ui_locales for the request.
func WithUILocales(locales ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withUILocales = locales
		}
	}
}

// WithLoginHint provides an optional login_hint for the request.
func WithLoginHint(hint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withLoginHint = hint
		}
	}
}

// WithLogoutHint provides an optional logout_hint for an end-session
// request.
func WithLogoutHint(hint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withLogoutHint = hint
		}
	}
}

// WithACRValues provides optional acr_values for the request.
func WithACRValues(values ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withACRValues = values
		}
	}
}

// WithStateLength overrides the generated state length. Values below
// MinStateLength fail Prepare.
func WithStateLength(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withStateLength = n
		}
	}
}

// WithNonceLength overrides the generated nonce length. Zero disables the
// nonce entirely; other values below MinStateLength fail Prepare.
func WithNonceLength(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withNonceLength = &n
		}
	}
}

// WithoutPKCE disables PKCE for providers that do not support it. PKCE is
// on by default; native apps should keep it.
func WithoutPKCE() Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withoutPKCE = true
		}
	}
}

// WithVerifierLength overrides the PKCE code verifier length (43 to 128).
func WithVerifierLength(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withVerifierLength = n
		}
	}
}

func uiLocalesValue(locales []language.Tag) string {
	out := ""
	for i, tag := range locales {
		if i > 0 {
			out += " "
		}
		out += tag.String()
	}
	return out
}

func promptsValue(prompts []Prompt) string {
	out := ""
	for i, p := range prompts {
		if i > 0 {
			out += " "
		}
		out += string(p)
	}
	return out
}
