package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrNotFound                   = errors.New("not found")
	ErrAlreadyExists              = errors.New("already exists")
	ErrPrecondition               = errors.New("precondition failed")
	ErrInvalidResponse            = errors.New("invalid response")
	ErrResponseStateInvalid       = errors.New("response state and flow state are not equal")
	ErrMissingParameter           = errors.New("missing required parameter")
	ErrMissingIdToken             = errors.New("id_token is missing")
	ErrUnsupportedTokenType       = errors.New("unsupported token type")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrReservedParameter          = errors.New("additional parameter uses a reserved name")
	ErrInvalidIssuer              = errors.New("invalid issuer")
	ErrInvalidSubject             = errors.New("invalid subject")
	ErrInvalidAudience            = errors.New("invalid audience")
	ErrInvalidNonce               = errors.New("invalid nonce")
	ErrValidation                 = errors.New("id_token validation failed")
	ErrTemporalValidation         = errors.New("id_token temporal validation failed")
	ErrFlowDone                   = errors.New("flow is already resolved")
	ErrNoEndSessionEndpoint       = errors.New("provider does not advertise an end_session_endpoint")
	ErrDisposed                   = errors.New("disposed")

	// ErrAbandonSession is the designated signal a RunWithTokensOrReset body
	// returns to request a local reset without a provider error.
	ErrAbandonSession = errors.New("session abandoned by caller")
)

// ErrorCode is the closed enumeration of OAuth/OIDC protocol error codes a
// provider may return. Codes outside the enumeration map to CodeUnknown so
// that new provider behavior fails closed instead of being dropped.
type ErrorCode string

const (
	CodeInvalidRequest           ErrorCode = "invalid_request"
	CodeInvalidClient            ErrorCode = "invalid_client"
	CodeInvalidGrant             ErrorCode = "invalid_grant"
	CodeUnauthorizedClient       ErrorCode = "unauthorized_client"
	CodeAccessDenied             ErrorCode = "access_denied"
	CodeUnsupportedResponseType  ErrorCode = "unsupported_response_type"
	CodeUnsupportedGrantType     ErrorCode = "unsupported_grant_type"
	CodeInvalidScope             ErrorCode = "invalid_scope"
	CodeServerError              ErrorCode = "server_error"
	CodeTemporarilyUnavailable   ErrorCode = "temporarily_unavailable"
	CodeInteractionRequired      ErrorCode = "interaction_required"
	CodeLoginRequired            ErrorCode = "login_required"
	CodeAccountSelectionRequired ErrorCode = "account_selection_required"
	CodeConsentRequired          ErrorCode = "consent_required"
	CodeRequestNotSupported      ErrorCode = "request_not_supported"
	CodeRequestURINotSupported   ErrorCode = "request_uri_not_supported"
	CodeRegistrationNotSupported ErrorCode = "registration_not_supported"
	CodeUnknown                  ErrorCode = "unknown"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	CodeInvalidRequest:           {},
	CodeInvalidClient:            {},
	CodeInvalidGrant:             {},
	CodeUnauthorizedClient:       {},
	CodeAccessDenied:             {},
	CodeUnsupportedResponseType:  {},
	CodeUnsupportedGrantType:     {},
	CodeInvalidScope:             {},
	CodeServerError:              {},
	CodeTemporarilyUnavailable:   {},
	CodeInteractionRequired:      {},
	CodeLoginRequired:            {},
	CodeAccountSelectionRequired: {},
	CodeConsentRequired:          {},
	CodeRequestNotSupported:      {},
	CodeRequestURINotSupported:   {},
	CodeRegistrationNotSupported: {},
}

// errorCode maps a raw wire code to the closed enumeration, falling back to
// CodeUnknown for codes this package does not know about.
func errorCode(raw string) ErrorCode {
	c := ErrorCode(raw)
	if _, ok := knownErrorCodes[c]; ok {
		return c
	}
	return CodeUnknown
}

// OAuthError is a structured protocol error returned by a provider, either
// as an error redirect parameter set or as a token-endpoint error body.
type OAuthError struct {
	// Code is the mapped error code; CodeUnknown when RawCode is not part of
	// the closed enumeration.
	Code ErrorCode

	// RawCode is the wire value of the "error" parameter, unmapped.
	RawCode string

	// Description is the optional "error_description" value.
	Description string

	// URI is the optional "error_uri" value.
	URI string

	// StatusCode is the HTTP status of the token-endpoint response, or zero
	// for errors delivered via redirect parameters.
	StatusCode int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %q: %s", e.RawCode, e.Description)
	}
	return fmt.Sprintf("oauth error %q", e.RawCode)
}

// oauthErrorResponse is the wire shape of an OAuth error body or the error
// parameters of a redirect.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

func newOAuthError(raw, description, uri string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        errorCode(raw),
		RawCode:     raw,
		Description: description,
		URI:         uri,
		StatusCode:  statusCode,
	}
}

// ErrorKind is the taxonomy bucket recorded in a Snapshot's FlowResult when
// a flow finalizes with an error.
type ErrorKind string

const (
	KindOAuth              ErrorKind = "oauth"
	KindTemporalValidation ErrorKind = "temporal_validation"
	KindValidation         ErrorKind = "validation"
	KindGeneric            ErrorKind = "generic"
)

// classifyError maps an error to the FlowError persisted in a terminal
// FlowResult. Every flow finalization writes this record before the error is
// propagated to the caller.
func classifyError(err error) *FlowError {
	var oe *OAuthError
	switch {
	case errors.As(err, &oe):
		return &FlowError{Kind: KindOAuth, Code: oe.RawCode, Message: oe.Description}
	case errors.Is(err, ErrTemporalValidation):
		return &FlowError{Kind: KindTemporalValidation, Message: err.Error()}
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidIssuer),
		errors.Is(err, ErrInvalidSubject),
		errors.Is(err, ErrInvalidAudience),
		errors.Is(err, ErrInvalidNonce),
		errors.Is(err, ErrMissingIdToken):
		return &FlowError{Kind: KindValidation, Message: err.Error()}
	default:
		return &FlowError{Kind: KindGeneric, Message: err.Error()}
	}
}
