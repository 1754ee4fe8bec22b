package oidc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire formats for the persisted Snapshot. The exported token types redact
// themselves when marshalled, so persistence goes through these unexported
// shapes which carry the real values. The tagged unions are discriminated by
// a "type" field.

const (
	flowStateTypeAuthCode   = "authorization_code"
	flowStateTypeEndSession = "end_session"
)

type snapshotWire struct {
	SchemaVersion int               `json:"schema_version"`
	Key           string            `json:"key"`
	ClientId      string            `json:"client_id"`
	Metadata      ProviderMetadata  `json:"metadata"`
	Options       clientOptionsWire `json:"options"`
	Tokens        *tokensWire       `json:"tokens,omitempty"`
	Nonce         string            `json:"nonce,omitempty"`
	FlowResult    *flowResultWire   `json:"flow_result,omitempty"`
	FlowState     *flowStateWire    `json:"flow_state,omitempty"`
	Migrated      bool              `json:"migrated,omitempty"`
}

type clientOptionsWire struct {
	LeewaySeconds            int64 `json:"leeway_seconds"`
	PreemptiveRefreshSeconds int64 `json:"preemptive_refresh_seconds"`
}

type tokensWire struct {
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  *int64 `json:"access_expires_at,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresAt *int64 `json:"refresh_expires_at,omitempty"`
	IdToken          string `json:"id_token"`
}

type flowResultWire struct {
	Type      string `json:"type"`
	ErrorKind string `json:"error_kind,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type flowStateWire struct {
	Type         string `json:"type"`
	State        string `json:"state"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	ResponseURI  string `json:"response_uri,omitempty"`
}

func epochPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	e := t.Unix()
	return &e
}

func timePtr(e *int64) *time.Time {
	if e == nil {
		return nil
	}
	t := time.Unix(*e, 0).UTC()
	return &t
}

func encodeSnapshot(s Snapshot) (string, error) {
	const op = "oidc.encodeSnapshot"
	w := snapshotWire{
		SchemaVersion: s.SchemaVersion,
		Key:           s.Key,
		ClientId:      s.Id,
		Metadata:      s.Metadata,
		Options: clientOptionsWire{
			LeewaySeconds:            int64(s.Options.Leeway / time.Second),
			PreemptiveRefreshSeconds: int64(s.Options.PreemptiveRefresh / time.Second),
		},
		Nonce:    s.Nonce,
		Migrated: s.Migrated,
	}
	if s.Tokens != nil {
		w.Tokens = &tokensWire{
			AccessToken:     s.Tokens.Access.Token,
			AccessExpiresAt: epochPtr(s.Tokens.Access.ExpiresAt),
			IdToken:         s.Tokens.Id.Raw,
		}
		if s.Tokens.Refresh != nil {
			w.Tokens.RefreshToken = s.Tokens.Refresh.Token
			w.Tokens.RefreshExpiresAt = epochPtr(s.Tokens.Refresh.ExpiresAt)
		}
	}
	if s.FlowResult != nil {
		w.FlowResult = &flowResultWire{Type: string(s.FlowResult.Kind)}
		if s.FlowResult.Error != nil {
			w.FlowResult.ErrorKind = string(s.FlowResult.Error.Kind)
			w.FlowResult.Code = s.FlowResult.Error.Code
			w.FlowResult.Message = s.FlowResult.Error.Message
		}
	}
	switch fs := s.FlowState.(type) {
	case nil:
	case *AuthCodeFlowState:
		w.FlowState = &flowStateWire{
			Type:         flowStateTypeAuthCode,
			State:        fs.FlowState,
			RedirectURI:  fs.RedirectURI,
			CodeVerifier: fs.CodeVerifier,
			ResponseURI:  fs.ResponseURI,
		}
	case *EndSessionFlowState:
		w.FlowState = &flowStateWire{
			Type:        flowStateTypeEndSession,
			State:       fs.FlowState,
			ResponseURI: fs.ResponseURI,
		}
	default:
		return "", fmt.Errorf("%s: unknown flow state variant %T: %w", op, fs, ErrInvalidParameter)
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal snapshot: %w", op, err)
	}
	return string(raw), nil
}

// decodeSnapshot parses a persisted snapshot and upgrades older schema
// versions in memory. The second return reports whether an upgrade was
// applied, so the caller can persist the new form.
func decodeSnapshot(data string) (Snapshot, bool, error) {
	const op = "oidc.decodeSnapshot"
	var w snapshotWire
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return Snapshot{}, false, fmt.Errorf("%s: unable to parse snapshot: %w", op, err)
	}
	if w.SchemaVersion <= 0 || w.SchemaVersion > CurrentSchemaVersion {
		return Snapshot{}, false, fmt.Errorf("%s: unsupported schema version %d: %w", op, w.SchemaVersion, ErrInvalidParameter)
	}

	// Version 1 predates per-client options and the migrated flag; the
	// tolerant decode above already yields their zero values, so upgrading
	// is a version-stamp change.
	upgraded := w.SchemaVersion < CurrentSchemaVersion

	s := Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Key:           w.Key,
		Id:            w.ClientId,
		Metadata:      w.Metadata,
		Options: ClientOptions{
			Leeway:            time.Duration(w.Options.LeewaySeconds) * time.Second,
			PreemptiveRefresh: time.Duration(w.Options.PreemptiveRefreshSeconds) * time.Second,
		},
		Nonce:    w.Nonce,
		Migrated: w.Migrated,
	}
	if w.Tokens != nil {
		idToken, err := newIdTokenFromRaw(w.Tokens.IdToken)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("%s: unable to restore id_token: %w", op, err)
		}
		tokens := &Tokens{
			Access: AccessToken{
				Token:     w.Tokens.AccessToken,
				ExpiresAt: timePtr(w.Tokens.AccessExpiresAt),
			},
			Id: *idToken,
		}
		if w.Tokens.RefreshToken != "" {
			tokens.Refresh = &RefreshToken{
				Token:     w.Tokens.RefreshToken,
				ExpiresAt: timePtr(w.Tokens.RefreshExpiresAt),
			}
		}
		s.Tokens = tokens
	}
	if w.FlowResult != nil {
		fr := &FlowResult{Kind: FlowResultKind(w.FlowResult.Type)}
		if fr.Kind == FlowErrored {
			fr.Error = &FlowError{
				Kind:    ErrorKind(w.FlowResult.ErrorKind),
				Code:    w.FlowResult.Code,
				Message: w.FlowResult.Message,
			}
		}
		s.FlowResult = fr
	}
	if w.FlowState != nil {
		switch w.FlowState.Type {
		case flowStateTypeAuthCode:
			s.FlowState = &AuthCodeFlowState{
				FlowState:    w.FlowState.State,
				RedirectURI:  w.FlowState.RedirectURI,
				CodeVerifier: w.FlowState.CodeVerifier,
				ResponseURI:  w.FlowState.ResponseURI,
			}
		case flowStateTypeEndSession:
			s.FlowState = &EndSessionFlowState{
				FlowState:   w.FlowState.State,
				ResponseURI: w.FlowState.ResponseURI,
			}
		default:
			return Snapshot{}, false, fmt.Errorf("%s: unknown flow state type %q: %w", op, w.FlowState.Type, ErrInvalidParameter)
		}
	}
	return s, upgraded, nil
}
