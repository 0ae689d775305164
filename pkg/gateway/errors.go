// --- File: pkg/gateway/errors.go ---
package gateway

import (
	"errors"
	"fmt"
)

// AuthErrorKind enumerates the terminal authentication failures. None of them
// are retried automatically; the device must reconnect.
type AuthErrorKind int

const (
	AuthNonceExpired AuthErrorKind = iota
	AuthNonceUnknownOrReused
	AuthBadSignature
	AuthUnauthorizedDevice
)

// AuthError is returned by the challenge verifier and the session handshake.
type AuthError struct {
	Kind AuthErrorKind
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case AuthNonceExpired:
		return "auth: nonce expired"
	case AuthNonceUnknownOrReused:
		return "auth: nonce unknown or already consumed"
	case AuthBadSignature:
		return "auth: signature verification failed"
	case AuthUnauthorizedDevice:
		return "auth: device not authorized"
	}
	return "auth: failed"
}

// Is lets errors.Is match any AuthError of the same kind, so callers can use
// the exported sentinels below.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrNonceExpired         = &AuthError{Kind: AuthNonceExpired}
	ErrNonceUnknownOrReused = &AuthError{Kind: AuthNonceUnknownOrReused}
	ErrBadSignature         = &AuthError{Kind: AuthBadSignature}
	ErrUnauthorizedDevice   = &AuthError{Kind: AuthUnauthorizedDevice}
)

// ProviderErrorKind classifies a push provider failure. The dispatcher's
// retry policy is driven entirely by this classification.
type ProviderErrorKind int

const (
	// ProviderErrTransient covers network failures and rate limiting.
	// Retried with bounded exponential backoff.
	ProviderErrTransient ProviderErrorKind = iota
	// ProviderErrInvalidToken means the provider declared the device's push
	// registration permanently dead. Never retried; yields a BadTokenReport.
	ProviderErrInvalidToken
	// ProviderErrConfig means the provider rejected our credentials or
	// request shape. Fatal for that provider's dispatch path.
	ProviderErrConfig
)

// ProviderError wraps a provider failure with its retry classification.
type ProviderError struct {
	Provider ProviderID
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	switch e.Kind {
	case ProviderErrInvalidToken:
		kind = "invalid_token"
	case ProviderErrConfig:
		kind = "config"
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient builds a retryable provider error.
func Transient(p ProviderID, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ProviderErrTransient, Err: err}
}

// InvalidToken builds a permanent bad-registration provider error.
func InvalidToken(p ProviderID, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ProviderErrInvalidToken, Err: err}
}

// ConfigError builds a fatal provider configuration error.
func ConfigError(p ProviderID, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ProviderErrConfig, Err: err}
}

// ProviderKind extracts the classification, defaulting to Transient for
// unclassified errors so that an unknown failure is retried rather than
// silently dropped.
func ProviderKind(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProviderErrTransient
}

// LockSide distinguishes shared from exclusive acquisition failures in the
// token lifecycle manager.
type LockSide int

const (
	LockRead LockSide = iota
	LockWrite
)

// LockError reports a failed shared/exclusive section acquisition. It is
// retried once internally before being surfaced.
type LockError struct {
	Side LockSide
}

func (e *LockError) Error() string {
	if e.Side == LockWrite {
		return "lock: write acquisition failed"
	}
	return "lock: read acquisition failed"
}

var (
	// ErrSerialization marks a malformed wire frame. The frame is rejected;
	// the session survives.
	ErrSerialization = errors.New("gateway: malformed frame")

	// ErrNoRoute means no active session exists for the device; sends fall
	// through to the push path.
	ErrNoRoute = errors.New("gateway: no active session for device")

	// ErrSlowConsumer means a session's outbound buffer overflowed and the
	// session was closed deterministically.
	ErrSlowConsumer = errors.New("gateway: outbound buffer full, session closed")

	// ErrSessionClosed means the session is no longer accepting frames.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrDeviceUnknown means the device has no directory registration.
	ErrDeviceUnknown = errors.New("gateway: device not registered")
)
