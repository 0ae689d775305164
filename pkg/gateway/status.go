// --- File: pkg/gateway/status.go ---
package gateway

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeFromNumber maps a numeric wire code to a gRPC status code. Any number
// outside the fixed table maps to Internal.
func codeFromNumber(n int32) codes.Code {
	if n < 0 || n > int32(codes.Unauthenticated) {
		return codes.Internal
	}
	return codes.Code(n)
}

// StatusCode translates an internal error kind to its wire-level gRPC code.
func StatusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Kind == AuthUnauthorizedDevice {
			return codes.PermissionDenied
		}
		return codes.Unauthenticated
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Kind {
		case ProviderErrTransient:
			return codes.Unavailable
		case ProviderErrInvalidToken:
			return codes.FailedPrecondition
		case ProviderErrConfig:
			return codes.Internal
		}
	}

	switch {
	case errors.Is(err, ErrSerialization):
		return codes.InvalidArgument
	case errors.Is(err, ErrDeviceUnknown):
		return codes.NotFound
	case errors.Is(err, ErrNoRoute):
		return codes.Unavailable
	case errors.Is(err, ErrSlowConsumer), errors.Is(err, ErrSessionClosed):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	var lockErr *LockError
	if errors.As(err, &lockErr) {
		return codes.Internal
	}

	return codes.Internal
}

// StatusFromError builds the full gRPC status for an internal error.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(StatusCode(err), err.Error())
}
