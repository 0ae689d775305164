// --- File: pkg/gateway/interfaces.go ---
package gateway

import (
	"context"
)

// ProviderClient is the uniform capability shared by the four push back-ends:
// deliver a wake-up signal to one device, given the device's push token and a
// currently-valid provider credential. The notification carries no payload
// content; actual delivery happens over the authenticated session once the
// device reconnects.
//
// Send failures must be returned as *ProviderError so the dispatcher can
// apply its per-kind retry policy.
type ProviderClient interface {
	Provider() ProviderID
	Send(ctx context.Context, pushToken string, cred ProviderToken) error
}

// TokenSource mints a fresh credential for one provider. It is called only by
// the token lifecycle manager, which guarantees a single in-flight refresh
// per provider.
type TokenSource interface {
	Provider() ProviderID
	Refresh(ctx context.Context) (ProviderToken, error)
}

// CredentialSource is what dispatch work sees of the token lifecycle manager.
type CredentialSource interface {
	// Token returns a currently-valid credential for the provider,
	// refreshing it if it is inside the refresh margin.
	Token(ctx context.Context, p ProviderID) (ProviderToken, error)
}

// DeviceDirectory is the registry of device platform, push-token and
// verification-key records.
type DeviceDirectory interface {
	Register(ctx context.Context, reg DeviceRegistration) error
	// Lookup returns ErrDeviceUnknown for unregistered devices.
	Lookup(ctx context.Context, deviceID string) (*DeviceRegistration, error)
	// RemoveToken clears the device's push token if it still matches the
	// given value. Used when a provider reports the token permanently dead.
	RemoveToken(ctx context.Context, deviceID, token string) error
}

// BadTokenSink receives reports of permanently invalidated push tokens, for
// the identity tier to purge the registration.
type BadTokenSink interface {
	Report(ctx context.Context, report BadTokenReport) error
}

// ChallengeIssuer is the single primitive the identity service depends on:
// issuing a single-use nonce a device must sign to prove key possession.
type ChallengeIssuer interface {
	GenerateNonce(deviceID string) (string, error)
}
