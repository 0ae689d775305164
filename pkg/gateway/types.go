// Package gateway contains the public interfaces and domain models for the
// device gateway service.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the device's operating environment. It determines which
// push provider can wake the device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformWindows Platform = "windows"
)

// ProviderID identifies one of the supported push back-ends.
type ProviderID string

const (
	ProviderAPNS    ProviderID = "apns"
	ProviderFCM     ProviderID = "fcm"
	ProviderWebPush ProviderID = "webpush"
	ProviderWNS     ProviderID = "wns"
)

// ParsePlatform validates a wire-level platform string.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformIOS, PlatformAndroid, PlatformWeb, PlatformWindows:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Provider returns the push provider responsible for this platform. The
// mapping is static and total; an unrecognised platform is a configuration
// error, never a retryable condition.
func (p Platform) Provider() (ProviderID, error) {
	switch p {
	case PlatformIOS:
		return ProviderAPNS, nil
	case PlatformAndroid:
		return ProviderFCM, nil
	case PlatformWeb:
		return ProviderWebPush, nil
	case PlatformWindows:
		return ProviderWNS, nil
	}
	return "", &ProviderError{Kind: ProviderErrConfig, Err: fmt.Errorf("no provider for platform %q", p)}
}

// QueuedMessage is one durably held message awaiting delivery to a device.
// It is created on enqueue and removed only once the receiving device has
// drained and acknowledged it.
type QueuedMessage struct {
	// ID is the queue-assigned acknowledgement ID.
	ID string `json:"id"`
	// ClientMessageID is the sender-assigned ID used for de-duplication.
	ClientMessageID  string          `json:"clientMessageID"`
	DeviceID         string          `json:"deviceID"`
	Payload          json.RawMessage `json:"payload"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	DeliveryAttempts int             `json:"deliveryAttempts"`
}

// ProviderToken is a provider credential held by the token lifecycle manager.
// It is shared read-mostly state; exactly one refresh may be in flight per
// provider at a time.
type ProviderToken struct {
	Provider  ProviderID
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at the given instant with the
// given refresh margin still to spare.
func (t ProviderToken) Valid(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.Sub(now) > margin
}

// NotificationJob is the transient unit of work for one wake-up push. It
// exists only while the push is outstanding.
type NotificationJob struct {
	DeviceID          string
	Platform          Platform
	MessageID         string
	ProviderAttempted ProviderID
	AttemptCount      int
}

// BadTokenReport signals that a provider classified a device's push
// registration as permanently invalid. It is emitted, never stored.
type BadTokenReport struct {
	DeviceID         string `json:"deviceID"`
	InvalidatedToken string `json:"invalidatedToken"`
}

// DeviceRegistration is the directory record for one device: who it belongs
// to, how to wake it, and the key it authenticates with.
type DeviceRegistration struct {
	DeviceID string   `json:"deviceID" firestore:"device_id"`
	UserID   string   `json:"userID" firestore:"user_id"`
	Platform Platform `json:"platform" firestore:"platform"`
	// PushToken is the provider-specific wake handle: an APNs/FCM token, a
	// WNS channel URI, or a serialized web-push subscription.
	PushToken string `json:"pushToken" firestore:"push_token"`
	// PublicKey is the device's base64 ed25519 verification key.
	PublicKey string    `json:"publicKey" firestore:"public_key"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updated_at"`
}
