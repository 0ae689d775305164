// --- File: internal/platform/apns/client.go ---
// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Client delivers wake-up signals to iOS devices. The push carries no payload
// content, only a background content-available flag; the message itself stays
// queued until the device reconnects.
type Client struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.tinywide.messenger)
	logger *slog.Logger
}

// NewClient builds the APNs transport around the shared auth token. The
// token lifecycle manager refreshes the same token.Token, so the transport
// always signs with the credential the manager last minted.
func NewClient(authToken *token.Token, bundleID string, production bool, logger *slog.Logger) (*Client, error) {
	if authToken == nil {
		return nil, fmt.Errorf("apns auth token cannot be nil")
	}
	if bundleID == "" {
		return nil, fmt.Errorf("apns bundle id cannot be empty")
	}
	client := apns2.NewTokenClient(authToken)
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &Client{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSClient"),
	}, nil
}

func (c *Client) Provider() gateway.ProviderID { return gateway.ProviderAPNS }

// Send pushes a background wake notification to one device token.
func (c *Client) Send(ctx context.Context, pushToken string, _ gateway.ProviderToken) error {
	n := &apns2.Notification{
		DeviceToken: pushToken,
		Topic:       c.topic,
		PushType:    apns2.PushTypeBackground,
		Priority:    apns2.PriorityLow,
		Payload:     payload.NewPayload().ContentAvailable(),
	}

	res, err := c.client.PushWithContext(ctx, n)
	if err != nil {
		// Network/Transport failure.
		return gateway.Transient(gateway.ProviderAPNS, err)
	}

	if res.Sent() {
		return nil
	}

	// Map APNs rejection reasons onto the retry taxonomy.
	// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		// Token is dead; the dispatcher emits the cleanup report.
		return gateway.InvalidToken(gateway.ProviderAPNS, fmt.Errorf("apns rejected token: %s", res.Reason))
	case apns2.ReasonTooManyRequests, apns2.ReasonInternalServerError,
		apns2.ReasonServiceUnavailable, apns2.ReasonShutdown:
		return gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("apns %d: %s", res.StatusCode, res.Reason))
	case apns2.ReasonExpiredProviderToken, apns2.ReasonInvalidProviderToken, apns2.ReasonMissingProviderToken:
		// Our credential, not the device token, is the problem.
		return gateway.ConfigError(gateway.ProviderAPNS, fmt.Errorf("apns rejected credential: %s", res.Reason))
	}

	if res.StatusCode >= 500 {
		return gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("apns %d: %s", res.StatusCode, res.Reason))
	}
	c.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
	return gateway.ConfigError(gateway.ProviderAPNS, fmt.Errorf("apns %d: %s", res.StatusCode, res.Reason))
}
