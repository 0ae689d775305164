// Package web provides the VAPID web-push client.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// Client delivers wake-up signals to browser subscriptions. The device's
// push token is its serialized PushSubscription JSON, exactly as the browser
// hands it out: {"endpoint": ..., "keys": {"p256dh": ..., "auth": ...}}.
type Client struct {
	subscriber string
	privateKey string
	publicKey  string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewClient(cfg config.VapidConfig, logger *slog.Logger) (*Client, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("webpush requires a VAPID key pair")
	}
	return &Client{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushClient"),
		httpClient: &http.Client{},
	}, nil
}

func (c *Client) Provider() gateway.ProviderID { return gateway.ProviderWebPush }

// Send posts an empty wake payload to the subscription endpoint.
func (c *Client) Send(ctx context.Context, pushToken string, _ gateway.ProviderToken) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(pushToken), &sub); err != nil || sub.Endpoint == "" {
		// A subscription we cannot even parse is as dead as a 410.
		return gateway.InvalidToken(gateway.ProviderWebPush, fmt.Errorf("malformed subscription"))
	}

	payload, err := json.Marshal(map[string]string{"type": "wake"})
	if err != nil {
		return gateway.ConfigError(gateway.ProviderWebPush, err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		Subscriber:      c.subscriber,
		VAPIDPublicKey:  c.publicKey,
		VAPIDPrivateKey: c.privateKey,
		TTL:             60,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      c.httpClient,
	})
	if err != nil {
		// Transport error (DNS, timeout). Retry, don't delete.
		return gateway.Transient(gateway.ProviderWebPush, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		// 410 Gone / 404 Not Found: the subscription is dead.
		return gateway.InvalidToken(gateway.ProviderWebPush, fmt.Errorf("webpush %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return gateway.Transient(gateway.ProviderWebPush, fmt.Errorf("webpush %d", resp.StatusCode))
	}

	c.logger.Warn("WebPush rejected", "status", resp.StatusCode)
	return gateway.ConfigError(gateway.ProviderWebPush, fmt.Errorf("webpush %d", resp.StatusCode))
}
