// Package wns delivers raw wake-up notifications over the Windows
// Notification Service. The device's push token is its channel URI.
package wns

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{
		logger:     logger.With("component", "WNSClient"),
		httpClient: &http.Client{},
	}
}

func (c *Client) Provider() gateway.ProviderID { return gateway.ProviderWNS }

// Send posts a raw payload to the channel URI. WNS only wakes the app; the
// actual message travels over the device's own connection once it is back.
func (c *Client) Send(ctx context.Context, pushToken string, cred gateway.ProviderToken) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushToken, bytes.NewReader([]byte(`{"type":"wake"}`)))
	if err != nil {
		// Only a malformed channel URI gets us here.
		return gateway.InvalidToken(gateway.ProviderWNS, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-WNS-Type", "wns/raw")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.Transient(gateway.ProviderWNS, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		// The channel expired or the app was uninstalled.
		return gateway.InvalidToken(gateway.ProviderWNS, fmt.Errorf("wns %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return gateway.ConfigError(gateway.ProviderWNS, fmt.Errorf("wns %d: rejected credentials", resp.StatusCode))
	case resp.StatusCode == http.StatusNotAcceptable, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		// 406 is WNS throttling the channel.
		return gateway.Transient(gateway.ProviderWNS, fmt.Errorf("wns %d", resp.StatusCode))
	}

	c.logger.Warn("WNS rejected", "status", resp.StatusCode)
	return gateway.ConfigError(gateway.ProviderWNS, fmt.Errorf("wns %d", resp.StatusCode))
}
