// --- File: internal/platform/fcm/client.go ---
// Package fcm provides the client for Firebase Cloud Messaging over the
// HTTP v1 API. The bearer credential is minted by the token lifecycle
// manager, not by an embedded SDK, so credential refresh stays observable
// and single-flighted.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// Client delivers wake-up signals to Android devices.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds the FCM v1 client for one Firebase project.
func NewClient(projectID string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("fcm project id cannot be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:   fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID),
		httpClient: httpClient,
		logger:     logger.With("component", "FCMClient"),
	}, nil
}

func (c *Client) Provider() gateway.ProviderID { return gateway.ProviderFCM }

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data,omitempty"`
	Android *androidConfig    `json:"android,omitempty"`
}

type androidConfig struct {
	Priority string `json:"priority,omitempty"`
}

// Send posts a data-only, high-priority message so the device wakes without
// a user-visible notification.
func (c *Client) Send(ctx context.Context, pushToken string, cred gateway.ProviderToken) error {
	body, err := json.Marshal(sendRequest{
		Message: message{
			Token:   pushToken,
			Data:    map[string]string{"wake": "1"},
			Android: &androidConfig{Priority: "high"},
		},
	})
	if err != nil {
		return gateway.ConfigError(gateway.ProviderFCM, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return gateway.ConfigError(gateway.ProviderFCM, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.Transient(gateway.ProviderFCM, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	errorStatus := parseErrorStatus(respBody)

	switch {
	case resp.StatusCode == http.StatusNotFound, errorStatus == "UNREGISTERED":
		// The registration token no longer exists.
		return gateway.InvalidToken(gateway.ProviderFCM, fmt.Errorf("fcm %d: %s", resp.StatusCode, errorStatus))
	case resp.StatusCode == http.StatusBadRequest:
		if strings.Contains(string(respBody), "registration token") {
			return gateway.InvalidToken(gateway.ProviderFCM, fmt.Errorf("fcm rejected registration token"))
		}
		return gateway.ConfigError(gateway.ProviderFCM, fmt.Errorf("fcm 400: %s", errorStatus))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return gateway.ConfigError(gateway.ProviderFCM, fmt.Errorf("fcm rejected credential: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return gateway.Transient(gateway.ProviderFCM, fmt.Errorf("fcm %d", resp.StatusCode))
	}

	c.logger.Warn("FCM rejected notification", "status", resp.StatusCode, "error_status", errorStatus)
	return gateway.ConfigError(gateway.ProviderFCM, fmt.Errorf("fcm %d: %s", resp.StatusCode, errorStatus))
}

// parseErrorStatus pulls the machine-readable status out of a v1 error
// response, e.g. {"error":{"status":"UNREGISTERED", ...}}.
func parseErrorStatus(body []byte) string {
	var parsed struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error.Status
}
