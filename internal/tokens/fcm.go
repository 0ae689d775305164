// --- File: internal/tokens/fcm.go ---
package tokens

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

const (
	fcmScope     = "https://www.googleapis.com/auth/firebase.messaging"
	jwtGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// FCMSource exchanges a self-signed service-account assertion for an OAuth
// access token at the account's token endpoint.
type FCMSource struct {
	cfg        config.FCMConfig
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

// NewFCMSource parses the service-account private key up front so malformed
// credentials are fatal at startup, not at first dispatch.
func NewFCMSource(cfg config.FCMConfig, httpClient *http.Client) (*FCMSource, error) {
	if cfg.ClientEmail == "" || cfg.TokenURI == "" {
		return nil, fmt.Errorf("fcm service account requires client_email and token_uri")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse FCM service-account key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &FCMSource{cfg: cfg, key: key, httpClient: httpClient, now: time.Now}, nil
}

func (s *FCMSource) Provider() gateway.ProviderID { return gateway.ProviderFCM }

// Refresh signs an RS256 assertion and trades it for a bearer token.
func (s *FCMSource) Refresh(ctx context.Context) (gateway.ProviderToken, error) {
	now := s.now()

	claims := jwt.MapClaims{
		"iss":   s.cfg.ClientEmail,
		"scope": fcmScope,
		"aud":   s.cfg.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertionToken := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.cfg.PrivateKeyID != "" {
		assertionToken.Header["kid"] = s.cfg.PrivateKeyID
	}
	assertion, err := assertionToken.SignedString(s.key)
	if err != nil {
		return gateway.ProviderToken{}, gateway.ConfigError(gateway.ProviderFCM, fmt.Errorf("signing assertion: %w", err))
	}

	form := url.Values{
		"grant_type": {jwtGrantType},
		"assertion":  {assertion},
	}
	tok, err := exchangeToken(ctx, s.httpClient, gateway.ProviderFCM, s.cfg.TokenURI, form, now)
	if err != nil {
		return gateway.ProviderToken{}, err
	}
	return tok, nil
}

// exchangeToken posts an OAuth2 token request and parses the standard
// access_token/expires_in response. Shared by the FCM and WNS sources.
func exchangeToken(
	ctx context.Context,
	client *http.Client,
	provider gateway.ProviderID,
	endpoint string,
	form url.Values,
	now time.Time,
) (gateway.ProviderToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return gateway.ProviderToken{}, gateway.ConfigError(provider, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return gateway.ProviderToken{}, gateway.Transient(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gateway.ProviderToken{}, gateway.Transient(provider, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return gateway.ProviderToken{}, gateway.Transient(provider, fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	default:
		// 4xx from the token endpoint means our credentials or request are
		// wrong; retrying per-message will not help.
		return gateway.ProviderToken{}, gateway.ConfigError(provider, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return gateway.ProviderToken{}, gateway.Transient(provider, fmt.Errorf("decoding token response: %w", err))
	}
	if parsed.AccessToken == "" {
		return gateway.ProviderToken{}, gateway.ConfigError(provider, fmt.Errorf("token endpoint returned empty access_token"))
	}
	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return gateway.ProviderToken{
		Provider:  provider,
		Value:     parsed.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiresIn),
	}, nil
}
