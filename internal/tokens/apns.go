// --- File: internal/tokens/apns.go ---
package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// apnsTokenValidity is how long we treat a signed APNs JWT as usable. Apple
// accepts tokens for up to an hour; staying under that keeps the lifecycle
// manager ahead of the apns2 library's own 55-minute regeneration backstop.
const apnsTokenValidity = 50 * time.Minute

// APNSSource signs provider tokens from the configured .p8 key. The
// underlying token.Token is shared with the APNs transport client so both see
// the same bearer value.
type APNSSource struct {
	tok *token.Token
	now func() time.Time
}

// NewAPNSSource parses the P8 key immediately to fail fast on startup if the
// credentials are bad.
func NewAPNSSource(cfg config.APNSConfig) (*APNSSource, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	return &APNSSource{
		tok: &token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		},
		now: time.Now,
	}, nil
}

func (s *APNSSource) Provider() gateway.ProviderID { return gateway.ProviderAPNS }

// AuthToken exposes the shared token for building the apns2 client.
func (s *APNSSource) AuthToken() *token.Token { return s.tok }

// Refresh signs a fresh ES256 bearer token locally. No network call is
// involved; APNs validates the signature on delivery.
func (s *APNSSource) Refresh(_ context.Context) (gateway.ProviderToken, error) {
	if _, err := s.tok.Generate(); err != nil {
		return gateway.ProviderToken{}, gateway.ConfigError(gateway.ProviderAPNS, fmt.Errorf("signing APNs token: %w", err))
	}
	now := s.now()
	return gateway.ProviderToken{
		Provider:  gateway.ProviderAPNS,
		Value:     s.tok.Bearer,
		IssuedAt:  now,
		ExpiresAt: now.Add(apnsTokenValidity),
	}, nil
}
