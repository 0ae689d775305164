package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// WebPushSource wraps the VAPID key pair. The credential is static: web push
// authentication is a per-request JWT signed by the transport from these
// keys, so Refresh never performs network I/O and the token effectively
// never expires.
type WebPushSource struct {
	cfg config.VapidConfig
	now func() time.Time
}

func NewWebPushSource(cfg config.VapidConfig) (*WebPushSource, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("webpush requires a VAPID key pair")
	}
	return &WebPushSource{cfg: cfg, now: time.Now}, nil
}

func (s *WebPushSource) Provider() gateway.ProviderID { return gateway.ProviderWebPush }

func (s *WebPushSource) Refresh(_ context.Context) (gateway.ProviderToken, error) {
	now := s.now()
	return gateway.ProviderToken{
		Provider:  gateway.ProviderWebPush,
		Value:     s.cfg.PublicKey,
		IssuedAt:  now,
		ExpiresAt: now.AddDate(1, 0, 0),
	}, nil
}
