// --- File: internal/tokens/wns.go ---
package tokens

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

const wnsScope = "https://wns.windows.com/.default"

// WNSSource obtains Windows Notification Service credentials through the
// Azure AD client-credentials grant.
type WNSSource struct {
	cfg        config.WNSConfig
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time
}

func NewWNSSource(cfg config.WNSConfig, httpClient *http.Client) (*WNSSource, error) {
	if cfg.TenantID == "" || cfg.AppID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("wns requires tenant_id, app_id and secret")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WNSSource{
		cfg:        cfg,
		tokenURL:   fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

func (s *WNSSource) Provider() gateway.ProviderID { return gateway.ProviderWNS }

func (s *WNSSource) Refresh(ctx context.Context) (gateway.ProviderToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.cfg.AppID},
		"client_secret": {s.cfg.Secret},
		"scope":         {wnsScope},
	}
	return exchangeToken(ctx, s.httpClient, gateway.ProviderWNS, s.tokenURL, form, s.now())
}
