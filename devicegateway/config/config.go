// --- File: devicegateway/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// APNSConfig holds the credentials required to sign APNs tokens.
type APNSConfig struct {
	// Key is the raw string content of the .p8 file.
	Key        string
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// FCMConfig mirrors a Google service-account credentials file.
type FCMConfig struct {
	AccountType             string
	ProjectID               string
	PrivateKeyID            string
	PrivateKey              string
	ClientEmail             string
	ClientID                string
	AuthURI                 string
	TokenURI                string
	AuthProviderX509CertURL string
	ClientX509CertURL       string
}

// VapidConfig is the web-push signing key pair.
type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// WNSConfig is the Azure AD application identity for WNS.
type WNSConfig struct {
	TenantID string
	AppID    string
	Secret   string
}

type SessionConfig struct {
	HeartbeatInterval  time.Duration
	OutboundBufferSize int
	NonceTTL           time.Duration
	AuthTimeout        time.Duration
	DrainBatchSize     int
}

type DispatchConfig struct {
	WorkersPerProvider int
	MaxAttempts        uint64
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	RefreshMargin      time.Duration
}

// Config defines the single, authoritative runtime configuration.
type Config struct {
	ProjectID          string
	ListenAddr         string
	DeviceCollection   string
	QueueCollection    string
	BadTokenTopicID    string
	AuthSigningKey     string
	RedactionAllowList []string

	Redis    RedisConfig
	Session  SessionConfig
	Dispatch DispatchConfig

	APNS  APNSConfig
	FCM   FCMConfig
	Vapid VapidConfig
	WNS   WNSConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final
// validation. Provider credential problems are validated by the token
// sources at startup; this stage only checks the service-level fields.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("BAD_TOKEN_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "BAD_TOKEN_TOPIC_ID", "source", "env")
		cfg.BadTokenTopicID = val
	}

	// Redis overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Secrets are env-only in deployed environments.
	if val := os.Getenv("APNS_KEY"); val != "" {
		cfg.APNS.Key = val
	}
	if val := os.Getenv("FCM_PRIVATE_KEY"); val != "" {
		cfg.FCM.PrivateKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("WNS_SECRET"); val != "" {
		cfg.WNS.Secret = val
	}
	if val := os.Getenv("AUTH_SIGNING_KEY"); val != "" {
		cfg.AuthSigningKey = val
	}

	// Final validation and defaults.
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DeviceCollection == "" {
		cfg.DeviceCollection = "devices"
	}
	if cfg.QueueCollection == "" {
		cfg.QueueCollection = "device-queues"
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		cfg.Session.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Session.OutboundBufferSize <= 0 {
		cfg.Session.OutboundBufferSize = 64
	}
	if cfg.Session.NonceTTL <= 0 {
		cfg.Session.NonceTTL = 2 * time.Minute
	}
	if cfg.Session.AuthTimeout <= 0 {
		cfg.Session.AuthTimeout = 10 * time.Second
	}
	if cfg.Session.DrainBatchSize <= 0 {
		cfg.Session.DrainBatchSize = 32
	}
	if cfg.Dispatch.WorkersPerProvider <= 0 {
		cfg.Dispatch.WorkersPerProvider = 4
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.InitialBackoff <= 0 {
		cfg.Dispatch.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Dispatch.MaxBackoff <= 0 {
		cfg.Dispatch.MaxBackoff = 30 * time.Second
	}
	if cfg.Dispatch.RefreshMargin <= 0 {
		cfg.Dispatch.RefreshMargin = 5 * time.Minute
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
