// --- File: devicegateway/config/yaml_config.go ---
package config

import (
	"log/slog"
	"time"
)

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlAPNSConfig struct {
	Key        string `yaml:"key"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

type YamlFCMConfig struct {
	AccountType             string `yaml:"account_type"`
	ProjectID               string `yaml:"project_id"`
	PrivateKeyID            string `yaml:"private_key_id"`
	PrivateKey              string `yaml:"private_key"`
	ClientEmail             string `yaml:"client_email"`
	ClientID                string `yaml:"client_id"`
	AuthURI                 string `yaml:"auth_uri"`
	TokenURI                string `yaml:"token_uri"`
	AuthProviderX509CertURL string `yaml:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `yaml:"client_x509_cert_url"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlWNSConfig struct {
	TenantID string `yaml:"tenant_id"`
	AppID    string `yaml:"app_id"`
	Secret   string `yaml:"secret"`
}

type YamlSessionConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	OutboundBufferSize       int `yaml:"outbound_buffer_size"`
	NonceTTLSeconds          int `yaml:"nonce_ttl_seconds"`
	AuthTimeoutSeconds       int `yaml:"auth_timeout_seconds"`
	DrainBatchSize           int `yaml:"drain_batch_size"`
}

type YamlDispatchConfig struct {
	WorkersPerProvider   int    `yaml:"workers_per_provider"`
	MaxAttempts          uint64 `yaml:"max_attempts"`
	InitialBackoffMillis int    `yaml:"initial_backoff_millis"`
	MaxBackoffSeconds    int    `yaml:"max_backoff_seconds"`
	RefreshMarginSeconds int    `yaml:"refresh_margin_seconds"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID          string             `yaml:"project_id"`
	ListenAddr         string             `yaml:"listen_addr"`
	DeviceCollection   string             `yaml:"device_collection"`
	QueueCollection    string             `yaml:"queue_collection"`
	BadTokenTopicID    string             `yaml:"bad_token_topic_id"`
	AuthSigningKey     string             `yaml:"auth_signing_key"`
	RedactionAllowList []string           `yaml:"redaction_allow_list"`
	RedisConfig        YamlRedisConfig    `yaml:"redis"`
	SessionConfig      YamlSessionConfig  `yaml:"session"`
	DispatchConfig     YamlDispatchConfig `yaml:"dispatch"`
	APNSConfig         YamlAPNSConfig     `yaml:"apns"`
	FCMConfig          YamlFCMConfig      `yaml:"fcm"`
	VapidConfig        YamlVapidConfig    `yaml:"vapid"`
	WNSConfig          YamlWNSConfig      `yaml:"wns"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		DeviceCollection:   baseCfg.DeviceCollection,
		QueueCollection:    baseCfg.QueueCollection,
		BadTokenTopicID:    baseCfg.BadTokenTopicID,
		AuthSigningKey:     baseCfg.AuthSigningKey,
		RedactionAllowList: baseCfg.RedactionAllowList,
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Session: SessionConfig{
			HeartbeatInterval:  time.Duration(baseCfg.SessionConfig.HeartbeatIntervalSeconds) * time.Second,
			OutboundBufferSize: baseCfg.SessionConfig.OutboundBufferSize,
			NonceTTL:           time.Duration(baseCfg.SessionConfig.NonceTTLSeconds) * time.Second,
			AuthTimeout:        time.Duration(baseCfg.SessionConfig.AuthTimeoutSeconds) * time.Second,
			DrainBatchSize:     baseCfg.SessionConfig.DrainBatchSize,
		},
		Dispatch: DispatchConfig{
			WorkersPerProvider: baseCfg.DispatchConfig.WorkersPerProvider,
			MaxAttempts:        baseCfg.DispatchConfig.MaxAttempts,
			InitialBackoff:     time.Duration(baseCfg.DispatchConfig.InitialBackoffMillis) * time.Millisecond,
			MaxBackoff:         time.Duration(baseCfg.DispatchConfig.MaxBackoffSeconds) * time.Second,
			RefreshMargin:      time.Duration(baseCfg.DispatchConfig.RefreshMarginSeconds) * time.Second,
		},
		APNS: APNSConfig{
			Key:        baseCfg.APNSConfig.Key,
			KeyID:      baseCfg.APNSConfig.KeyID,
			TeamID:     baseCfg.APNSConfig.TeamID,
			BundleID:   baseCfg.APNSConfig.BundleID,
			Production: baseCfg.APNSConfig.Production,
		},
		FCM: FCMConfig{
			AccountType:             baseCfg.FCMConfig.AccountType,
			ProjectID:               baseCfg.FCMConfig.ProjectID,
			PrivateKeyID:            baseCfg.FCMConfig.PrivateKeyID,
			PrivateKey:              baseCfg.FCMConfig.PrivateKey,
			ClientEmail:             baseCfg.FCMConfig.ClientEmail,
			ClientID:                baseCfg.FCMConfig.ClientID,
			AuthURI:                 baseCfg.FCMConfig.AuthURI,
			TokenURI:                baseCfg.FCMConfig.TokenURI,
			AuthProviderX509CertURL: baseCfg.FCMConfig.AuthProviderX509CertURL,
			ClientX509CertURL:       baseCfg.FCMConfig.ClientX509CertURL,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		WNS: WNSConfig{
			TenantID: baseCfg.WNSConfig.TenantID,
			AppID:    baseCfg.WNSConfig.AppID,
			Secret:   baseCfg.WNSConfig.Secret,
		},
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
	)

	return cfg, nil
}
