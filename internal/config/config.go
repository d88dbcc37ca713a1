// Package config loads the control plane's layered configuration:
// built-in defaults, overridden by an optional YAML file, overridden by
// environment variables — grounded on
// services/payoutd/config.go's LoadConfig/applyDefaults/validateConfig
// shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration for the control plane
// process (cmd/ibkr-control-plane).
type Config struct {
	ListenAddress string `yaml:"listen"`
	Environment   string `yaml:"environment"`

	Store      StoreConfig      `yaml:"store"`
	Broker     BrokerConfig     `yaml:"broker"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Audit      AuditConfig      `yaml:"audit"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// StoreConfig sizes the in-memory proposal store.
type StoreConfig struct {
	MaxProposals int      `yaml:"max_proposals"`
	TokenTTL     Duration `yaml:"token_ttl"`
}

// BrokerConfig points at the TOML broker connection file; its host-level
// fields are loaded separately by LoadBrokerConnectionFile (broker.go),
// keeping YAML for app config and TOML for broker connection config.
type BrokerConfig struct {
	ConnectionConfigPath string `yaml:"connection_config_path"`
}

// PolicyConfig points at the auto-approval policy descriptor file.
type PolicyConfig struct {
	DescriptorPath string `yaml:"descriptor_path"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	Metrics      bool              `yaml:"metrics"`
	Traces       bool              `yaml:"traces"`
}

// AuditConfig configures the durable audit sink.
type AuditConfig struct {
	PostgresDSN   string   `yaml:"postgres_dsn"`
	BackupDir     string   `yaml:"backup_dir"`
	RetentionDays int      `yaml:"retention_days"`
	BackupEvery   Duration `yaml:"backup_every"`
}

// AlertingConfig configures the notifier and rate limiting.
type AlertingConfig struct {
	SMTPAddr       string  `yaml:"smtp_addr"`
	WebhookURL     string  `yaml:"webhook_url"`
	RatePerMinute  float64 `yaml:"rate_per_minute"`
	DailyLossLimit float64 `yaml:"daily_loss_limit"`
}

// Load reads the YAML file at path (if non-empty), applies built-in
// defaults for anything left zero, then applies environment variable
// overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Store.MaxProposals <= 0 {
		cfg.Store.MaxProposals = 5000
	}
	if cfg.Store.TokenTTL.Duration == 0 {
		cfg.Store.TokenTTL.Duration = 5 * time.Minute
	}
	if cfg.Broker.ConnectionConfigPath == "" {
		cfg.Broker.ConnectionConfigPath = "config/broker.toml"
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.BackupEvery.Duration == 0 {
		cfg.Audit.BackupEvery.Duration = 24 * time.Hour
	}
	if cfg.Alerting.RatePerMinute <= 0 {
		cfg.Alerting.RatePerMinute = 6
	}
}

// applyEnvOverrides maps TRADECTL_-prefixed environment variables onto config
// fields. Only scalar, operationally-tunable fields are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADECTL_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("TRADECTL_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("TRADECTL_STORE_MAX_PROPOSALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxProposals = n
		}
	}
	if v := os.Getenv("TRADECTL_STORE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.TokenTTL.Duration = d
		}
	}
	if v := os.Getenv("TRADECTL_BROKER_CONNECTION_CONFIG"); v != "" {
		cfg.Broker.ConnectionConfigPath = v
	}
	if v := os.Getenv("TRADECTL_TELEMETRY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("TRADECTL_AUDIT_POSTGRES_DSN"); v != "" {
		cfg.Audit.PostgresDSN = v
	}
	if v := os.Getenv("TRADECTL_ALERTING_WEBHOOK_URL"); v != "" {
		cfg.Alerting.WebhookURL = v
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: listen address must be configured")
	}
	if cfg.Store.MaxProposals <= 0 {
		return fmt.Errorf("config: store.max_proposals must be positive")
	}
	return nil
}
