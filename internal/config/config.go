// Package config loads server configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	ListenAddr      string `yaml:"listen_addr"`
	DatabaseURL     string `yaml:"database_url"`
	JWTPublicKey    string `yaml:"jwt_public_key"`
	SweepSchedule   string `yaml:"sweep_schedule"`
	WebhookEndpoint string `yaml:"webhook_endpoint"`
	WebhookAPIKey   string `yaml:"webhook_api_key"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	AuditLogPath    string `yaml:"audit_log_path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		SweepSchedule:   "@every 2m",
		RateLimitPerSec: 20,
		RateLimitBurst:  40,
	}
}

// Load reads the file at path when it exists, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return Config{}, fmt.Errorf("listen_addr is required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_PUBLIC_KEY"); v != "" {
		cfg.JWTPublicKey = v
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("WEBHOOK_ENDPOINT"); v != "" {
		cfg.WebhookEndpoint = v
	}
	if v := os.Getenv("WEBHOOK_API_KEY"); v != "" {
		cfg.WebhookAPIKey = v
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
}
