// Package config loads service configuration from an optional YAML file
// with HUSHFEED_* environment overrides taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config holds runtime wiring for the API server and the recryption worker.
type Config struct {
	Addr           string `yaml:"addr"`
	PGDSN          string `yaml:"pg_dsn"`
	JWTSecret      string `yaml:"jwt_secret"`
	TrustBaseURL   string `yaml:"trust_base_url"`
	KeyringBaseURL string `yaml:"keyring_base_url"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
	Workers        int    `yaml:"workers"`
}

// Default returns the configuration used when no file or environment is set.
func Default() Config {
	return Config{
		Addr:           ":8080",
		TrustBaseURL:   "http://localhost:8081",
		KeyringBaseURL: "http://localhost:8082",
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		Workers:        4,
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides.
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
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Addr, "HUSHFEED_ADDR")
	setString(&cfg.PGDSN, "HUSHFEED_PG_DSN")
	setString(&cfg.JWTSecret, "HUSHFEED_JWT_SECRET")
	setString(&cfg.TrustBaseURL, "HUSHFEED_TRUST_URL")
	setString(&cfg.KeyringBaseURL, "HUSHFEED_KEYRING_URL")
	setInt(&cfg.RateLimitRPS, "HUSHFEED_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimitBurst, "HUSHFEED_RATE_LIMIT_BURST")
	setInt(&cfg.Workers, "HUSHFEED_WORKERS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
