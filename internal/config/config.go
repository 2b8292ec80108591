// Package config loads broker configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Config holds broker configuration.
type Config struct {
	// Transport
	ListenAddr string // TCP listen address for field units and operators

	// Admin HTTP server (empty disables)
	AdminAddr string

	// Telemetry archive database (empty disables)
	DatabasePath string

	// Event publishing (empty disables)
	NATSURL string

	// Threshold correlation
	AckTimeout time.Duration // how long an operator waits for a field-unit ack

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Setting IOTGW_ADMIN_LISTEN to an empty string disables the admin
	// server, so an unset variable must be told apart from an empty one.
	adminAddr := ":8000"
	if v, ok := os.LookupEnv("IOTGW_ADMIN_LISTEN"); ok {
		adminAddr = v
	}

	cfg := &Config{
		ListenAddr:   getEnv("IOTGW_LISTEN", ":7878"),
		AdminAddr:    adminAddr,
		DatabasePath: os.Getenv("IOTGW_DB_PATH"),
		NATSURL:      os.Getenv("IOTGW_NATS_URL"),
		AckTimeout:   parseDuration("IOTGW_ACK_TIMEOUT", 10*time.Second),
		LogLevel:     getEnv("IOTGW_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "IOTGW_LISTEN must not be empty")
	}
	if c.AckTimeout < time.Second {
		errs = append(errs, "IOTGW_ACK_TIMEOUT must be at least 1 second")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
