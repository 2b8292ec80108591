// Package fieldunit implements a simulated field unit: a TCP client that
// uploads telemetry on a ticker and applies threshold pushes from the
// broker.
package fieldunit

import (
	"errors"
	"os"
	"time"
)

// Config holds field-unit configuration.
type Config struct {
	BrokerAddr     string        // broker TCP address (host:port)
	DeviceID       string        // device identifier to report as
	UploadInterval time.Duration // how often to upload telemetry
	LogLevel       string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		UploadInterval: 5 * time.Second,
		LogLevel:       "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.BrokerAddr = os.Getenv("IOTGW_FU_BROKER")
	if cfg.BrokerAddr == "" {
		return nil, errors.New("IOTGW_FU_BROKER is required")
	}

	cfg.DeviceID = os.Getenv("IOTGW_FU_DEVICE_ID")
	if cfg.DeviceID == "" {
		return nil, errors.New("IOTGW_FU_DEVICE_ID is required")
	}

	if interval := os.Getenv("IOTGW_FU_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, errors.New("IOTGW_FU_INTERVAL must be a duration (e.g. 5s)")
		}
		cfg.UploadInterval = d
	}

	if level := os.Getenv("IOTGW_FU_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BrokerAddr == "" {
		return errors.New("broker address is required")
	}
	if c.DeviceID == "" {
		return errors.New("device id is required")
	}
	if c.UploadInterval < time.Second {
		return errors.New("upload interval must be at least 1 second")
	}
	return nil
}
