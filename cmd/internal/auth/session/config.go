package session

import (
	"os"
	"time"
)

const (
	// DefaultTTL is the validity window of a freshly issued session.
	DefaultTTL = 90 * time.Second

	minTTL = 10 * time.Second
	maxTTL = 1 * time.Hour
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// TTL is the fixed validity window; expires_at = created_at + TTL.
	TTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - QRLOGIN_SESSION_TTL (between 10s and 1h)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("QRLOGIN_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants of cfg.
func (c Config) Validate() error {
	if c.TTL < minTTL || c.TTL > maxTTL {
		return ErrConfig
	}
	return nil
}
