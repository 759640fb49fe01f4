package authapi

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"qrlogin/cmd/internal/render"
)

const (
	minQRSize = 64
	maxQRSize = 1024
)

// Config controls QR API behavior and abuse limits.
type Config struct {
	TrustProxy   bool  `env:"QRLOGIN_TRUST_PROXY,default=false"`
	MaxBodyBytes int64 `env:"QRLOGIN_MAX_BODY_BYTES,default=16384"`

	// ClaimRateEvents claim attempts are allowed per client IP per ClaimRateWindow.
	ClaimRateEvents int           `env:"QRLOGIN_CLAIM_RATE_EVENTS,default=30"`
	ClaimRateWindow time.Duration `env:"QRLOGIN_CLAIM_RATE_WINDOW,default=1m"`

	// IssueRateEvents sessions may be issued per client IP per IssueRateWindow.
	IssueRateEvents int           `env:"QRLOGIN_ISSUE_RATE_EVENTS,default=60"`
	IssueRateWindow time.Duration `env:"QRLOGIN_ISSUE_RATE_WINDOW,default=1m"`

	// QRSize is the rendered QR image edge in pixels.
	QRSize int `env:"QRLOGIN_QR_SIZE,default=200"`
}

// DefaultConfig returns the defaults used when no environment overrides are set.
func DefaultConfig() Config {
	return Config{
		TrustProxy:      false,
		MaxBodyBytes:    16 << 10, // 16 KiB
		ClaimRateEvents: 30,
		ClaimRateWindow: time.Minute,
		IssueRateEvents: 60,
		IssueRateWindow: time.Minute,
		QRSize:          render.DefaultSize,
	}
}

// LoadConfigFromEnv loads API config from the process environment.
func LoadConfigFromEnv(ctx context.Context) (Config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, fmt.Errorf("authapi: load config: %w", err)
	}
	return cfg.normalized(), nil
}

// normalized replaces non-positive limits with defaults and keeps images scannable and bounded.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.ClaimRateEvents <= 0 || c.ClaimRateWindow <= 0 {
		c.ClaimRateEvents, c.ClaimRateWindow = def.ClaimRateEvents, def.ClaimRateWindow
	}
	if c.IssueRateEvents <= 0 || c.IssueRateWindow <= 0 {
		c.IssueRateEvents, c.IssueRateWindow = def.IssueRateEvents, def.IssueRateWindow
	}
	c.QRSize = min(max(c.QRSize, minQRSize), maxQRSize)
	return c
}
