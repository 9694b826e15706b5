package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the application, read from environment
// variables.
type Config struct {
	// Port is the HTTP server port.
	Port int `env:"PORT" envDefault:"3000"`

	// DatabasePath is the SQLite database file holding the users table the
	// token verifier reads.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"pushgate.db"`

	// RedisURL enables the cross-instance bus and presence set. Empty means
	// single-process mode: delivery is local-only.
	RedisURL string `env:"REDIS_URL"`

	// AuthTimeout bounds the wait for a WebSocket client's auth message on
	// the slow authentication path.
	AuthTimeout time.Duration `env:"AUTH_TIMEOUT" envDefault:"30s"`

	// SSEKeepAlive is the idle window after which an SSE stream gets a
	// comment ping, purely to keep intermediary proxies from closing it.
	SSEKeepAlive time.Duration `env:"SSE_KEEPALIVE" envDefault:"30s"`

	// ReapInterval is the stale-connection reaper's sweep period.
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"60s"`

	// PresenceWindow is how long a distributed presence entry survives
	// without re-assertion. Must be comfortably larger than ReapInterval.
	PresenceWindow time.Duration `env:"PRESENCE_WINDOW" envDefault:"180s"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.PresenceWindow <= cfg.ReapInterval {
		return nil, fmt.Errorf("PRESENCE_WINDOW (%s) must exceed REAP_INTERVAL (%s)", cfg.PresenceWindow, cfg.ReapInterval)
	}

	return cfg, nil
}
