package httpclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Config configures an HTTP client.
type Config struct {
	// Timeout bounds the whole request including reading the body.
	// Default: 5s. Must be > 0.
	Timeout time.Duration

	// UserAgent is the User-Agent header value.
	// Required. Must be non-empty.
	UserAgent string

	// Headers are set on every request that does not already carry them.
	Headers map[string]string

	// MaxConnsPerHost caps concurrent connections to one host.
	// Default: 10. Must be >= 0 (0 means unlimited).
	MaxConnsPerHost int

	// Logger receives one record per request. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		UserAgent:       "vantage-webhook/1.0",
		MaxConnsPerHost: 10,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	if c.MaxConnsPerHost < 0 {
		return fmt.Errorf("max_conns_per_host must be >= 0, got %d", c.MaxConnsPerHost)
	}
	return nil
}
