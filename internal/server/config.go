package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/relay/internal/dispatch"
	"github.com/Tyrowin/relay/internal/monitor"
	platformconfig "github.com/Tyrowin/relay/internal/platform/config"
	"github.com/Tyrowin/relay/internal/registry"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// A Burst of zero disables limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RELAY_RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RELAY_RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the relay server settings.
type Config struct {
	HTTPAddr        string          `env:"RELAY_HTTP_ADDR" envDefault:":8080"`
	TCPAddr         string          `env:"RELAY_TCP_ADDR" envDefault:":50213"`
	AllowedOrigins  []string        `env:"RELAY_ALLOWED_ORIGINS" envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize  int64           `env:"RELAY_MAX_MESSAGE_SIZE" envDefault:"1024"`
	Capacity        int             `env:"RELAY_CAPACITY" envDefault:"10"`
	MaxNameLength   int             `env:"RELAY_MAX_NAME_LENGTH" envDefault:"50"`
	IdleThreshold   time.Duration   `env:"RELAY_IDLE_THRESHOLD" envDefault:"60s"`
	SweepInterval   time.Duration   `env:"RELAY_SWEEP_INTERVAL" envDefault:"30s"`
	IdlePolicy      string          `env:"RELAY_IDLE_POLICY" envDefault:"demote"`
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration   `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	OTelEndpoint    string          `env:"RELAY_OTEL_ENDPOINT"`
	LogLevel        string          `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat       string          `env:"RELAY_LOG_FORMAT" envDefault:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		TCPAddr:        ":50213",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 1024,
		Capacity:       10,
		MaxNameLength:  registry.DefaultMaxNameLength,
		IdleThreshold:  60 * time.Second,
		SweepInterval:  30 * time.Second,
		IdlePolicy:     string(monitor.PolicyDemote),
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// LoadConfig reads the configuration from RELAY_* environment variables and
// sanitizes the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := platformconfig.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return Sanitize(cfg), nil
}

// TCPDisabled turns the raw TCP listener off when used as TCPAddr.
const TCPDisabled = "off"

// Sanitize replaces out-of-range values with their defaults. An empty or
// "off" TCPAddr disables the TCP listener.
func Sanitize(cfg Config) Config {
	def := DefaultConfig()

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = def.HTTPAddr
	}
	cfg.TCPAddr = strings.TrimSpace(cfg.TCPAddr)
	if strings.EqualFold(cfg.TCPAddr, TCPDisabled) {
		cfg.TCPAddr = ""
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = def.MaxNameLength
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if _, err := monitor.ParsePolicy(cfg.IdlePolicy); err != nil {
		cfg.IdlePolicy = def.IdlePolicy
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	return cfg
}

// Validate reports settings that cannot be repaired by Sanitize.
func (c Config) Validate() error {
	if c.TCPAddr != "" && c.TCPAddr == c.HTTPAddr {
		return fmt.Errorf("config: HTTP and TCP listeners share address %q", c.HTTPAddr)
	}
	return nil
}

func (c Config) rateLimit() dispatch.RateLimit {
	return dispatch.RateLimit{
		Burst:          c.RateLimit.Burst,
		RefillInterval: c.RateLimit.RefillInterval,
	}
}

func (c Config) monitorConfig() monitor.Config {
	policy, _ := monitor.ParsePolicy(c.IdlePolicy)
	return monitor.Config{
		IdleThreshold: c.IdleThreshold,
		SweepInterval: c.SweepInterval,
		Policy:        policy,
	}
}

func parseOrigins(origins []string) []string {
	parts := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
