// Package relay parses relay command flags and runs the server.
package relay

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/platform/logging"
	platformotel "github.com/Tyrowin/relay/internal/platform/otel"
	"github.com/Tyrowin/relay/internal/server"
)

const serviceName = "relay"

// ParseConfig parses environment and flags into a server.Config. Flags win
// over RELAY_* variables.
func ParseConfig(fs *flag.FlagSet, args []string) (server.Config, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return server.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "WebSocket/HTTP listen address")
	fs.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "raw TCP listen address (empty or off disables)")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "maximum registered sessions")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "maximum inbound frame size in bytes")
	fs.DurationVar(&cfg.IdleThreshold, "idle-threshold", cfg.IdleThreshold, "silence before a session counts as idle")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "inactivity sweep period")
	fs.StringVar(&cfg.IdlePolicy, "idle-policy", cfg.IdlePolicy, "idle policy: demote or evict")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint (empty disables)")
	if err := fs.Parse(args); err != nil {
		return server.Config{}, err
	}
	return server.Sanitize(cfg), nil
}

// Run builds the logger and tracer provider, then serves until ctx ends.
func Run(ctx context.Context, cfg server.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := platformotel.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if serr := shutdownTracing(context.Background()); serr != nil {
			log.Warn("tracer shutdown failed", zap.Error(serr))
		}
	}()

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	log.Info("starting relay",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("tcp_addr", cfg.TCPAddr),
		zap.Int("capacity", cfg.Capacity),
		zap.String("idle_policy", cfg.IdlePolicy),
	)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}
