package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/dispatch"
	"github.com/Tyrowin/relay/internal/monitor"
	"github.com/Tyrowin/relay/internal/registry"
	"github.com/Tyrowin/relay/internal/router"
)

// Server wires the registry, router, dispatcher and inactivity monitor to
// the WebSocket and raw TCP transports.
type Server struct {
	cfg Config
	log *zap.Logger

	registry   *registry.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	conns      *connTracker

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New builds a server from cfg. The configuration is sanitized first.
func New(cfg Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Capacity,
		registry.WithLogger(log.Named("registry")),
		registry.WithMaxNameLength(cfg.MaxNameLength),
	)
	rt := router.New(reg, log.Named("router"))
	d := dispatch.New(reg, rt,
		dispatch.WithLogger(log.Named("dispatch")),
		dispatch.WithRateLimit(cfg.rateLimit()),
	)

	s := &Server{
		cfg:        cfg,
		log:        log,
		registry:   reg,
		router:     rt,
		dispatcher: d,
		monitor:    monitor.New(reg, cfg.monitorConfig(), monitor.WithLogger(log.Named("monitor"))),
		conns:      newConnTracker(d, log),
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	s.httpServer = CreateServer(cfg.HTTPAddr, s.Handler())
	return s, nil
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s)
}

// Run listens on the configured addresses and serves until ctx is
// cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	var tcpLn net.Listener
	if s.cfg.TCPAddr != "" {
		tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.TCPAddr, err)
		}
	}

	return s.Serve(ctx, httpLn, tcpLn)
}

// Serve serves HTTP on httpLn and raw TCP on tcpLn (which may be nil) until
// ctx is cancelled, then shuts everything down.
func (s *Server) Serve(ctx context.Context, httpLn, tcpLn net.Listener) error {
	if err := s.monitor.Start(); err != nil {
		_ = httpLn.Close()
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		return err
	}

	errCh := make(chan error, 2)

	s.log.Info("HTTP server listening", zap.String("addr", httpLn.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	tcpCtx, stopTCP := context.WithCancel(context.Background())
	defer stopTCP()
	if tcpLn != nil {
		go func() {
			if err := s.ServeTCP(tcpCtx, tcpLn); err != nil {
				errCh <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested")
	case runErr = <-errCh:
		s.log.Error("listener failed", zap.Error(runErr))
	}

	stopTCP()
	return errors.Join(runErr, s.shutdown())
}

// shutdown stops accepting, stops the monitor, then closes every client
// connection, each step bounded by the shutdown timeout.
func (s *Server) shutdown() error {
	timeout := s.cfg.ShutdownTimeout
	var errs []error

	if err := ShutdownServer(s.httpServer, timeout, s.log); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop monitor: %w", err))
	}

	if err := s.conns.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}

	s.log.Info("server stopped", zap.Int("sessions_remaining", s.registry.Len()))
	return errors.Join(errs...)
}
