package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/server"
)

const replyTimeout = 2 * time.Second

type testServer struct {
	srv     *server.Server
	httpURL string
	wsURL   string
	tcpAddr string
	stop    func() error
}

// startServer runs a relay on loopback listeners for both transports. The
// server is stopped when the test ends unless the test stops it first.
func startServer(t *testing.T, customize func(cfg *server.Config)) *testServer {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.TCPAddr = ""
	cfg.RateLimit.Burst = 0
	cfg.ShutdownTimeout = 3 * time.Second
	if customize != nil {
		customize(&cfg)
	}

	srv, err := server.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, httpLn, tcpLn)
	}()

	stopped := false
	var stopErr error
	stop := func() error {
		if stopped {
			return stopErr
		}
		stopped = true
		cancel()
		select {
		case stopErr = <-done:
		case <-time.After(10 * time.Second):
			t.Error("Server did not stop in time")
		}
		return stopErr
	}
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Errorf("Server stopped with error: %v", err)
		}
	})

	httpURL := "http://" + httpLn.Addr().String()
	return &testServer{
		srv:     srv,
		httpURL: httpURL,
		wsURL:   "ws://" + httpLn.Addr().String() + "/ws",
		tcpAddr: tcpLn.Addr().String(),
		stop:    stop,
	}
}
