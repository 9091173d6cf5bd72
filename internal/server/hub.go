package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/dispatch"
)

// connTracker owns the goroutine of every live connection, on either
// transport, so shutdown can close them all and wait.
type connTracker struct {
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[dispatch.Peer]struct{}
	closing bool
	wg      sync.WaitGroup
}

func newConnTracker(d *dispatch.Dispatcher, log *zap.Logger) *connTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &connTracker{
		dispatcher: d,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[dispatch.Peer]struct{}),
	}
}

// serve runs the dispatcher for peer on its own goroutine. Peers arriving
// after shutdown began are closed immediately.
func (t *connTracker) serve(peer dispatch.Peer) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		_ = peer.Close()
		return
	}
	t.peers[peer] = struct{}{}
	count := len(t.peers)
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Debug("connection accepted",
		zap.String("remote_addr", peer.RemoteAddr()),
		zap.Int("connections", count),
	)

	go func() {
		defer t.wg.Done()
		defer t.remove(peer)
		t.dispatcher.Serve(t.ctx, peer)
	}()
}

func (t *connTracker) remove(peer dispatch.Peer) {
	t.mu.Lock()
	delete(t.peers, peer)
	count := len(t.peers)
	t.mu.Unlock()

	t.log.Debug("connection released",
		zap.String("remote_addr", peer.RemoteAddr()),
		zap.Int("connections", count),
	)
}

// Len returns the number of live connections, registered or not.
func (t *connTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// snapshot returns the live peers without holding the lock during I/O.
func (t *connTracker) snapshot() []dispatch.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]dispatch.Peer, 0, len(t.peers))
	for peer := range t.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Shutdown closes every connection and waits for their goroutines, or
// returns context.DeadlineExceeded after timeout.
func (t *connTracker) Shutdown(timeout time.Duration) error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	t.cancel()

	peers := t.snapshot()
	for _, peer := range peers {
		if err := peer.Close(); err != nil && !isExpectedCloseError(err) {
			t.log.Debug("close during shutdown failed",
				zap.String("remote_addr", peer.RemoteAddr()),
				zap.Error(err),
			)
		}
	}
	t.log.Info("closing client connections", zap.Int("connections", len(peers)))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		t.log.Warn("connection shutdown timed out", zap.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}
