package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/protocol"
)

const acceptBackoff = 100 * time.Millisecond

var errFrameTooLarge = errors.New("server: frame exceeds maximum message size")

// frameLimiter caps the bytes a single Decode may pull from the socket.
type frameLimiter struct {
	r         io.Reader
	remaining int64
}

func (l *frameLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errFrameTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// tcpConn carries JSON objects over a raw TCP stream. Inbound objects may be
// concatenated or newline separated; outbound objects are newline terminated.
type tcpConn struct {
	conn    net.Conn
	addr    string
	maxSize int64
	limiter *frameLimiter
	dec     *json.Decoder

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(conn net.Conn, maxSize int64) *tcpConn {
	limiter := &frameLimiter{r: conn}
	return &tcpConn{
		conn:    conn,
		addr:    conn.RemoteAddr().String(),
		maxSize: maxSize,
		limiter: limiter,
		dec:     json.NewDecoder(limiter),
	}
}

// ReadFrame decodes the next JSON value. Syntax errors are reported as
// protocol.ErrUnparseable; the stream cannot be resynchronized after one.
func (c *tcpConn) ReadFrame() ([]byte, error) {
	c.limiter.remaining = c.maxSize

	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("%w: %v", protocol.ErrUnparseable, err)
		}
		return nil, err
	}
	// The limiter only sees socket reads; bytes the decoder buffered during
	// an earlier call are checked here.
	if int64(len(raw)) > c.maxSize {
		return nil, errFrameTooLarge
	}
	return raw, nil
}

// Send writes v synchronously, bounded by the write deadline.
func (c *tcpConn) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *tcpConn) RemoteAddr() string {
	return c.addr
}

// ServeTCP accepts raw TCP connections on ln until ln is closed or ctx is
// cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.Info("TCP listener started", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("TCP accept failed", zap.Error(err))
			time.Sleep(acceptBackoff)
			continue
		}
		s.conns.serve(newTCPConn(conn, s.cfg.MaxMessageSize))
	}
}
