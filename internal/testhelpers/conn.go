package testhelpers

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrSendFailed is returned by a RecordingConn configured to fail sends.
var ErrSendFailed = errors.New("testhelpers: send failed")

// RecordingConn is an in-memory connection that keeps every message sent to
// it, encoded as JSON the way a real transport would.
type RecordingConn struct {
	addr string

	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	failSend bool
	notify   chan struct{}
}

// NewRecordingConn creates a connection reporting addr as its remote address.
func NewRecordingConn(addr string) *RecordingConn {
	return &RecordingConn{addr: addr, notify: make(chan struct{}, 1024)}
}

// FailSends makes every subsequent Send return ErrSendFailed.
func (c *RecordingConn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = true
}

// Send records v.
func (c *RecordingConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return ErrSendFailed
	}
	if c.closed {
		return io.ErrClosedPipe
	}
	c.sent = append(c.sent, data)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the connection closed.
func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// RemoteAddr returns the address given at construction.
func (c *RecordingConn) RemoteAddr() string {
	return c.addr
}

// Closed reports whether Close was called.
func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages decodes every recorded message into a generic map.
func (c *RecordingConn) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.sent))
	for _, data := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, or nil when nothing was sent.
func (c *RecordingConn) Last() map[string]any {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// WaitForMessages blocks until at least n messages were recorded or the
// timeout expires, and returns what was recorded.
func (c *RecordingConn) WaitForMessages(n int, timeout time.Duration) []map[string]any {
	deadline := time.After(timeout)
	for {
		msgs := c.Messages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Messages()
		}
	}
}

// ScriptedPeer is a RecordingConn that also serves frames pushed by the
// test, so it can drive a dispatcher loop.
type ScriptedPeer struct {
	*RecordingConn

	frames chan frameOrErr
	done   chan struct{}
	once   sync.Once
}

type frameOrErr struct {
	frame []byte
	err   error
}

// NewScriptedPeer creates a peer with an empty inbound queue.
func NewScriptedPeer(addr string) *ScriptedPeer {
	return &ScriptedPeer{
		RecordingConn: NewRecordingConn(addr),
		frames:        make(chan frameOrErr, 64),
		done:          make(chan struct{}),
	}
}

// Push queues a raw inbound frame.
func (p *ScriptedPeer) Push(frame string) {
	p.frames <- frameOrErr{frame: []byte(frame)}
}

// PushJSON queues v encoded as JSON.
func (p *ScriptedPeer) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.frames <- frameOrErr{frame: data}
}

// PushError makes the next read fail with err.
func (p *ScriptedPeer) PushError(err error) {
	p.frames <- frameOrErr{err: err}
}

// ReadFrame returns the next queued frame, blocking until one arrives or the
// peer is closed.
func (p *ScriptedPeer) ReadFrame() ([]byte, error) {
	select {
	case f := <-p.frames:
		return f.frame, f.err
	case <-p.done:
		return nil, io.EOF
	}
}

// Close closes the peer and unblocks a pending ReadFrame.
func (p *ScriptedPeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.RecordingConn.Close()
}
