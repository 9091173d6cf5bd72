package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendQueueLen = 256
)

var (
	errConnClosed = errors.New("server: connection closed")
	errQueueFull  = errors.New("server: send queue full")
)

// wsConn adapts a gorilla WebSocket to the dispatcher. Reads happen on the
// dispatcher goroutine; all writes go through writePump.
type wsConn struct {
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	log            *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, addr string, maxMessageSize int64, log *zap.Logger) *wsConn {
	c := &wsConn{
		conn:           conn,
		send:           make(chan []byte, sendQueueLen),
		addr:           addr,
		maxMessageSize: maxMessageSize,
		log:            log.With(zap.String("remote_addr", addr), zap.String("transport", "websocket")),
	}
	conn.SetReadLimit(maxMessageSize)
	c.setupReadConnection()
	go c.writePump()
	return c
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *wsConn) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("set initial read deadline failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ReadFrame returns the next data message.
func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.logReadError(err)
		return nil, err
	}
	return data, nil
}

func (c *wsConn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("message exceeded maximum size", zap.Int64("max_message_size", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// Send queues v for delivery without blocking. A full queue counts as a
// failed send.
func (c *wsConn) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops accepting sends. writePump flushes what is queued, sends a
// close frame and closes the socket, which ends any blocked ReadFrame.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("close failed", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				c.abandon()
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				c.abandon()
				return
			}
		}
	}
}

// abandon marks the connection closed after a write failure so later sends
// fail fast instead of filling a queue nobody drains.
func (c *wsConn) abandon() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *wsConn) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug("write close message failed", zap.Error(err))
	}
}

func (c *wsConn) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set write deadline failed", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("write failed", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *wsConn) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("ping failed", zap.Error(err))
		return false
	}
	return true
}
