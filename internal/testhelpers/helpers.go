// Package testhelpers provides common utilities and helper functions for testing the relay server.
//
// This package contains reusable test utilities that are shared across package tests.
// It provides in-memory connections for exercising the registry, router and dispatcher,
// and functions for dialing a running server over WebSocket or TCP.
package testhelpers

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendJSON writes v as one WebSocket text frame.
func SendJSON(conn *websocket.Conn, v any) error {
	return conn.WriteJSON(v)
}

// ReceiveJSON reads one message, failing after timeout.
func ReceiveJSON(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var message map[string]any
	err := conn.ReadJSON(&message)
	return message, err
}

// RegisterWebSocket dials url and registers name, failing the test unless
// the server replies OK.
func RegisterWebSocket(t *testing.T, url, name string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(url)
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", name, err)
	}
	if err := SendJSON(conn, map[string]string{"kind": "register", "name": name}); err != nil {
		t.Fatalf("Failed to send register for %s: %v", name, err)
	}
	reply, err := ReceiveJSON(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("No register reply for %s: %v", name, err)
	}
	AssertOK(t, reply)
	return conn
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// TCPClient is a line-oriented JSON client for the raw TCP transport.
type TCPClient struct {
	Conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects to a raw TCP listener.
func DialTCP(addr string) (*TCPClient, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &TCPClient{Conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Send writes a raw payload.
func (c *TCPClient) Send(payload string) error {
	_, err := c.Conn.Write([]byte(payload))
	return err
}

// Receive reads one newline-terminated JSON message.
func (c *TCPClient) Receive(timeout time.Duration) (map[string]any, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var message map[string]any
	if err := json.Unmarshal(line, &message); err != nil {
		return nil, err
	}
	return message, nil
}

// Close closes the underlying connection.
func (c *TCPClient) Close() error {
	return c.Conn.Close()
}

// AssertOK fails the test unless message is {"result":"OK"}.
func AssertOK(t *testing.T, message map[string]any) {
	t.Helper()
	if message["result"] != "OK" {
		t.Errorf("Expected OK reply, got %v", message)
	}
}

// AssertError fails the test unless message is an ERROR reply with reason.
func AssertError(t *testing.T, message map[string]any, reason string) {
	t.Helper()
	if message["result"] != "ERROR" {
		t.Errorf("Expected ERROR reply, got %v", message)
		return
	}
	if message["reason"] != reason {
		t.Errorf("Expected reason %q, got %v", reason, message["reason"])
	}
}
