package server

import "strings"

// SessionStats is one row of the /stats response.
type SessionStats struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Stats is the /stats response body.
type Stats struct {
	Active      int            `json:"active"`
	Capacity    int            `json:"capacity"`
	Connections int            `json:"connections"`
	Sessions    []SessionStats `json:"sessions"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
