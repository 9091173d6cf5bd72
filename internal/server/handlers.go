package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// handleWebSocket upgrades GET requests and hands the connection to the
// dispatcher.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s.conns.serve(newWSConn(conn, r.RemoteAddr, s.cfg.MaxMessageSize, s.log))
}

// handleStats reports registry occupancy as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Debug("write stats failed", zap.Error(err))
	}
}

// Stats snapshots the registry in registration order.
func (s *Server) Stats() Stats {
	sessions := s.registry.Sessions()
	stats := Stats{
		Active:      len(sessions),
		Capacity:    s.registry.Capacity(),
		Connections: s.conns.Len(),
		Sessions:    make([]SessionStats, 0, len(sessions)),
	}
	for _, session := range sessions {
		stats.Sessions = append(stats.Sessions, SessionStats{
			Name:   session.Name,
			Status: string(session.Status),
		})
	}
	return stats
}
