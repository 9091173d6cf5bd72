package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes:
// the health check, the WebSocket endpoint and the stats endpoint.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}
