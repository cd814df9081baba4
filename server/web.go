package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler returns the HTTP routes: the WebSocket endpoint plus operator endpoints.
func (s *RelayServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle(s.cfg.Path, s.transport)
	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/api/connections", s.HandleConnections)
	r.Get("/api/connections/{userId}", s.HandleUserConnections)
	r.Get("/api/transports", s.HandleTransports)
	return r
}

func (s *RelayServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Len(),
	})
}

func (s *RelayServer) HandleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionInfos(s.registry.List()))
}

func (s *RelayServer) HandleUserConnections(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	conns := s.registry.ListUser(userID)
	if len(conns) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, connectionInfos(conns))
}

func (s *RelayServer) HandleTransports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Transports())
}

func connectionInfos(conns []*Connection) []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}
