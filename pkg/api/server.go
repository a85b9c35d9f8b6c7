// Package api exposes a small read-only HTTP surface for operators:
// /health and /v1/stats, grounded on the teacher's pkg/api health/stats
// handlers but trimmed to the subset that makes sense for a single-node
// substrate with no multi-tenant registry or admin auth surface to guard.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mindfry/mindfry/pkg/handler"
	"github.com/mindfry/mindfry/pkg/wire"
)

// Server is the read-only HTTP admin surface.
type Server struct {
	h          *handler.Handler
	httpServer *http.Server
	instanceID string
}

// NewServer builds the admin HTTP server. It does not start listening
// until ListenAndServe is called. instanceID tags every health response
// so operators can tell one process incarnation apart from the next
// across a restart, independent of whatever PID or hostname the OS hands
// out.
func NewServer(addr string, h *handler.Handler) *Server {
	s := &Server{h: h, instanceID: uuid.New().String()}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/stats", s.handleStats)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe starts serving; it blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the admin server.
func (s *Server) Shutdown(timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "healthy",
		"instanceId": s.instanceID,
		"timestamp":  time.Now(),
	})
}

// handleStats round-trips a synthetic OpStats frame through the same
// handler TCP clients use, so the admin view can never drift from the
// wire protocol's own reporting.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	raw := s.h.Handle(wire.Frame{
		Header: wire.Header{Magic: wire.Magic, Version: wire.Version, Opcode: wire.OpStats},
	})
	f, err := wire.Decode(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var stats wire.StatsView
	if err := wire.DecodePayload(f.Payload, &stats); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
