package api

import (
	"context"
	"net/http"
	"time"

	"github.com/seantiz/shardline/internal/model"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string              `json:"status"`
	Mode   model.ExecutionMode `json:"mode"`
	Error  string              `json:"error,omitempty"`
}

// handleHealthz reports ok while the dispatch store answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Mode:   s.defaultMode,
			Error:  "store unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: s.defaultMode})
}
