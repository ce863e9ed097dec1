package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	Matrices       int            `json:"matrices"`
	FailedMatrices int            `json:"failed_matrices"`
	AvgElapsedMS   float64        `json:"avg_elapsed_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get dispatch stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		Matrices:       stats.Matrices,
		FailedMatrices: stats.FailedMatrices,
		AvgElapsedMS:   stats.AvgElapsedMS,
	})
}
