package api

import (
	"net/http"

	"github.com/seantiz/shardline/internal/model"
)

type backendResponse struct {
	Name           string `json:"name"`
	Remote         bool   `json:"remote"`
	MaxConcurrency int    `json:"max_concurrency"`
	// Default marks the backend serving plans that name none.
	Default bool `json:"default"`
}

type listBackendsResponse struct {
	Backends    []backendResponse   `json:"backends"`
	DefaultMode model.ExecutionMode `json:"default_mode"`
	MaxAttempts int                 `json:"max_attempts"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	defaultName := s.defaultMode.DefaultBackend()

	infos := s.registry.List()
	backends := make([]backendResponse, 0, len(infos))
	for _, info := range infos {
		backends = append(backends, backendResponse{
			Name:           info.Name,
			Remote:         info.Capabilities.Remote,
			MaxConcurrency: info.Capabilities.MaxConcurrency,
			Default:        info.Name == defaultName,
		})
	}

	s.writeJSON(w, http.StatusOK, listBackendsResponse{
		Backends:    backends,
		DefaultMode: s.defaultMode,
		MaxAttempts: s.dispatcher.RetryPolicy().MaxAttempts,
	})
}
