package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/shardline/internal/artifact"
	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/config"
	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/result"
	"github.com/seantiz/shardline/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// dispatchResponse is the JSON response for POST /v1/dispatches.
type dispatchResponse struct {
	DispatchID string      `json:"dispatch_id"`
	Result     *result.Set `json:"result"`
}

// asyncDispatchResponse is the JSON response for POST /v1/dispatches/async.
type asyncDispatchResponse struct {
	DispatchID string `json:"dispatch_id"`
	Status     string `json:"status"`
}

// listDispatchesResponse wraps the paginated list response.
type listDispatchesResponse struct {
	Dispatches []*model.Dispatch `json:"dispatches"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// listMatricesResponse is the JSON response for GET /v1/dispatches/{id}/matrices.
type listMatricesResponse struct {
	DispatchID string         `json:"dispatch_id"`
	Matrices   []model.Matrix `json:"matrices"`
}

// readPlan decodes the request body as a plan document. On failure it writes
// the error response and returns nil.
func (s *Server) readPlan(w http.ResponseWriter, r *http.Request) *model.TestPlan {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil
	}

	plan, err := config.ParsePlan(data, s.defaultMode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return plan
}

// dispatchErrorStatus maps a dispatch error to an HTTP status code.
func dispatchErrorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidPlan), errors.Is(err, backend.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, artifact.ErrResolution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	plan := s.readPlan(w, r)
	if plan == nil {
		return
	}

	// Submissions with retries can outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for dispatch", "error", err)
	}

	id := model.NewID()
	set, err := s.dispatcher.Run(r.Context(), id, plan)
	if err != nil {
		status := dispatchErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("dispatch", "dispatch_id", id, "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, dispatchResponse{DispatchID: id, Result: set})
}

func (s *Server) handleAsyncDispatch(w http.ResponseWriter, r *http.Request) {
	plan := s.readPlan(w, r)
	if plan == nil {
		return
	}

	id, err := s.dispatcher.Start(r.Context(), plan)
	if err != nil {
		status := dispatchErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("start async dispatch", "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Location", "/v1/dispatches/"+id)
	s.writeJSON(w, http.StatusAccepted, asyncDispatchResponse{DispatchID: id, Status: model.StatusRunning})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		s.logger.Error("get dispatch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	dispatches, total, err := s.store.ListDispatches(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list dispatches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}

	if dispatches == nil {
		dispatches = []*model.Dispatch{}
	}

	s.writeJSON(w, http.StatusOK, listDispatchesResponse{
		Dispatches: dispatches,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleListMatrices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetDispatch(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "dispatch not found")
			return
		}
		s.logger.Error("get dispatch for matrices", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}

	matrices, err := s.store.ListMatrices(r.Context(), id)
	if err != nil {
		s.logger.Error("list matrices", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list matrices")
		return
	}
	if matrices == nil {
		matrices = []model.Matrix{}
	}

	s.writeJSON(w, http.StatusOK, listMatricesResponse{DispatchID: id, Matrices: matrices})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
