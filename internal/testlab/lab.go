// Package testlab is an in-memory stand-in for the remote test lab and its
// object store. It speaks the HTTP shapes used by backend.HTTPBackend and
// artifact.HTTPStorage, so the whole dispatch path can run without a real
// device farm.
package testlab

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/model"
)

const maxObjectSize = 256 << 20

// Lab records submitted matrices and uploaded objects. It is safe for
// concurrent use.
type Lab struct {
	mu       sync.Mutex
	matrices map[string]backend.JobSpec
	objects  map[string][]byte
	failures map[string]int
	router   *chi.Mux
	logger   *slog.Logger
}

// New creates an empty lab.
func New(logger *slog.Logger) *Lab {
	l := &Lab{
		matrices: make(map[string]backend.JobSpec),
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
		router:   chi.NewRouter(),
		logger:   logger,
	}

	l.router.Use(middleware.Recoverer)
	l.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	l.router.Post("/v1/matrices", l.handleSubmit)
	l.router.Get("/v1/matrices/{id}", l.handleGetMatrix)
	l.router.Put("/{bucket}/*", l.handleUpload)
	l.router.Get("/{bucket}/*", l.handleDownload)

	return l
}

// Handler returns the lab's HTTP handler.
func (l *Lab) Handler() http.Handler {
	return l.router
}

// FailJob makes the next n submissions of key answer 503. A negative n fails
// every submission of key.
func (l *Lab) FailJob(key string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key] = n
}

// Matrices returns every accepted job spec ordered by job key.
func (l *Lab) Matrices() []backend.JobSpec {
	l.mu.Lock()
	defer l.mu.Unlock()

	specs := make([]backend.JobSpec, 0, len(l.matrices))
	for _, s := range l.matrices {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].RunIndex != specs[j].RunIndex {
			return specs[i].RunIndex < specs[j].RunIndex
		}
		return specs[i].ShardIndex < specs[j].ShardIndex
	})
	return specs
}

// Object returns the stored contents of bucket/key.
func (l *Lab) Object(bucket, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.objects[bucket+"/"+key]
	return data, ok
}

// Uploads returns the number of stored objects.
func (l *Lab) Uploads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.objects)
}

func (l *Lab) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec backend.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if spec.Key == "" || len(spec.Tests) == 0 || len(spec.Devices) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key, tests and devices are required"})
		return
	}
	if !model.IsRemoteAddress(spec.AppAddress) || !model.IsRemoteAddress(spec.TestAddress) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "artifacts must be bucket addresses"})
		return
	}

	l.mu.Lock()
	if n := l.failures[spec.Key]; n != 0 {
		if n > 0 {
			l.failures[spec.Key] = n - 1
		}
		l.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lab busy"})
		return
	}
	id := "matrix-" + strings.ToLower(model.NewID())
	l.matrices[id] = spec
	l.mu.Unlock()

	l.logger.Info("matrix accepted", "matrix_id", id, "job_key", spec.Key, "tests", len(spec.Tests))
	writeJSON(w, http.StatusCreated, map[string]string{"matrix_id": id})
}

func (l *Lab) handleGetMatrix(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	l.mu.Lock()
	spec, ok := l.matrices[id]
	l.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "matrix not found"})
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (l *Lab) handleUpload(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "object key is required"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "object too large"})
		return
	}

	l.mu.Lock()
	l.objects[bucket+"/"+key] = data
	l.mu.Unlock()

	l.logger.Info("object stored", "bucket", bucket, "key", key, "bytes", len(data))
	w.WriteHeader(http.StatusOK)
}

func (l *Lab) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, ok := l.Object(chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "object not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
