// Package result folds the handles of every submitted job into one immutable
// result set.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/seantiz/shardline/internal/backend"
)

// MatrixFileName is the file WriteFile stores a result set in.
const MatrixFileName = "matrix_ids.json"

// ErrDuplicateJob is returned when two handles carry the same job key.
var ErrDuplicateJob = errors.New("duplicate job key")

// Set maps job keys to their submission outcome for one dispatch.
type Set struct {
	entries   map[string]backend.JobHandle
	root      string
	startedAt time.Time
	elapsed   time.Duration
}

// Aggregate builds a Set from handles, measuring elapsed time up to now.
func Aggregate(handles []backend.JobHandle, root string, startedAt time.Time) (*Set, error) {
	return AggregateAt(handles, root, startedAt, time.Now())
}

// AggregateAt builds a Set from handles with an explicit finish time. Every
// handle is kept; a repeated job key is an error.
func AggregateAt(handles []backend.JobHandle, root string, startedAt, finishedAt time.Time) (*Set, error) {
	entries := make(map[string]backend.JobHandle, len(handles))
	for _, h := range handles {
		if h.Key == "" {
			return nil, fmt.Errorf("handle for run %d shard %d has no key", h.RunIndex, h.ShardIndex)
		}
		if _, ok := entries[h.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, h.Key)
		}
		entries[h.Key] = h
	}

	elapsed := finishedAt.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	return &Set{
		entries:   entries,
		root:      root,
		startedAt: startedAt,
		elapsed:   elapsed,
	}, nil
}

func (s *Set) Len() int               { return len(s.entries) }
func (s *Set) Root() string           { return s.root }
func (s *Set) StartedAt() time.Time   { return s.startedAt }
func (s *Set) Elapsed() time.Duration { return s.elapsed }

// Get returns the handle stored under key.
func (s *Set) Get(key string) (backend.JobHandle, bool) {
	h, ok := s.entries[key]
	return h, ok
}

// Handles returns every handle ordered by run then shard.
func (s *Set) Handles() []backend.JobHandle {
	out := make([]backend.JobHandle, 0, len(s.entries))
	for _, h := range s.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunIndex != out[j].RunIndex {
			return out[i].RunIndex < out[j].RunIndex
		}
		return out[i].ShardIndex < out[j].ShardIndex
	})
	return out
}

// Accepted returns the handles the remote lab accepted.
func (s *Set) Accepted() []backend.JobHandle {
	return s.filter(func(h backend.JobHandle) bool { return !h.Failed() })
}

// Failed returns the handles whose submission ran out of attempts.
func (s *Set) Failed() []backend.JobHandle {
	return s.filter(backend.JobHandle.Failed)
}

// MatrixIDs returns the remote matrix ids of accepted handles.
func (s *Set) MatrixIDs() []string {
	accepted := s.Accepted()
	ids := make([]string, len(accepted))
	for i, h := range accepted {
		ids[i] = h.MatrixID
	}
	return ids
}

func (s *Set) filter(keep func(backend.JobHandle) bool) []backend.JobHandle {
	var out []backend.JobHandle
	for _, h := range s.Handles() {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}

// document is the JSON form of a Set.
type document struct {
	Root      string                       `json:"root"`
	StartedAt time.Time                    `json:"started_at"`
	ElapsedMS int64                        `json:"elapsed_ms"`
	Total     int                          `json:"total"`
	Failed    int                          `json:"failed"`
	Matrices  map[string]backend.JobHandle `json:"matrices"`
}

func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{
		Root:      s.root,
		StartedAt: s.startedAt,
		ElapsedMS: s.elapsed.Milliseconds(),
		Total:     len(s.entries),
		Failed:    len(s.Failed()),
		Matrices:  s.entries,
	})
}

// WriteFile stores s as indented JSON in dir/matrix_ids.json and returns the
// file path.
func WriteFile(s *Set, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result set: %w", err)
	}
	p := filepath.Join(dir, MatrixFileName)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write result set: %w", err)
	}
	return p, nil
}
