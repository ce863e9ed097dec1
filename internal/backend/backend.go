package backend

import (
	"context"
	"time"

	"github.com/seantiz/shardline/internal/model"
)

// Backend is the interface that all remote test lab backends must implement.
type Backend interface {
	// Submit hands one job spec to the remote lab and returns the matrix id it
	// was accepted under. Submit makes a single attempt; retries are layered on
	// top by SubmitWithRetry.
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Capabilities reports what this backend supports.
	Capabilities() BackendCapabilities
}

// JobSpec describes one (run, shard) job to be executed by a backend.
type JobSpec struct {
	// Key identifies the job within its dispatch, e.g. "run-0/shard-3".
	Key        string `json:"key"`
	RunIndex   int    `json:"run_index"`
	ShardIndex int    `json:"shard_index"`

	AppAddress  string `json:"app_address"`
	TestAddress string `json:"test_address"`

	// ResultsDir is the object store prefix the lab writes this job's
	// artifacts under.
	ResultsDir string `json:"results_dir"`

	Devices     []model.Device    `json:"devices"`
	Tests       []string          `json:"tests"`
	Project     string            `json:"project,omitempty"`
	TimeoutS    int               `json:"timeout_s"`
	RecordVideo bool              `json:"record_video"`
	Async       bool              `json:"async"`
	ClientInfo  map[string]string `json:"client_info,omitempty"`
}

// JobHandle is the terminal outcome of submitting one JobSpec.
type JobHandle struct {
	Key         string    `json:"key"`
	RunIndex    int       `json:"run_index"`
	ShardIndex  int       `json:"shard_index"`
	MatrixID    string    `json:"matrix_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Failed reports whether the submission ran out of attempts.
func (h JobHandle) Failed() bool {
	return h.Outcome == model.OutcomeFailed
}

// BackendCapabilities describes what a backend supports.
type BackendCapabilities struct {
	Name           string `json:"name"`
	Remote         bool   `json:"remote"`
	MaxConcurrency int    `json:"max_concurrency"`
}
