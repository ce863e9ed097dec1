package model

import "time"

// Dispatch status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Matrix outcome constants. A matrix is either accepted by the remote lab or
// failed after its submission attempts ran out.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

// validTransitions maps each dispatch status to the statuses it may move to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Dispatch is the persisted record of one orchestrator invocation.
type Dispatch struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Root       string     `json:"root"`
	Backend    string     `json:"backend"`
	Mode       string     `json:"mode"`
	RunCount   int        `json:"run_count"`
	ShardCount int        `json:"shard_count"`
	Accepted   int        `json:"accepted"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	ElapsedMS  *int64     `json:"elapsed_ms,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Matrix is the persisted record of one submitted (run, shard) job.
type Matrix struct {
	DispatchID  string    `json:"dispatch_id"`
	JobKey      string    `json:"job_key"`
	RunIndex    int       `json:"run_index"`
	ShardIndex  int       `json:"shard_index"`
	MatrixID    string    `json:"matrix_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
