package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/result"
)

// ErrInvalidTransition is returned when a dispatch status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// DispatchStats holds aggregate dispatch statistics.
type DispatchStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	Matrices       int            `json:"matrices"`
	FailedMatrices int            `json:"failed_matrices"`
	AvgElapsedMS   float64        `json:"avg_elapsed_ms"`
}

// Store defines the persistence operations for dispatches and their matrices.
type Store interface {
	CreateDispatch(ctx context.Context, d *model.Dispatch) error
	FinishDispatch(ctx context.Context, id string, set *result.Set) error
	FailDispatch(ctx context.Context, id, errMsg string, elapsed time.Duration) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error)
	ListMatrices(ctx context.Context, dispatchID string) ([]model.Matrix, error)
	GetStats(ctx context.Context) (*DispatchStats, error)
	Ping(ctx context.Context) error
	Close() error
}
