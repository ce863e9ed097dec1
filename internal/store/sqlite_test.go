package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/result"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestDispatch() *model.Dispatch {
	return &model.Dispatch{
		ID:         model.NewID(),
		Status:     model.StatusRunning,
		Root:       "2026-10-18_12-00-00_ab12",
		Backend:    model.MockBackendName,
		Mode:       string(model.ModeMock),
		RunCount:   2,
		ShardCount: 2,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestSet(t *testing.T) *result.Set {
	t.Helper()
	var handles []backend.JobHandle
	for run := 0; run < 2; run++ {
		for shard := 0; shard < 2; shard++ {
			h := backend.JobHandle{
				Key:         fmt.Sprintf("run-%d/shard-%d", run, shard),
				RunIndex:    run,
				ShardIndex:  shard,
				MatrixID:    fmt.Sprintf("matrix-%d-%d", run, shard),
				Outcome:     model.OutcomeAccepted,
				Attempts:    1,
				SubmittedAt: time.Now().UTC().Truncate(time.Second),
			}
			if run == 1 && shard == 0 {
				h.MatrixID = ""
				h.Outcome = model.OutcomeFailed
				h.Attempts = 3
				h.Error = "unavailable"
			}
			handles = append(handles, h)
		}
	}
	start := time.Now().Add(-250 * time.Millisecond)
	set, err := result.AggregateAt(handles, "2026-10-18_12-00-00_ab12", start, start.Add(250*time.Millisecond))
	if err != nil {
		t.Fatalf("AggregateAt: %v", err)
	}
	return set
}

func TestCreateAndGetDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := makeTestDispatch()

	if err := s.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	got, err := s.GetDispatch(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}

	if got.ID != d.ID {
		t.Errorf("ID = %q, want %q", got.ID, d.ID)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.Root != d.Root {
		t.Errorf("Root = %q, want %q", got.Root, d.Root)
	}
	if got.RunCount != 2 || got.ShardCount != 2 {
		t.Errorf("RunCount, ShardCount = %d, %d, want 2, 2", got.RunCount, got.ShardCount)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
	if got.ElapsedMS != nil {
		t.Errorf("ElapsedMS = %v, want nil", got.ElapsedMS)
	}
}

func TestGetDispatchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDispatch(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetDispatch error = %v, want ErrNotFound", err)
	}
}

func TestFinishDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := makeTestDispatch()
	if err := s.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	if err := s.FinishDispatch(ctx, d.ID, makeTestSet(t)); err != nil {
		t.Fatalf("FinishDispatch: %v", err)
	}

	got, err := s.GetDispatch(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Accepted != 3 || got.Failed != 1 {
		t.Errorf("Accepted, Failed = %d, %d, want 3, 1", got.Accepted, got.Failed)
	}
	if got.ElapsedMS == nil || *got.ElapsedMS != 250 {
		t.Errorf("ElapsedMS = %v, want 250", got.ElapsedMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}

	matrices, err := s.ListMatrices(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatrices: %v", err)
	}
	if len(matrices) != 4 {
		t.Fatalf("len(matrices) = %d, want 4", len(matrices))
	}
	if matrices[0].JobKey != "run-0/shard-0" || matrices[3].JobKey != "run-1/shard-1" {
		t.Errorf("matrices not ordered by run, shard: %q .. %q", matrices[0].JobKey, matrices[3].JobKey)
	}
	failed := matrices[2]
	if failed.Outcome != model.OutcomeFailed || failed.Attempts != 3 || failed.Error != "unavailable" {
		t.Errorf("failed matrix = %+v", failed)
	}
}

func TestFinishDispatchNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.FinishDispatch(context.Background(), "nonexistent", makeTestSet(t))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishDispatch error = %v, want ErrNotFound", err)
	}
}

func TestFinishDispatchTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := makeTestDispatch()
	if err := s.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if err := s.FinishDispatch(ctx, d.ID, makeTestSet(t)); err != nil {
		t.Fatalf("FinishDispatch: %v", err)
	}

	err := s.FinishDispatch(ctx, d.ID, makeTestSet(t))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second FinishDispatch error = %v, want ErrInvalidTransition", err)
	}
	err = s.FailDispatch(ctx, d.ID, "late failure", time.Second)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FailDispatch after completion error = %v, want ErrInvalidTransition", err)
	}

	matrices, err := s.ListMatrices(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatrices: %v", err)
	}
	if len(matrices) != 4 {
		t.Errorf("len(matrices) = %d, want 4 after rejected rewrite", len(matrices))
	}
}

func TestFailDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := makeTestDispatch()
	if err := s.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	if err := s.FailDispatch(ctx, d.ID, "upload app.apk: connection reset", 40*time.Millisecond); err != nil {
		t.Fatalf("FailDispatch: %v", err)
	}

	got, err := s.GetDispatch(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Error != "upload app.apk: connection reset" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.ElapsedMS == nil || *got.ElapsedMS != 40 {
		t.Errorf("ElapsedMS = %v, want 40", got.ElapsedMS)
	}
}

func TestListDispatchesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		d := makeTestDispatch()
		d.StartedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateDispatch(ctx, d); err != nil {
			t.Fatalf("CreateDispatch[%d]: %v", i, err)
		}
	}

	page, total, err := s.ListDispatches(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if !page[0].StartedAt.After(page[1].StartedAt) {
		t.Errorf("dispatches not ordered by started_at DESC")
	}

	last, _, err := s.ListDispatches(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListDispatches offset: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("len(last page) = %d, want 1", len(last))
	}
}

func TestListDispatchesEmpty(t *testing.T) {
	s := newTestStore(t)

	dispatches, total, err := s.ListDispatches(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if total != 0 || len(dispatches) != 0 {
		t.Errorf("got %d dispatches, total %d, want none", len(dispatches), total)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := makeTestDispatch()
	failed := makeTestDispatch()
	running := makeTestDispatch()
	for _, d := range []*model.Dispatch{done, failed, running} {
		if err := s.CreateDispatch(ctx, d); err != nil {
			t.Fatalf("CreateDispatch: %v", err)
		}
	}
	if err := s.FinishDispatch(ctx, done.ID, makeTestSet(t)); err != nil {
		t.Fatalf("FinishDispatch: %v", err)
	}
	if err := s.FailDispatch(ctx, failed.ID, "boom", time.Second); err != nil {
		t.Fatalf("FailDispatch: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	for status, want := range map[string]int{
		model.StatusCompleted: 1,
		model.StatusFailed:    1,
		model.StatusRunning:   1,
	} {
		if stats.CountByStatus[status] != want {
			t.Errorf("%s count = %d, want %d", status, stats.CountByStatus[status], want)
		}
	}
	if stats.Matrices != 4 || stats.FailedMatrices != 1 {
		t.Errorf("Matrices, FailedMatrices = %d, %d, want 4, 1", stats.Matrices, stats.FailedMatrices)
	}
	if stats.AvgElapsedMS != 250 {
		t.Errorf("AvgElapsedMS = %f, want 250", stats.AvgElapsedMS)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 || stats.Matrices != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if stats.AvgElapsedMS != 0 {
		t.Errorf("AvgElapsedMS = %f, want 0", stats.AvgElapsedMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	for _, stmt := range []string{createDispatchesTable, createMatricesTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("Second migration: %v", err)
		}
	}
}

func TestPing(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping after Close: expected error")
	}
}
