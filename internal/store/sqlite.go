package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/result"

	_ "modernc.org/sqlite"
)

const createDispatchesTable = `
CREATE TABLE IF NOT EXISTS dispatches (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    root        TEXT NOT NULL,
    backend     TEXT NOT NULL,
    mode        TEXT NOT NULL,
    run_count   INTEGER NOT NULL,
    shard_count INTEGER NOT NULL,
    accepted    INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    elapsed_ms  INTEGER,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createMatricesTable = `
CREATE TABLE IF NOT EXISTS matrices (
    dispatch_id  TEXT NOT NULL REFERENCES dispatches(id),
    job_key      TEXT NOT NULL,
    run_index    INTEGER NOT NULL,
    shard_index  INTEGER NOT NULL,
    matrix_id    TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL,
    attempts     INTEGER NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    submitted_at DATETIME NOT NULL,
    PRIMARY KEY (dispatch_id, job_key)
)`

const dispatchColumns = `id, status, root, backend, mode, run_count, shard_count,
	accepted, failed, error, elapsed_ms, started_at, finished_at`

// ErrNotFound is returned when a dispatch is not found.
var ErrNotFound = errors.New("dispatch not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createDispatchesTable, createMatricesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateDispatch inserts a new dispatch record.
func (s *SQLiteStore) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches (`+dispatchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Status, d.Root, d.Backend, d.Mode, d.RunCount, d.ShardCount,
		d.Accepted, d.Failed, d.Error, d.ElapsedMS, d.StartedAt, d.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// FinishDispatch stores every handle of set and marks the dispatch completed
// in one transaction.
func (s *SQLiteStore) FinishDispatch(ctx context.Context, id string, set *result.Set) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, model.StatusCompleted); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matrices (
			dispatch_id, job_key, run_index, shard_index, matrix_id,
			outcome, attempts, error, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare matrix insert: %w", err)
	}
	defer stmt.Close()

	handles := set.Handles()
	failed := 0
	for _, h := range handles {
		if h.Failed() {
			failed++
		}
		if _, err := stmt.ExecContext(ctx,
			id, h.Key, h.RunIndex, h.ShardIndex, h.MatrixID,
			h.Outcome, h.Attempts, h.Error, h.SubmittedAt,
		); err != nil {
			return fmt.Errorf("insert matrix %s: %w", h.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, accepted = ?, failed = ?, elapsed_ms = ?, finished_at = ?
		WHERE id = ?`,
		model.StatusCompleted, len(handles)-failed, failed, set.Elapsed().Milliseconds(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailDispatch marks a dispatch failed with the given error message.
func (s *SQLiteStore) FailDispatch(ctx context.Context, id, errMsg string, elapsed time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, model.StatusFailed); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE dispatches SET status = ?, error = ?, elapsed_ms = ?, finished_at = ? WHERE id = ?",
		model.StatusFailed, errMsg, elapsed.Milliseconds(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// checkTransition verifies that dispatch id exists and may move to status.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM dispatches WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get dispatch status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row scanner) (*model.Dispatch, error) {
	d := &model.Dispatch{}
	err := row.Scan(
		&d.ID, &d.Status, &d.Root, &d.Backend, &d.Mode, &d.RunCount, &d.ShardCount,
		&d.Accepted, &d.Failed, &d.Error, &d.ElapsedMS, &d.StartedAt, &d.FinishedAt,
	)
	return d, err
}

// GetDispatch retrieves a dispatch by ID.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	d, err := scanDispatch(s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return d, nil
}

// ListDispatches returns a paginated list of dispatches ordered by started_at
// DESC, along with the total count of all dispatches.
func (s *SQLiteStore) ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatches").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dispatches: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dispatches: %w", err)
	}

	return dispatches, total, nil
}

// ListMatrices returns the matrices of a dispatch ordered by run then shard.
func (s *SQLiteStore) ListMatrices(ctx context.Context, dispatchID string) ([]model.Matrix, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dispatch_id, job_key, run_index, shard_index, matrix_id,
			outcome, attempts, error, submitted_at
		FROM matrices WHERE dispatch_id = ?
		ORDER BY run_index, shard_index`, dispatchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list matrices: %w", err)
	}
	defer rows.Close()

	var matrices []model.Matrix
	for rows.Next() {
		var m model.Matrix
		if err := rows.Scan(
			&m.DispatchID, &m.JobKey, &m.RunIndex, &m.ShardIndex, &m.MatrixID,
			&m.Outcome, &m.Attempts, &m.Error, &m.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan matrix: %w", err)
		}
		matrices = append(matrices, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matrices: %w", err)
	}
	return matrices, nil
}

// GetStats returns aggregate counts over all dispatches.
func (s *SQLiteStore) GetStats(ctx context.Context) (*DispatchStats, error) {
	stats := &DispatchStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM dispatches GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(elapsed_ms) FROM dispatches WHERE status = ?", model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average elapsed: %w", err)
	}
	if avg.Valid {
		stats.AvgElapsedMS = avg.Float64
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) FROM matrices`,
		model.OutcomeFailed,
	).Scan(&stats.Matrices, &stats.FailedMatrices); err != nil {
		return nil, fmt.Errorf("count matrices: %w", err)
	}

	return stats, nil
}
