package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/services"
)

// TaskRunEntry is one scheduler task run as stored in the database.
type TaskRunEntry struct {
	// ID is the unique run identifier.
	ID uuid.UUID `json:"id" db:"id"`
	// CycleID groups all runs belonging to one scheduler cycle.
	CycleID uuid.UUID `json:"cycle_id" db:"cycle_id"`
	// TaskKey identifies the task, e.g. "kline:1d" or "financial".
	TaskKey string `json:"task_key" db:"task_key"`
	// StockCount is the size of the instrument universe for this run.
	StockCount int `json:"stock_count" db:"stock_count"`
	// OKCount and FailCount are final per-instrument tallies.
	OKCount   int `json:"ok_count" db:"ok_count"`
	FailCount int `json:"fail_count" db:"fail_count"`
	// TimeoutCount is how many instruments still timed out after retries.
	TimeoutCount int `json:"timeout_count" db:"timeout_count"`
	// Interrupted is true when the run was cut short by shutdown.
	Interrupted bool      `json:"interrupted" db:"interrupted"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	EndedAt     time.Time `json:"ended_at" db:"ended_at"`
}

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// TaskRunRepository persists scheduler run history.
type TaskRunRepository struct {
	pool DatabasePool
}

var _ services.RunRecorder = (*TaskRunRepository)(nil)

// NewTaskRunRepository creates a new task run repository.
func NewTaskRunRepository(pool DatabasePool) *TaskRunRepository {
	return &TaskRunRepository{
		pool: pool,
	}
}

// EnsureSchema creates the task_runs table if it does not exist yet. The
// service owns its own table so no external migration step is required.
func (r *TaskRunRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS task_runs (
			id UUID PRIMARY KEY,
			cycle_id UUID NOT NULL,
			task_key TEXT NOT NULL,
			stock_count INTEGER NOT NULL,
			ok_count INTEGER NOT NULL,
			fail_count INTEGER NOT NULL,
			timeout_count INTEGER NOT NULL,
			interrupted BOOLEAN NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		)
	`

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create task_runs table: %w", err)
	}

	return nil
}

// RecordRun inserts one completed task run.
func (r *TaskRunRepository) RecordRun(ctx context.Context, rec services.TaskRunRecord) error {
	query := `
		INSERT INTO task_runs (id, cycle_id, task_key, stock_count, ok_count, fail_count, timeout_count, interrupted, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.CycleID,
		string(rec.Key),
		rec.Stocks,
		rec.Result.OK,
		rec.Result.Fail,
		rec.Result.Timeout,
		rec.Result.Interrupted,
		rec.Started,
		rec.Ended,
	)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}

	return nil
}

// RecentRuns returns the most recent runs for a task key, newest first.
// An empty key returns runs across all tasks.
func (r *TaskRunRepository) RecentRuns(ctx context.Context, key models.TaskKey, limit int) ([]TaskRunEntry, error) {
	query := `
		SELECT id, cycle_id, task_key, stock_count, ok_count, fail_count, timeout_count, interrupted, started_at, ended_at
		FROM task_runs
		WHERE ($1 = '' OR task_key = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get task runs: %w", err)
	}
	defer rows.Close()

	var entries []TaskRunEntry
	for rows.Next() {
		var entry TaskRunEntry
		err := rows.Scan(
			&entry.ID,
			&entry.CycleID,
			&entry.TaskKey,
			&entry.StockCount,
			&entry.OKCount,
			&entry.FailCount,
			&entry.TimeoutCount,
			&entry.Interrupted,
			&entry.StartedAt,
			&entry.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}

	return entries, nil
}
