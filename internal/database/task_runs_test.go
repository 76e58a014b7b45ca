package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/services"
)

// MockPoolAdapter wraps pgxmock.PgxPoolIface to implement DatabasePool interface
type MockPoolAdapter struct {
	mock pgxmock.PgxPoolIface
}

func NewMockPoolAdapter(mock pgxmock.PgxPoolIface) DatabasePool {
	return &MockPoolAdapter{mock: mock}
}

func (m *MockPoolAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return m.mock.QueryRow(ctx, sql, args...)
}

func (m *MockPoolAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	result, err := m.mock.Exec(ctx, sql, args...)
	if err == nil {
		rows := result.RowsAffected()
		return pgconn.NewCommandTag(fmt.Sprintf("INSERT %d", rows)), nil
	}
	return pgconn.CommandTag{}, err
}

func (m *MockPoolAdapter) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return m.mock.Query(ctx, sql, args...)
}

func TestTaskRunRepository_EnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	repo := NewTaskRunRepository(NewMockPoolAdapter(mock))
	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRunRepository_RecordRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := services.TaskRunRecord{
		ID:      uuid.New(),
		CycleID: uuid.New(),
		Key:     models.KlineTaskKey(models.Period1d),
		Result: models.IncrementalResult{
			OK:      5120,
			Fail:    3,
			Timeout: 1,
		},
		Stocks:  5123,
		Started: time.Now().Add(-time.Hour),
		Ended:   time.Now(),
	}

	mock.ExpectExec("INSERT INTO task_runs").
		WithArgs(rec.ID, rec.CycleID, "kline:1d", 5123, 5120, 3, 1, false, rec.Started, rec.Ended).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewTaskRunRepository(NewMockPoolAdapter(mock))
	require.NoError(t, repo.RecordRun(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRunRepository_RecentRuns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	cycleID := uuid.New()
	started := time.Now().Add(-time.Hour)
	ended := time.Now()

	rows := pgxmock.NewRows([]string{
		"id", "cycle_id", "task_key", "stock_count", "ok_count", "fail_count",
		"timeout_count", "interrupted", "started_at", "ended_at",
	}).AddRow(id, cycleID, "financial", 5123, 5000, 123, 10, true, started, ended)

	mock.ExpectQuery("SELECT (.+) FROM task_runs").
		WithArgs("financial", 10).
		WillReturnRows(rows)

	repo := NewTaskRunRepository(NewMockPoolAdapter(mock))
	entries, err := repo.RecentRuns(context.Background(), models.FinancialTaskKey, 10)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "financial", entries[0].TaskKey)
	assert.Equal(t, 5000, entries[0].OKCount)
	assert.True(t, entries[0].Interrupted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRunRepository_RecentRunsQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM task_runs").
		WithArgs("", 50).
		WillReturnError(fmt.Errorf("connection reset"))

	repo := NewTaskRunRepository(NewMockPoolAdapter(mock))
	_, err = repo.RecentRuns(context.Background(), "", 50)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
