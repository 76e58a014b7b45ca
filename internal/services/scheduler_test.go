package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

func testSchedulerConfig(t *testing.T) config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:          true,
		Interval:         "24h",
		KlineEnabled:     true,
		KlinePeriods:     []string{"1d"},
		KlineSectors:     []string{"沪深A股"},
		FinancialEnabled: true,
		FinancialSectors: []string{"沪深A股"},
		FinancialTables:  []string{"Balance"},
		StateFile:        filepath.Join(t.TempDir(), "download_state.json"),
	}
}

// completeCacheNative answers every probe and confirmation with data, so a
// cycle finishes with zero failures and no real waiting.
func completeCacheNative() *fakeNative {
	yesterday := time.Now().AddDate(0, 0, -1).Format(dateLayout)
	recent := time.Now().AddDate(0, 0, -10).Format(dateLayout)
	return &fakeNative{
		stockListFn: func(sector string) ([]string, error) {
			return []string{"600000.SH", "000001.SZ"}, nil
		},
		localKlinesFn: func(req *qmt.LocalKlineRequest) (map[string][]qmt.WireBar, error) {
			out := make(map[string][]qmt.WireBar)
			for _, instrument := range req.Instruments {
				out[instrument] = []qmt.WireBar{barAt(yesterday)}
			}
			return out, nil
		},
		downloadKlineFn: func(req *qmt.DownloadKlineRequest) (*qmt.DownloadAck, error) {
			return &qmt.DownloadAck{Cached: true}, nil
		},
		financialDataFn: func(instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error) {
			out := make(map[string]map[string][]models.FinancialRecord)
			for _, instrument := range instruments {
				out[instrument] = financialTable(quarterlyDates(8, recent)...)
			}
			return out, nil
		},
	}
}

func newTestScheduler(t *testing.T, native qmt.NativeAPI, cfg config.SchedulerConfig) *Scheduler {
	orch := NewIncrementalOrchestrator(native, testDownloadConfig())
	sched, err := NewScheduler(native, orch, cfg, nil)
	require.NoError(t, err)
	return sched
}

func TestRunCycleRunsAllTasksAndPersistsState(t *testing.T) {
	native := completeCacheNative()
	cfg := testSchedulerConfig(t)
	sched := newTestScheduler(t, native, cfg)

	sched.runCycle(context.Background())

	native.mu.Lock()
	assert.Len(t, native.universeCalls, 6)
	native.mu.Unlock()

	status := sched.Status()
	klineKey := models.KlineTaskKey(models.Period1d)
	require.Contains(t, status.LastResults, klineKey)
	require.Contains(t, status.LastResults, models.FinancialTaskKey)
	assert.Equal(t, 2, status.LastResults[klineKey].OK)
	assert.Zero(t, status.LastResults[klineKey].Fail)
	assert.False(t, status.Running[klineKey])

	// The state file reflects the successful run.
	persisted, err := LoadPersistedState(cfg.StateFile)
	require.NoError(t, err)
	entry, ok := persisted.Tasks[klineKey]
	require.True(t, ok)
	assert.Equal(t, time.Now().Format(dateLayout), entry.LastSuccessDate)
	assert.Equal(t, 2, entry.StockCount)
	assert.Equal(t, 2, entry.OK)
	assert.Zero(t, entry.Fail)
}

func TestRunCycleSkipsTaskStillRunning(t *testing.T) {
	native := completeCacheNative()
	cfg := testSchedulerConfig(t)
	cfg.FinancialEnabled = false
	sched := newTestScheduler(t, native, cfg)

	klineKey := models.KlineTaskKey(models.Period1d)
	sched.state.SetRunning(klineKey, true)

	sched.runCycle(context.Background())

	assert.Zero(t, native.downloadCallCount(), "in-flight task must not start over")
	assert.True(t, sched.state.IsRunning(klineKey), "skip must not clear the foreign running flag")
	assert.NotContains(t, sched.Status().LastResults, klineKey)
}

func TestRunCycleAbortsOnCancelledContext(t *testing.T) {
	native := completeCacheNative()
	sched := newTestScheduler(t, native, testSchedulerConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched.runCycle(ctx)

	assert.Zero(t, native.downloadCallCount())
	native.mu.Lock()
	defer native.mu.Unlock()
	assert.Empty(t, native.universeCalls)
}

func TestStockListMergesSectorsDeduplicated(t *testing.T) {
	native := completeCacheNative()
	native.stockListFn = func(sector string) ([]string, error) {
		if sector == "沪深A股" {
			return []string{"600000.SH", "000001.SZ"}, nil
		}
		return []string{"000001.SZ", "510300.SH"}, nil
	}
	sched := newTestScheduler(t, native, testSchedulerConfig(t))

	stocks := sched.stockList(context.Background(), []string{"沪深A股", "沪深ETF"})

	assert.Equal(t, []string{"600000.SH", "000001.SZ", "510300.SH"}, stocks)
}

func TestFinishTaskRecordsRunHistory(t *testing.T) {
	native := completeCacheNative()
	cfg := testSchedulerConfig(t)
	orch := NewIncrementalOrchestrator(native, testDownloadConfig())

	recorder := &capturingRecorder{}
	sched, err := NewScheduler(native, orch, cfg, recorder)
	require.NoError(t, err)

	sched.runCycle(context.Background())

	require.Len(t, recorder.records, 2)
	keys := []models.TaskKey{recorder.records[0].Key, recorder.records[1].Key}
	assert.Contains(t, keys, models.KlineTaskKey(models.Period1d))
	assert.Contains(t, keys, models.FinancialTaskKey)
	for _, rec := range recorder.records {
		assert.NotEqual(t, uuid.Nil, rec.ID)
		assert.Equal(t, recorder.records[0].CycleID, rec.CycleID, "runs of one cycle share a cycle id")
	}
}

type capturingRecorder struct {
	records []TaskRunRecord
}

func (c *capturingRecorder) RecordRun(ctx context.Context, rec TaskRunRecord) error {
	c.records = append(c.records, rec)
	return nil
}
