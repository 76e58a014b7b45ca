package models

import (
	"fmt"
	"time"
)

// Period is a K-line granularity tag understood by the native client.
type Period string

const (
	Period1m   Period = "1m"
	Period5m   Period = "5m"
	Period15m  Period = "15m"
	Period30m  Period = "30m"
	Period60m  Period = "60m"
	Period1d   Period = "1d"
	PeriodTick Period = "tick"
)

// periodTimeouts holds the base single-call timeout per period. Shorter
// granularities cost more query time on the native side and get the longer
// budget.
var periodTimeouts = map[Period]time.Duration{
	Period1m:  10 * time.Second,
	Period5m:  10 * time.Second,
	Period15m: 10 * time.Second,
	Period30m: 5 * time.Second,
	Period60m: 5 * time.Second,
	Period1d:  5 * time.Second,
}

// BaseTimeout returns the base single-call timeout for p.
func (p Period) BaseTimeout() time.Duration {
	if d, ok := periodTimeouts[p]; ok {
		return d
	}
	return 10 * time.Second
}

// Valid reports whether p is a known period tag.
func (p Period) Valid() bool {
	switch p {
	case Period1m, Period5m, Period15m, Period30m, Period60m, Period1d, PeriodTick:
		return true
	}
	return false
}

// DownloadStatus is the terminal status of one native download call.
// Expected failure modes are status values, not errors.
type DownloadStatus string

const (
	StatusOK           DownloadStatus = "ok"
	StatusCached       DownloadStatus = "cached"
	StatusTimeout      DownloadStatus = "timeout"
	StatusDisconnected DownloadStatus = "disconnected"
	StatusError        DownloadStatus = "error"
)

// IncrementalMode is the tri-state incremental flag passed to the native
// client. The native auto-detection is unreliable, so callers set it
// explicitly where they know better.
type IncrementalMode int

const (
	// IncrementalAuto derives the flag from the start bound: the native
	// client expects incremental mode for unbounded (empty-start) requests.
	IncrementalAuto IncrementalMode = iota
	IncrementalForce
	FullForce
)

// DownloadJob is one unit of work for the batch runner. Jobs are immutable
// after construction; retries build fresh copies with an adjusted timeout.
type DownloadJob struct {
	Instruments []string        `json:"instruments"`
	Period      Period          `json:"period"`
	StartTime   string          `json:"start_time"` // YYYYMMDD, empty = full history
	EndTime     string          `json:"end_time"`   // YYYYMMDD, empty = through latest
	Incremental IncrementalMode `json:"incremental"`
}

// JobResult is the outcome of executing one DownloadJob.
type JobResult struct {
	Status  DownloadStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

// OK reports whether the job ended with data confirmed present.
func (r JobResult) OK() bool {
	return r.Status == StatusOK || r.Status == StatusCached
}

// BatchResult aggregates one round of job executions.
type BatchResult struct {
	OK            int   `json:"ok"`
	Fail          int   `json:"fail"`
	Timeout       int   `json:"timeout"`
	FailedIndices []int `json:"failed_indices"`
	Interrupted   bool  `json:"interrupted"`
}

// IncrementalResult is the per-cycle summary produced by the orchestrator.
type IncrementalResult struct {
	Period      Period        `json:"period,omitempty"`
	OK          int           `json:"ok"`
	Fail        int           `json:"fail"`
	Timeout     int           `json:"timeout"`
	Groups      int           `json:"groups"`
	Elapsed     time.Duration `json:"elapsed"`
	Interrupted bool          `json:"interrupted"`
}

// TaskKey identifies a scheduler task, e.g. "kline:1d" or "financial".
type TaskKey string

// KlineTaskKey builds the scheduler task key for a kline period.
func KlineTaskKey(p Period) TaskKey {
	return TaskKey(fmt.Sprintf("kline:%s", p))
}

const FinancialTaskKey TaskKey = "financial"

// TaskState is the persisted per-task record surfaced to operators.
type TaskState struct {
	LastSuccessDate string    `json:"last_success_date"`
	LastRun         time.Time `json:"last_run"`
	StockCount      int       `json:"stock_count"`
	OK              int       `json:"ok"`
	Fail            int       `json:"fail"`
}

// SchedulerStatus is the snapshot returned by the status endpoint.
type SchedulerStatus struct {
	Running      map[TaskKey]bool              `json:"running"`
	LastResults  map[TaskKey]IncrementalResult `json:"last_results"`
	LastRunTimes map[TaskKey]time.Time         `json:"last_run_times"`
}
