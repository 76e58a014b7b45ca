package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

// IncrementalOrchestrator runs one full reconciliation cycle for a kline
// period or a financial table set: freshness checks, coverage probing, gap
// planning and retrying batch execution. It always returns a result value;
// expected failures are counts, and an interrupted cycle returns partial
// counts with Interrupted set.
type IncrementalOrchestrator struct {
	native  qmt.NativeAPI
	probe   *CoverageProbe
	planner *GapPlanner
	cfg     config.DownloadConfig

	pollInterval     time.Duration
	batchDelay       time.Duration
	financialTimeout time.Duration
	now              func() time.Time
}

// NewIncrementalOrchestrator wires the orchestrator from configuration.
func NewIncrementalOrchestrator(native qmt.NativeAPI, cfg config.DownloadConfig) *IncrementalOrchestrator {
	return &IncrementalOrchestrator{
		native:           native,
		probe:            NewCoverageProbe(native, cfg.ProbeBatchSize),
		planner:          NewGapPlanner(cfg.OverlapDays),
		cfg:              cfg,
		pollInterval:     config.DurationOr(cfg.PollInterval, 100*time.Millisecond),
		batchDelay:       config.DurationOr(cfg.BatchDelay, 200*time.Millisecond),
		financialTimeout: config.DurationOr(cfg.FinancialTimeout, 120*time.Second),
		now:              time.Now,
	}
}

// RunKline reconciles the local kline cache for one period: probe latest
// dates, check history completeness against the sentinel year, plan
// per-instrument gap jobs and run them with retry.
func (o *IncrementalOrchestrator) RunKline(ctx context.Context, instruments []string, period models.Period) models.IncrementalResult {
	start := o.now()
	result := models.IncrementalResult{Period: period}
	if len(instruments) == 0 {
		return result
	}

	log := logrus.WithField("period", period)
	log.WithField("instruments", len(instruments)).Info("kline incremental download starting")

	localDates := o.probe.ProbeLocalDates(ctx, instruments, period)

	withCache := make([]string, 0, len(localDates))
	for _, instrument := range instruments {
		if _, ok := localDates[instrument]; ok {
			withCache = append(withCache, instrument)
		}
	}
	hasHistory := o.probe.ProbeHistoryComplete(ctx, withCache, period, o.cfg.HistoryCheckYears)
	incomplete := make(map[string]bool)
	for _, instrument := range withCache {
		if !hasHistory[instrument] {
			incomplete[instrument] = true
		}
	}

	log.WithFields(logrus.Fields{
		"no_cache":    len(instruments) - len(withCache),
		"incomplete":  len(incomplete),
		"incremental": len(withCache) - len(incomplete),
	}).Info("kline coverage probe done")

	jobs := o.planner.Plan(instruments, period, localDates, incomplete)

	runner := NewRetryingBatchRunner(
		&klineJobExecutor{executor: NewSingleCallExecutor(o.native, o.pollInterval)},
		o.cfg.MaxRetries, o.cfg.RetryBackoffFactor, 0,
	)
	batch := runner.Run(ctx, jobs, period.BaseTimeout())

	result.OK = batch.OK
	result.Fail = batch.Fail
	result.Timeout = batch.Timeout
	result.Groups = len(jobs)
	result.Interrupted = batch.Interrupted
	result.Elapsed = o.now().Sub(start)

	log.WithFields(logrus.Fields{
		"ok":      result.OK,
		"fail":    result.Fail,
		"elapsed": result.Elapsed,
	}).Info("kline incremental download done")
	return result
}

// RunFinancial reconciles financial-statement data. Instruments whose
// primary-table cache is both fresh and complete are skipped outright; the
// remainder run batch-wise (the financial call is cheap per batch) through
// the retrying runner. Skipped instruments count as ok; their data is
// already serviceable.
func (o *IncrementalOrchestrator) RunFinancial(ctx context.Context, instruments []string, tables []string) models.IncrementalResult {
	start := o.now()
	result := models.IncrementalResult{}
	if len(instruments) == 0 {
		return result
	}
	if len(tables) == 0 {
		tables = []string{"Balance", "Income", "CashFlow"}
	}

	logrus.WithField("instruments", len(instruments)).Info("financial incremental download starting")

	freshness := o.probe.ProbeFinancialFreshness(ctx, instruments, tables, o.cfg.FinancialStaleDays, o.cfg.FinancialMinRecords)
	need := make([]string, 0, len(instruments))
	for _, instrument := range instruments {
		if !freshness.Fresh[instrument] {
			need = append(need, instrument)
		}
	}
	logrus.WithFields(logrus.Fields{
		"fresh":      len(freshness.Fresh),
		"stale":      freshness.Stale,
		"incomplete": freshness.Incomplete,
		"no_cache":   len(need) - freshness.Stale - freshness.Incomplete,
	}).Info("financial coverage probe done")

	if len(need) == 0 {
		result.OK = len(instruments)
		result.Elapsed = o.now().Sub(start)
		logrus.Info("financial cache fully fresh, nothing to download")
		return result
	}

	batches := makeBatches(need, o.cfg.FinancialBatchSize)
	jobs := make([]models.DownloadJob, len(batches))
	for i, batch := range batches {
		jobs[i] = models.DownloadJob{Instruments: batch}
	}

	runner := NewRetryingBatchRunner(
		&financialJobExecutor{native: o.native, tables: tables},
		o.cfg.MaxRetries, o.cfg.RetryBackoffFactor, o.batchDelay,
	)
	batch := runner.Run(ctx, jobs, o.financialTimeout)

	failedInstruments := 0
	for _, idx := range batch.FailedIndices {
		failedInstruments += len(jobs[idx].Instruments)
	}

	result.OK = len(need) - failedInstruments + (len(instruments) - len(need))
	result.Fail = failedInstruments
	result.Timeout = batch.Timeout
	result.Groups = len(jobs)
	result.Interrupted = batch.Interrupted
	result.Elapsed = o.now().Sub(start)

	logrus.WithFields(logrus.Fields{
		"ok":      result.OK,
		"skipped": len(instruments) - len(need),
		"fail":    result.Fail,
		"timeout": result.Timeout,
	}).Info("financial incremental download done")
	return result
}

// klineJobExecutor adapts SingleCallExecutor to the runner. Kline jobs carry
// exactly one instrument each.
type klineJobExecutor struct {
	executor *SingleCallExecutor
}

func (e *klineJobExecutor) ExecuteJob(ctx context.Context, job models.DownloadJob, timeout time.Duration) models.JobResult {
	if len(job.Instruments) == 0 {
		return models.JobResult{Status: models.StatusError, Message: "job has no instruments"}
	}
	return e.executor.Execute(ctx, job.Instruments[0], job.Period, job.StartTime, job.EndTime, job.Incremental, timeout)
}

// financialJobExecutor runs one blocking financial download per job under a
// deadline. The native call has no cancel API: on timeout the request is
// abandoned and the download may still complete in the background, which the
// next cycle's freshness probe will simply observe as done.
type financialJobExecutor struct {
	native qmt.NativeAPI
	tables []string
}

func (e *financialJobExecutor) ExecuteJob(ctx context.Context, job models.DownloadJob, timeout time.Duration) models.JobResult {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.native.DownloadFinancial(callCtx, job.Instruments, e.tables)
	switch {
	case err == nil:
		return models.JobResult{Status: models.StatusOK}
	case ctx.Err() != nil:
		return models.JobResult{Status: models.StatusError, Message: "interrupted"}
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return models.JobResult{Status: models.StatusTimeout}
	default:
		return models.JobResult{Status: models.StatusError, Message: err.Error()}
	}
}
