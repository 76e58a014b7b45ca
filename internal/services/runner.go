package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

// JobExecutor runs one download job to a terminal status. The kline and
// financial paths differ in how a native call completes, so the runner only
// knows this interface.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job models.DownloadJob, timeout time.Duration) models.JobResult
}

// RetryingBatchRunner executes a job list sequentially and converges failures
// toward zero with bounded retry rounds. Jobs run in list order; each retry
// round re-runs only the failed subset, in original relative order, with the
// timeout grown by the backoff factor. Individual failures never abort the
// batch; they accumulate into the failed set. Context cancellation aborts
// between jobs and surfaces the partial counts gathered so far.
type RetryingBatchRunner struct {
	executor      JobExecutor
	maxRetries    int
	backoffFactor float64
	jobDelay      time.Duration
}

// NewRetryingBatchRunner creates a runner with maxRetries retry rounds after
// the initial pass, growing the timeout by backoffFactor per round, and
// sleeping jobDelay between consecutive jobs (0 disables the delay).
func NewRetryingBatchRunner(executor JobExecutor, maxRetries int, backoffFactor float64, jobDelay time.Duration) *RetryingBatchRunner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffFactor < 1.0 {
		backoffFactor = 1.5
	}
	return &RetryingBatchRunner{
		executor:      executor,
		maxRetries:    maxRetries,
		backoffFactor: backoffFactor,
		jobDelay:      jobDelay,
	}
}

// Run executes jobs at baseTimeout, then retries the failed subset with
// increasing timeouts. The final BatchResult counts jobs (not instruments);
// Timeout counts jobs whose final status was timeout.
func (r *RetryingBatchRunner) Run(ctx context.Context, jobs []models.DownloadJob, baseTimeout time.Duration) models.BatchResult {
	finalStatus := make(map[int]models.DownloadStatus, len(jobs))

	pending := make([]int, len(jobs))
	for i := range jobs {
		pending[i] = i
	}

	timeout := baseTimeout
	interrupted := false

	for round := 0; round <= r.maxRetries && len(pending) > 0 && !interrupted; round++ {
		if round > 0 {
			timeout = time.Duration(float64(timeout) * r.backoffFactor)
			logrus.WithFields(logrus.Fields{
				"round":   round,
				"jobs":    len(pending),
				"timeout": timeout,
			}).Info("retrying failed downloads")
		}

		var stillFailed []int
		for seq, idx := range pending {
			if ctx.Err() != nil {
				interrupted = true
				// Jobs not yet attempted this round stay in the failed set.
				stillFailed = append(stillFailed, pending[seq:]...)
				break
			}

			res := r.executor.ExecuteJob(ctx, jobs[idx], timeout)
			finalStatus[idx] = res.Status
			if !res.OK() {
				stillFailed = append(stillFailed, idx)
				logrus.WithFields(logrus.Fields{
					"job":    idx,
					"period": jobs[idx].Period,
					"status": res.Status,
					"detail": res.Message,
				}).Warn("download job failed")
			}

			if ctx.Err() != nil {
				interrupted = true
				stillFailed = append(stillFailed, pending[seq+1:]...)
				break
			}

			if r.jobDelay > 0 && seq < len(pending)-1 {
				if err := sleepCtx(ctx, r.jobDelay); err != nil {
					interrupted = true
					stillFailed = append(stillFailed, pending[seq+1:]...)
					break
				}
			}
		}
		pending = stillFailed
	}

	result := models.BatchResult{
		FailedIndices: pending,
		Interrupted:   interrupted,
	}
	result.OK = len(jobs) - len(pending)
	result.Fail = len(pending)
	for _, idx := range pending {
		if finalStatus[idx] == models.StatusTimeout {
			result.Timeout++
		}
	}
	return result
}
