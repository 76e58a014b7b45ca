// Package services implements the incremental download and cache
// reconciliation engine: single-call execution against the native client,
// local-cache coverage probing, gap planning, retrying batch execution, the
// per-period orchestrator, and the background download scheduler.
package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

// SingleCallExecutor performs exactly one kline download call into the native
// client with deterministic termination. It never retries; that is the batch
// runner's job.
//
// The native download call has two completion modes and the executor must
// handle both: when the call reports the request as already cached, its
// progress events are guaranteed never to arrive, so the executor confirms
// data presence through local reads instead of waiting forever.
type SingleCallExecutor struct {
	native       qmt.NativeAPI
	pollInterval time.Duration
}

// NewSingleCallExecutor creates an executor polling at pollInterval.
func NewSingleCallExecutor(native qmt.NativeAPI, pollInterval time.Duration) *SingleCallExecutor {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &SingleCallExecutor{native: native, pollInterval: pollInterval}
}

// Execute downloads history for one instrument and reports the terminal
// status. timeout <= 0 selects the period's base timeout. IncrementalAuto
// resolves to incremental exactly when start is empty, matching the native
// client's observed fast path for unbounded requests.
func (e *SingleCallExecutor) Execute(ctx context.Context, instrument string, period models.Period, start, end string, mode models.IncrementalMode, timeout time.Duration) models.JobResult {
	if timeout <= 0 {
		timeout = period.BaseTimeout()
	}

	incrementally := false
	switch mode {
	case models.IncrementalForce:
		incrementally = true
	case models.FullForce:
		incrementally = false
	case models.IncrementalAuto:
		incrementally = start == ""
	}

	ack, err := e.native.DownloadKline(ctx, &qmt.DownloadKlineRequest{
		Instruments:   []string{instrument},
		Period:        period,
		StartTime:     start,
		EndTime:       end,
		Incrementally: incrementally,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.JobResult{Status: models.StatusError, Message: "interrupted"}
		}
		return models.JobResult{Status: models.StatusError, Message: err.Error()}
	}

	deadline := time.Now().Add(timeout)

	if ack.Cached {
		// The cached fast path: no progress events will ever arrive for this
		// task, so poll the local cache until the requested range is visible.
		// The first check runs immediately; in the common case the data is
		// already on disk and the call costs one read.
		return e.confirmByLocalRead(ctx, instrument, period, start, end, deadline)
	}

	return e.awaitProgress(ctx, ack.TaskID, deadline)
}

func (e *SingleCallExecutor) confirmByLocalRead(ctx context.Context, instrument string, period models.Period, start, end string, deadline time.Time) models.JobResult {
	for {
		if !e.native.IsConnected(ctx) {
			if ctx.Err() != nil {
				return models.JobResult{Status: models.StatusError, Message: "interrupted"}
			}
			return models.JobResult{Status: models.StatusDisconnected}
		}

		data, err := e.native.LocalKlines(ctx, &qmt.LocalKlineRequest{
			Instruments: []string{instrument},
			Period:      period,
			StartTime:   start,
			EndTime:     end,
			Count:       1,
		})
		if err != nil {
			// A failed confirmation read is not terminal; the cache may still
			// be settling. Keep polling until the deadline.
			logrus.WithError(err).WithField("instrument", instrument).Debug("local confirmation read failed")
		} else if len(data[instrument]) > 0 {
			return models.JobResult{Status: models.StatusCached}
		}

		if time.Now().After(deadline) {
			return models.JobResult{Status: models.StatusTimeout}
		}
		if err := sleepCtx(ctx, e.pollInterval); err != nil {
			return models.JobResult{Status: models.StatusError, Message: "interrupted"}
		}
	}
}

func (e *SingleCallExecutor) awaitProgress(ctx context.Context, taskID string, deadline time.Time) models.JobResult {
	for {
		if !e.native.IsConnected(ctx) {
			if ctx.Err() != nil {
				return models.JobResult{Status: models.StatusError, Message: "interrupted"}
			}
			return models.JobResult{Status: models.StatusDisconnected}
		}

		ev, err := e.native.Progress(ctx, taskID)
		if err != nil {
			logrus.WithError(err).WithField("task_id", taskID).Debug("progress poll failed")
		} else if ev.Failed() {
			msg := ev.Message
			if msg == "" {
				msg = "unknown error"
			}
			return models.JobResult{Status: models.StatusError, Message: msg}
		} else if ev.Done() {
			return models.JobResult{Status: models.StatusOK}
		}

		if time.Now().After(deadline) {
			return models.JobResult{Status: models.StatusTimeout}
		}
		if err := sleepCtx(ctx, e.pollInterval); err != nil {
			return models.JobResult{Status: models.StatusError, Message: "interrupted"}
		}
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
