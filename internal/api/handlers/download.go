package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
	"github.com/qmtlab/qmt-bridge-go/internal/services"
)

// DownloadHandler exposes manual download triggers. These run synchronously
// on the request goroutine; the serialization guard under the native client
// keeps concurrent triggers from interleaving native calls.
type DownloadHandler struct {
	native qmt.NativeAPI
	orch   *services.IncrementalOrchestrator
	cfg    config.DownloadConfig
}

func NewDownloadHandler(native qmt.NativeAPI, orch *services.IncrementalOrchestrator, cfg config.DownloadConfig) *DownloadHandler {
	return &DownloadHandler{
		native: native,
		orch:   orch,
		cfg:    cfg,
	}
}

// KlineDownloadRequest is the manual batch download payload. Incremental
// accepts "auto", "force" and "full"; auto lets the start bound decide.
type KlineDownloadRequest struct {
	Instruments []string `json:"instruments" binding:"required"`
	Period      string   `json:"period" binding:"required"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Incremental string   `json:"incremental"`
}

// InstrumentStatus is one instrument's final download status.
type InstrumentStatus struct {
	Instrument string                `json:"instrument"`
	Status     models.DownloadStatus `json:"status"`
	Message    string                `json:"message,omitempty"`
}

// KlineDownloadResponse summarizes a manual batch download.
type KlineDownloadResponse struct {
	Period      models.Period      `json:"period"`
	OK          int                `json:"ok"`
	Fail        int                `json:"fail"`
	Timeout     int                `json:"timeout"`
	Interrupted bool               `json:"interrupted"`
	Statuses    []InstrumentStatus `json:"statuses"`
	Elapsed     string             `json:"elapsed"`
}

// DownloadKline handles POST /api/v1/download/kline: a one-shot batch
// download with retry, reporting per-instrument terminal statuses.
func (h *DownloadHandler) DownloadKline(c *gin.Context) {
	var req KlineDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	period := models.Period(req.Period)
	if !period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown period %q", req.Period)})
		return
	}
	mode, err := parseIncrementalMode(req.Incremental)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs := make([]models.DownloadJob, len(req.Instruments))
	for i, instrument := range req.Instruments {
		jobs[i] = models.DownloadJob{
			Instruments: []string{instrument},
			Period:      period,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			Incremental: mode,
		}
	}

	started := time.Now()
	tracker := newStatusTrackingExecutor(h.native, h.cfg, jobs)
	runner := services.NewRetryingBatchRunner(tracker, h.cfg.MaxRetries, h.cfg.RetryBackoffFactor, 0)
	batch := runner.Run(c.Request.Context(), jobs, period.BaseTimeout())

	resp := KlineDownloadResponse{
		Period:      period,
		OK:          batch.OK,
		Fail:        batch.Fail,
		Timeout:     batch.Timeout,
		Interrupted: batch.Interrupted,
		Statuses:    make([]InstrumentStatus, len(jobs)),
		Elapsed:     time.Since(started).String(),
	}
	for i, job := range jobs {
		resp.Statuses[i] = InstrumentStatus{
			Instrument: job.Instruments[0],
			Status:     tracker.last[i].Status,
			Message:    tracker.last[i].Message,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// IncrementalRequest triggers a full incremental reconciliation cycle for
// one period over the given instruments.
type IncrementalRequest struct {
	Instruments []string `json:"instruments" binding:"required"`
	Period      string   `json:"period" binding:"required"`
}

// DownloadKlineIncremental handles POST /api/v1/download/kline/incremental.
func (h *DownloadHandler) DownloadKlineIncremental(c *gin.Context) {
	var req IncrementalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	period := models.Period(req.Period)
	if !period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown period %q", req.Period)})
		return
	}

	result := h.orch.RunKline(c.Request.Context(), req.Instruments, period)
	c.JSON(http.StatusOK, result)
}

// FinancialDownloadRequest triggers the financial reconciliation cycle.
type FinancialDownloadRequest struct {
	Instruments []string `json:"instruments" binding:"required"`
	Tables      []string `json:"tables"`
}

// DownloadFinancial handles POST /api/v1/download/financial.
func (h *DownloadHandler) DownloadFinancial(c *gin.Context) {
	var req FinancialDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.orch.RunFinancial(c.Request.Context(), req.Instruments, req.Tables)
	c.JSON(http.StatusOK, result)
}

// DownloadUniverse handles POST /api/v1/download/universe/:kind for the
// parameterless whole-universe metadata downloads.
func (h *DownloadHandler) DownloadUniverse(c *gin.Context) {
	kind := c.Param("kind")
	fn, ok := h.universeDownloads()[kind]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown universe download %q", kind)})
		return
	}

	if err := fn(c.Request.Context()); err != nil {
		logrus.WithError(err).WithField("kind", kind).Error("universe download failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "kind": kind})
}

func (h *DownloadHandler) universeDownloads() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"sector":            h.native.DownloadSectorData,
		"holiday":           h.native.DownloadHolidayData,
		"history-contracts": h.native.DownloadHistoryContracts,
		"index-weight":      h.native.DownloadIndexWeight,
		"etf":               h.native.DownloadETFInfo,
		"cb":                h.native.DownloadCBData,
	}
}

func parseIncrementalMode(s string) (models.IncrementalMode, error) {
	switch s {
	case "", "auto":
		return models.IncrementalAuto, nil
	case "force":
		return models.IncrementalForce, nil
	case "full":
		return models.FullForce, nil
	}
	return models.IncrementalAuto, fmt.Errorf("unknown incremental mode %q", s)
}

// statusTrackingExecutor records the latest JobResult per job index so the
// response can carry per-instrument statuses after retries settle. Manual
// batch jobs carry one instrument each, so the instrument code identifies
// the job across retry rounds.
type statusTrackingExecutor struct {
	executor *services.SingleCallExecutor
	last     []models.JobResult
	index    map[string]int
}

func newStatusTrackingExecutor(native qmt.NativeAPI, cfg config.DownloadConfig, jobs []models.DownloadJob) *statusTrackingExecutor {
	t := &statusTrackingExecutor{
		executor: services.NewSingleCallExecutor(native, config.DurationOr(cfg.PollInterval, 100*time.Millisecond)),
		last:     make([]models.JobResult, len(jobs)),
		index:    make(map[string]int, len(jobs)),
	}
	for i, job := range jobs {
		t.index[job.Instruments[0]] = i
	}
	return t
}

func (t *statusTrackingExecutor) ExecuteJob(ctx context.Context, job models.DownloadJob, timeout time.Duration) models.JobResult {
	result := t.executor.Execute(ctx, job.Instruments[0], job.Period, job.StartTime, job.EndTime, job.Incremental, timeout)
	if i, ok := t.index[job.Instruments[0]]; ok {
		t.last[i] = result
	}
	return result
}
