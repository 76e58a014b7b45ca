package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

// SchedulerState tracks which tasks are in flight and their last outcomes.
// It is the only state shared across cycles and with external readers (the
// status endpoint), so every access goes through the mutex.
type SchedulerState struct {
	mu           sync.RWMutex
	running      map[models.TaskKey]bool
	lastResults  map[models.TaskKey]models.IncrementalResult
	lastRunTimes map[models.TaskKey]time.Time
}

// NewSchedulerState creates empty state.
func NewSchedulerState() *SchedulerState {
	return &SchedulerState{
		running:      make(map[models.TaskKey]bool),
		lastResults:  make(map[models.TaskKey]models.IncrementalResult),
		lastRunTimes: make(map[models.TaskKey]time.Time),
	}
}

// IsRunning reports whether the task key is currently marked running.
func (s *SchedulerState) IsRunning(key models.TaskKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[key]
}

// SetRunning marks or clears the running flag for a task key.
func (s *SchedulerState) SetRunning(key models.TaskKey, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[key] = running
}

// SetResult records the outcome of one task run, replacing the previous
// record wholesale.
func (s *SchedulerState) SetResult(key models.TaskKey, result models.IncrementalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResults[key] = result
	s.lastRunTimes[key] = time.Now()
}

// Status returns a copied snapshot for the status endpoint.
func (s *SchedulerState) Status() models.SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := models.SchedulerStatus{
		Running:      make(map[models.TaskKey]bool, len(s.running)),
		LastResults:  make(map[models.TaskKey]models.IncrementalResult, len(s.lastResults)),
		LastRunTimes: make(map[models.TaskKey]time.Time, len(s.lastRunTimes)),
	}
	for k, v := range s.running {
		status.Running[k] = v
	}
	for k, v := range s.lastResults {
		status.LastResults[k] = v
	}
	for k, v := range s.lastRunTimes {
		status.LastRunTimes[k] = v
	}
	return status
}

// TaskRunRecord is one completed task run, as handed to the run-history sink.
type TaskRunRecord struct {
	ID      uuid.UUID
	CycleID uuid.UUID
	Key     models.TaskKey
	Result  models.IncrementalResult
	Stocks  int
	Started time.Time
	Ended   time.Time
}

// RunRecorder persists task run history. Implementations must tolerate being
// called from the scheduler goroutine; errors are logged, never fatal.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec TaskRunRecord) error
}

// Scheduler is the background download loop: on start it immediately runs a
// full cycle (universe metadata downloads, then kline incremental for every
// configured period, then financial incremental) and repeats every interval.
// Tasks within a cycle run strictly sequentially, a direct consequence of
// the single-native-call constraint.
type Scheduler struct {
	native   qmt.NativeAPI
	orch     *IncrementalOrchestrator
	cfg      config.SchedulerConfig
	state    *SchedulerState
	persist  *PersistedState
	recorder RunRecorder
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler creates the scheduler and loads the persisted state file.
// recorder may be nil when run history is disabled.
func NewScheduler(native qmt.NativeAPI, orch *IncrementalOrchestrator, cfg config.SchedulerConfig, recorder RunRecorder) (*Scheduler, error) {
	persist, err := LoadPersistedState(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		native:   native,
		orch:     orch,
		cfg:      cfg,
		state:    NewSchedulerState(),
		persist:  persist,
		recorder: recorder,
		interval: config.DurationOr(cfg.Interval, 24*time.Hour),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}, nil
}

// Status returns the live scheduler snapshot.
func (s *Scheduler) Status() models.SchedulerStatus {
	return s.state.Status()
}

// Start launches the scheduler loop. The first cycle begins immediately so a
// freshly started process is useful right away.
func (s *Scheduler) Start() {
	logrus.WithFields(logrus.Fields{
		"interval":          s.interval,
		"kline_enabled":     s.cfg.KlineEnabled,
		"kline_periods":     s.cfg.KlinePeriods,
		"financial_enabled": s.cfg.FinancialEnabled,
	}).Info("download scheduler starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.runCycle(s.ctx)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.interval):
			}
		}
	}()
}

// Stop aborts the current cycle at its next poll boundary and waits for the
// loop goroutine. It does NOT wait for background downloads already handed to
// the native client; those are not cancelable and joining them would hang
// shutdown indefinitely.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logrus.Info("download scheduler stopped")
}

func (s *Scheduler) runCycle(ctx context.Context) {
	cycleID := uuid.New()
	ctx, span := otel.Tracer("scheduler").Start(ctx, "download_cycle",
		trace.WithAttributes(attribute.String("cycle_id", cycleID.String())))
	defer span.End()
	logrus.WithField("cycle_id", cycleID).Info("download cycle starting")

	s.runUniverseDownloads(ctx)
	if ctx.Err() != nil {
		return
	}

	if s.cfg.KlineEnabled {
		s.runKlineIncremental(ctx, cycleID)
	}
	if ctx.Err() != nil {
		return
	}

	if s.cfg.FinancialEnabled {
		s.runFinancialIncremental(ctx, cycleID)
	}

	logrus.WithField("cycle_id", cycleID).Info("download cycle done")
}

// universeTask is one whole-universe metadata download. Each is wrapped
// individually so one failure never blocks the rest.
type universeTask struct {
	name models.TaskKey
	run  func(context.Context) error
}

func (s *Scheduler) universeTasks() []universeTask {
	return []universeTask{
		{"download_sector_data", s.native.DownloadSectorData},
		{"download_holiday_data", s.native.DownloadHolidayData},
		{"download_history_contracts", s.native.DownloadHistoryContracts},
		{"download_index_weight", s.native.DownloadIndexWeight},
		{"download_etf_info", s.native.DownloadETFInfo},
		{"download_cb_data", s.native.DownloadCBData},
	}
}

func (s *Scheduler) runUniverseDownloads(ctx context.Context) {
	for _, task := range s.universeTasks() {
		if ctx.Err() != nil {
			return
		}
		started := s.now()
		err := task.run(ctx)
		result := models.IncrementalResult{Elapsed: s.now().Sub(started)}
		if err != nil {
			result.Fail = 1
			logrus.WithError(err).WithField("task", task.name).Error("universe download failed")
		} else {
			result.OK = 1
			logrus.WithField("task", task.name).Info("universe download done")
		}
		s.state.SetResult(task.name, result)
	}
}

func (s *Scheduler) runKlineIncremental(ctx context.Context, cycleID uuid.UUID) {
	if len(s.cfg.KlinePeriods) == 0 {
		return
	}
	stocks := s.stockList(ctx, s.cfg.KlineSectors)
	if len(stocks) == 0 {
		logrus.Warn("kline incremental: empty instrument list, skipping")
		return
	}

	for _, p := range s.cfg.KlinePeriods {
		if ctx.Err() != nil {
			return
		}
		period := models.Period(p)
		key := models.KlineTaskKey(period)
		if s.state.IsRunning(key) {
			logrus.WithField("task", key).Warn("previous run still in flight, skipping this cycle")
			continue
		}

		s.state.SetRunning(key, true)
		started := s.now()
		result := s.orch.RunKline(ctx, stocks, period)
		s.finishTask(ctx, cycleID, key, result, len(stocks), started)
	}
}

func (s *Scheduler) runFinancialIncremental(ctx context.Context, cycleID uuid.UUID) {
	key := models.FinancialTaskKey
	if s.state.IsRunning(key) {
		logrus.WithField("task", key).Warn("previous run still in flight, skipping this cycle")
		return
	}
	stocks := s.stockList(ctx, s.cfg.FinancialSectors)
	if len(stocks) == 0 {
		logrus.Warn("financial incremental: empty instrument list, skipping")
		return
	}

	s.state.SetRunning(key, true)
	started := s.now()
	result := s.orch.RunFinancial(ctx, stocks, s.cfg.FinancialTables)
	s.finishTask(ctx, cycleID, key, result, len(stocks), started)
}

// finishTask records the task outcome everywhere it is visible: in-memory
// state, the operator state file, and the optional run-history sink. The
// running flag clears unconditionally.
func (s *Scheduler) finishTask(ctx context.Context, cycleID uuid.UUID, key models.TaskKey, result models.IncrementalResult, stockCount int, started time.Time) {
	defer s.state.SetRunning(key, false)
	s.state.SetResult(key, result)

	entry := s.persist.Tasks[key]
	entry.LastRunISO = s.now().Format(time.RFC3339)
	entry.StockCount = stockCount
	entry.OK = result.OK
	entry.Fail = result.Fail
	if result.Fail == 0 && !result.Interrupted {
		entry.LastSuccessDate = s.now().Format(dateLayout)
	}
	s.persist.Tasks[key] = entry
	if err := s.persist.Save(s.cfg.StateFile); err != nil {
		logrus.WithError(err).Warn("failed to write scheduler state file")
	}

	if s.recorder != nil {
		rec := TaskRunRecord{
			ID:      uuid.New(),
			CycleID: cycleID,
			Key:     key,
			Result:  result,
			Stocks:  stockCount,
			Started: started,
			Ended:   s.now(),
		}
		if err := s.recorder.RecordRun(ctx, rec); err != nil {
			logrus.WithError(err).WithField("task", key).Warn("failed to record task run")
		}
	}
}

// stockList merges the instrument lists of the configured sectors, deduped
// in first-seen order. A sector listing failure is logged and skipped.
func (s *Scheduler) stockList(ctx context.Context, sectors []string) []string {
	seen := make(map[string]bool)
	var stocks []string
	for _, sector := range sectors {
		codes, err := s.native.StockListInSector(ctx, sector)
		if err != nil {
			logrus.WithError(err).WithField("sector", sector).Error("failed to list sector instruments")
			continue
		}
		logrus.WithFields(logrus.Fields{"sector": sector, "count": len(codes)}).Info("sector instrument list fetched")
		for _, code := range codes {
			if !seen[code] {
				seen[code] = true
				stocks = append(stocks, code)
			}
		}
	}
	return stocks
}
