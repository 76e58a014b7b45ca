package qmt

import (
	"context"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

// NativeAPI is the full surface the orchestration layer consumes from the
// native data client. Implementations are not required to be safe for
// concurrent use; serialization is Service's job.
type NativeAPI interface {
	HealthCheck(ctx context.Context) error
	IsConnected(ctx context.Context) bool

	DownloadKline(ctx context.Context, req *DownloadKlineRequest) (*DownloadAck, error)
	Progress(ctx context.Context, taskID string) (*ProgressEvent, error)
	LocalKlines(ctx context.Context, req *LocalKlineRequest) (map[string][]WireBar, error)

	FinancialData(ctx context.Context, instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error)
	DownloadFinancial(ctx context.Context, instruments, tables []string) error

	StockListInSector(ctx context.Context, sector string) ([]string, error)

	DownloadSectorData(ctx context.Context) error
	DownloadHolidayData(ctx context.Context) error
	DownloadHistoryContracts(ctx context.Context) error
	DownloadIndexWeight(ctx context.Context) error
	DownloadETFInfo(ctx context.Context) error
	DownloadCBData(ctx context.Context) error
}

// Service wraps a NativeAPI so that every call holds the SerializationGuard
// for exactly its own duration. New call sites cannot bypass the guard
// because the rest of the codebase only ever sees a *Service.
//
// Long-lived streaming subscriptions are deliberately NOT part of NativeAPI:
// they hold a separate native subscription channel and routing them through
// the guard would deadlock them against request/response calls.
type Service struct {
	client NativeAPI
	guard  *SerializationGuard
}

var _ NativeAPI = (*Service)(nil)

// NewService wraps client with guard. All production call paths, HTTP
// handlers and the scheduler alike, must share one Service instance.
func NewService(client NativeAPI, guard *SerializationGuard) *Service {
	return &Service{client: client, guard: guard}
}

// Guard exposes the underlying guard for tests.
func (s *Service) Guard() *SerializationGuard {
	return s.guard
}

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.guard.Acquire(ctx); err != nil {
		return err
	}
	defer s.guard.Release()
	return s.client.HealthCheck(ctx)
}

func (s *Service) IsConnected(ctx context.Context) bool {
	if err := s.guard.Acquire(ctx); err != nil {
		return false
	}
	defer s.guard.Release()
	return s.client.IsConnected(ctx)
}

func (s *Service) DownloadKline(ctx context.Context, req *DownloadKlineRequest) (*DownloadAck, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.client.DownloadKline(ctx, req)
}

func (s *Service) Progress(ctx context.Context, taskID string) (*ProgressEvent, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.client.Progress(ctx, taskID)
}

func (s *Service) LocalKlines(ctx context.Context, req *LocalKlineRequest) (map[string][]WireBar, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.client.LocalKlines(ctx, req)
}

func (s *Service) FinancialData(ctx context.Context, instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.client.FinancialData(ctx, instruments, tables)
}

func (s *Service) DownloadFinancial(ctx context.Context, instruments, tables []string) error {
	if err := s.guard.Acquire(ctx); err != nil {
		return err
	}
	defer s.guard.Release()
	return s.client.DownloadFinancial(ctx, instruments, tables)
}

func (s *Service) StockListInSector(ctx context.Context, sector string) ([]string, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.client.StockListInSector(ctx, sector)
}

func (s *Service) DownloadSectorData(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadSectorData)
}

func (s *Service) DownloadHolidayData(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadHolidayData)
}

func (s *Service) DownloadHistoryContracts(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadHistoryContracts)
}

func (s *Service) DownloadIndexWeight(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadIndexWeight)
}

func (s *Service) DownloadETFInfo(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadETFInfo)
}

func (s *Service) DownloadCBData(ctx context.Context) error {
	return s.guarded(ctx, s.client.DownloadCBData)
}

func (s *Service) guarded(ctx context.Context, fn func(context.Context) error) error {
	if err := s.guard.Acquire(ctx); err != nil {
		return err
	}
	defer s.guard.Release()
	return fn(ctx)
}
