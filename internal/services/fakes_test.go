package services

import (
	"context"
	"sync"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

// fakeNative is a configurable NativeAPI test double. Unset hooks return
// benign defaults. All call counters are mutex-guarded so tests can exercise
// concurrent paths.
type fakeNative struct {
	mu sync.Mutex

	downloadKlineFn     func(*qmt.DownloadKlineRequest) (*qmt.DownloadAck, error)
	progressFn          func(taskID string) (*qmt.ProgressEvent, error)
	localKlinesFn       func(*qmt.LocalKlineRequest) (map[string][]qmt.WireBar, error)
	financialDataFn     func(instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error)
	downloadFinancialFn func(ctx context.Context, instruments, tables []string) error
	stockListFn         func(sector string) ([]string, error)
	connected           func() bool

	downloadCalls  []qmt.DownloadKlineRequest
	financialCalls [][]string
	universeCalls  []string
}

func (f *fakeNative) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeNative) IsConnected(ctx context.Context) bool {
	if f.connected != nil {
		return f.connected()
	}
	return true
}

func (f *fakeNative) DownloadKline(ctx context.Context, req *qmt.DownloadKlineRequest) (*qmt.DownloadAck, error) {
	f.mu.Lock()
	f.downloadCalls = append(f.downloadCalls, *req)
	f.mu.Unlock()
	if f.downloadKlineFn != nil {
		return f.downloadKlineFn(req)
	}
	return &qmt.DownloadAck{Cached: true}, nil
}

func (f *fakeNative) Progress(ctx context.Context, taskID string) (*qmt.ProgressEvent, error) {
	if f.progressFn != nil {
		return f.progressFn(taskID)
	}
	return &qmt.ProgressEvent{Finished: 1, Total: 1}, nil
}

func (f *fakeNative) LocalKlines(ctx context.Context, req *qmt.LocalKlineRequest) (map[string][]qmt.WireBar, error) {
	if f.localKlinesFn != nil {
		return f.localKlinesFn(req)
	}
	return map[string][]qmt.WireBar{}, nil
}

func (f *fakeNative) FinancialData(ctx context.Context, instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error) {
	if f.financialDataFn != nil {
		return f.financialDataFn(instruments, tables)
	}
	return map[string]map[string][]models.FinancialRecord{}, nil
}

func (f *fakeNative) DownloadFinancial(ctx context.Context, instruments, tables []string) error {
	f.mu.Lock()
	f.financialCalls = append(f.financialCalls, instruments)
	f.mu.Unlock()
	if f.downloadFinancialFn != nil {
		return f.downloadFinancialFn(ctx, instruments, tables)
	}
	return nil
}

func (f *fakeNative) StockListInSector(ctx context.Context, sector string) ([]string, error) {
	if f.stockListFn != nil {
		return f.stockListFn(sector)
	}
	return nil, nil
}

func (f *fakeNative) recordUniverse(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.universeCalls = append(f.universeCalls, name)
	return nil
}

func (f *fakeNative) DownloadSectorData(ctx context.Context) error { return f.recordUniverse("sector") }
func (f *fakeNative) DownloadHolidayData(ctx context.Context) error {
	return f.recordUniverse("holiday")
}
func (f *fakeNative) DownloadHistoryContracts(ctx context.Context) error {
	return f.recordUniverse("history_contracts")
}
func (f *fakeNative) DownloadIndexWeight(ctx context.Context) error {
	return f.recordUniverse("index_weight")
}
func (f *fakeNative) DownloadETFInfo(ctx context.Context) error { return f.recordUniverse("etf") }
func (f *fakeNative) DownloadCBData(ctx context.Context) error  { return f.recordUniverse("cb") }

func (f *fakeNative) downloadCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloadCalls)
}

var _ qmt.NativeAPI = (*fakeNative)(nil)

// barAt builds a WireBar carrying only a string date, the common sidecar
// encoding for daily data.
func barAt(date string) qmt.WireBar {
	return qmt.WireBar{Time: date}
}
