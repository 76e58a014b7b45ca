package qmt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

func TestGuardSerializesConcurrentCallers(t *testing.T) {
	guard := NewSerializationGuard()

	var inFlight, maxInFlight, total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				require.NoError(t, guard.Acquire(context.Background()))
				cur := inFlight.Add(1)
				for {
					prev := maxInFlight.Load()
					if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(time.Microsecond)
				inFlight.Add(-1)
				total.Add(1)
				guard.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "at most one caller may hold the guard")
	assert.Equal(t, int32(200), total.Load())
}

func TestGuardAcquireRespectsCancellation(t *testing.T) {
	guard := NewSerializationGuard()
	require.NoError(t, guard.Acquire(context.Background()))
	defer guard.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := guard.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardReleaseWithoutAcquirePanics(t *testing.T) {
	guard := NewSerializationGuard()
	assert.Panics(t, func() { guard.Release() })
}

// reentrancyProbe fails the test if any two native calls overlap. It stands
// in for the crash-prone native layer.
type reentrancyProbe struct {
	fakeClient
	t        *testing.T
	inFlight atomic.Int32
	calls    atomic.Int32
}

func (p *reentrancyProbe) enter() func() {
	if p.inFlight.Add(1) != 1 {
		p.t.Error("overlapping native calls detected")
	}
	p.calls.Add(1)
	time.Sleep(time.Microsecond)
	return func() { p.inFlight.Add(-1) }
}

func (p *reentrancyProbe) DownloadKline(ctx context.Context, req *DownloadKlineRequest) (*DownloadAck, error) {
	defer p.enter()()
	return &DownloadAck{Cached: true}, nil
}

func (p *reentrancyProbe) StockListInSector(ctx context.Context, sector string) ([]string, error) {
	defer p.enter()()
	return []string{"600000.SH"}, nil
}

func (p *reentrancyProbe) DownloadSectorData(ctx context.Context) error {
	defer p.enter()()
	return nil
}

func TestServiceSerializesMixedCallers(t *testing.T) {
	probe := &reentrancyProbe{t: t}
	service := NewService(probe, NewSerializationGuard())

	var wg sync.WaitGroup
	ops := []func(){
		func() {
			if _, err := service.DownloadKline(context.Background(), &DownloadKlineRequest{Instruments: []string{"600000.SH"}, Period: models.Period1d}); err != nil {
				t.Error(err)
			}
		},
		func() {
			if _, err := service.StockListInSector(context.Background(), "沪深A股"); err != nil {
				t.Error(err)
			}
		},
		func() {
			if err := service.DownloadSectorData(context.Background()); err != nil {
				t.Error(err)
			}
		},
	}
	for i := 0; i < 30; i++ {
		op := ops[i%len(ops)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			op()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), probe.calls.Load())
}

// fakeClient is a no-op NativeAPI base for embedding in test probes.
type fakeClient struct{}

func (fakeClient) HealthCheck(ctx context.Context) error { return nil }
func (fakeClient) IsConnected(ctx context.Context) bool  { return true }
func (fakeClient) DownloadKline(ctx context.Context, req *DownloadKlineRequest) (*DownloadAck, error) {
	return &DownloadAck{Cached: true}, nil
}
func (fakeClient) Progress(ctx context.Context, taskID string) (*ProgressEvent, error) {
	return &ProgressEvent{Finished: 1, Total: 1}, nil
}
func (fakeClient) LocalKlines(ctx context.Context, req *LocalKlineRequest) (map[string][]WireBar, error) {
	return map[string][]WireBar{}, nil
}
func (fakeClient) FinancialData(ctx context.Context, instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error) {
	return map[string]map[string][]models.FinancialRecord{}, nil
}
func (fakeClient) DownloadFinancial(ctx context.Context, instruments, tables []string) error {
	return nil
}
func (fakeClient) StockListInSector(ctx context.Context, sector string) ([]string, error) {
	return nil, nil
}
func (fakeClient) DownloadSectorData(ctx context.Context) error       { return nil }
func (fakeClient) DownloadHolidayData(ctx context.Context) error      { return nil }
func (fakeClient) DownloadHistoryContracts(ctx context.Context) error { return nil }
func (fakeClient) DownloadIndexWeight(ctx context.Context) error      { return nil }
func (fakeClient) DownloadETFInfo(ctx context.Context) error          { return nil }
func (fakeClient) DownloadCBData(ctx context.Context) error           { return nil }
