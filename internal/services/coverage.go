package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

const dateLayout = "20060102"

// CoverageProbe determines what the native client's local cache already
// holds, cheaply: batched reads of the single most-recent record per
// instrument. Probe results are cycle-local; they go stale the moment a
// download for the probed instrument begins and are never re-used.
type CoverageProbe struct {
	native    qmt.NativeAPI
	batchSize int
	now       func() time.Time
}

// NewCoverageProbe creates a probe issuing local reads in batches of
// batchSize instruments.
func NewCoverageProbe(native qmt.NativeAPI, batchSize int) *CoverageProbe {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &CoverageProbe{native: native, batchSize: batchSize, now: time.Now}
}

// ProbeLocalDates returns the latest locally cached date per instrument as
// YYYYMMDD. Instruments with no local data are absent from the result. A
// failed batch is logged and its instruments treated as absent, which routes
// them to the safer full-download path.
func (p *CoverageProbe) ProbeLocalDates(ctx context.Context, instruments []string, period models.Period) map[string]string {
	result := make(map[string]string, len(instruments))
	for _, batch := range makeBatches(instruments, p.batchSize) {
		data, err := p.native.LocalKlines(ctx, &qmt.LocalKlineRequest{
			Instruments: batch,
			Period:      period,
			Count:       1,
		})
		if err != nil {
			logrus.WithError(err).WithField("period", period).Warn("coverage probe batch failed")
			continue
		}
		for instrument, bars := range data {
			if len(bars) == 0 {
				continue
			}
			if date, ok := normalizeBarDate(bars[len(bars)-1]); ok {
				result[instrument] = date
			}
		}
	}
	return result
}

// ProbeHistoryComplete checks a sentinel year several years back for the
// given instruments and returns the set that has data there. Instruments
// missing from the set have recent coverage but shallow history, typically
// the residue of an interrupted full download, and must be re-downloaded in
// full rather than incrementally.
func (p *CoverageProbe) ProbeHistoryComplete(ctx context.Context, instruments []string, period models.Period, checkYears int) map[string]bool {
	if len(instruments) == 0 {
		return map[string]bool{}
	}
	sentinelYear := p.now().Year() - checkYears
	hasHistory := make(map[string]bool, len(instruments))
	for _, batch := range makeBatches(instruments, p.batchSize) {
		data, err := p.native.LocalKlines(ctx, &qmt.LocalKlineRequest{
			Instruments: batch,
			Period:      period,
			StartTime:   fmt.Sprintf("%d0101", sentinelYear),
			EndTime:     fmt.Sprintf("%d1231", sentinelYear),
			Count:       1,
		})
		if err != nil {
			logrus.WithError(err).WithField("period", period).Warn("history completeness probe failed")
			continue
		}
		for instrument, bars := range data {
			if len(bars) > 0 {
				hasHistory[instrument] = true
			}
		}
	}
	return hasHistory
}

// FinancialFreshness summarizes the financial-cache probe.
type FinancialFreshness struct {
	Fresh      map[string]bool
	Stale      int
	Incomplete int
}

// ProbeFinancialFreshness reports which instruments already hold complete and
// recent financial data for the primary table. Fresh means the latest
// announcement date falls inside the staleness window AND the record count
// meets minRecords; the count floor keeps a previously truncated download
// from masquerading as fresh.
func (p *CoverageProbe) ProbeFinancialFreshness(ctx context.Context, instruments []string, tables []string, staleDays, minRecords int) FinancialFreshness {
	out := FinancialFreshness{Fresh: make(map[string]bool, len(instruments))}
	if len(instruments) == 0 || len(tables) == 0 {
		return out
	}
	primary := tables[0]
	staleCutoff := p.now().AddDate(0, 0, -staleDays).Format(dateLayout)

	for _, batch := range makeBatches(instruments, p.batchSize) {
		data, err := p.native.FinancialData(ctx, batch, []string{primary})
		if err != nil {
			logrus.WithError(err).Warn("financial cache probe batch failed")
			continue
		}
		for instrument, tableData := range data {
			records := tableData[primary]
			if len(records) == 0 {
				continue
			}
			if len(records) < minRecords {
				out.Incomplete++
				continue
			}
			latest := ""
			for _, rec := range records {
				if rec.AnnounceDate > latest {
					latest = rec.AnnounceDate
				}
			}
			switch {
			case latest == "":
				// No announcement dates in the table variant; assume fresh
				// rather than re-downloading every cycle.
				out.Fresh[instrument] = true
			case latest >= staleCutoff:
				out.Fresh[instrument] = true
			default:
				out.Stale++
			}
		}
	}
	return out
}

// normalizeBarDate maps either bar time representation to YYYYMMDD.
func normalizeBarDate(bar qmt.WireBar) (string, bool) {
	if bar.TimeMs > 0 {
		return time.UnixMilli(bar.TimeMs).Format(dateLayout), true
	}
	if bar.Time == "" {
		return "", false
	}
	// Structured timestamps arrive as "2024-01-31", "20240131" or a longer
	// datetime; keep the first eight digits.
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, bar.Time)
	if len(digits) < 8 {
		return "", false
	}
	return digits[:8], true
}

// makeBatches splits list into consecutive slices of at most size elements.
func makeBatches(list []string, size int) [][]string {
	if size <= 0 {
		size = len(list)
	}
	var batches [][]string
	for i := 0; i < len(list); i += size {
		end := i + size
		if end > len(list) {
			end = len(list)
		}
		batches = append(batches, list[i:end])
	}
	return batches
}
