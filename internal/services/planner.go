package services

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

// Gap-size sentinels. Absent instruments sort before incomplete-history
// instruments, which sort before any real date gap.
const (
	gapAbsent            = math.MaxInt32
	gapIncompleteHistory = math.MaxInt32 - 1
)

// GapPlanner converts probe output into an ordered job list. Largest gaps
// come first: systemic problems surface early and worst-case staleness stays
// bounded if a cycle is cut short. One job per instrument keeps retry and
// backoff independent per instrument instead of invalidating whole batches.
type GapPlanner struct {
	overlapDays int
	now         func() time.Time
}

// NewGapPlanner creates a planner that starts incremental ranges overlapDays
// before the last cached date, tolerating boundary and timezone mismatches in
// the source data.
func NewGapPlanner(overlapDays int) *GapPlanner {
	if overlapDays < 0 {
		overlapDays = 0
	}
	return &GapPlanner{overlapDays: overlapDays, now: time.Now}
}

// Plan builds one download job per instrument, sorted by descending gap size.
// Instruments absent from localDates, or flagged incomplete, get a full
// history job (empty start bound); the rest get an incremental job starting
// at their last cached date minus the safety overlap.
//
// An empty instrument list yields an empty plan.
func (g *GapPlanner) Plan(instruments []string, period models.Period, localDates map[string]string, incomplete map[string]bool) []models.DownloadJob {
	if len(instruments) == 0 {
		return nil
	}

	today := g.now()
	gapOf := func(instrument string) int {
		date, ok := localDates[instrument]
		if !ok {
			return gapAbsent
		}
		if incomplete[instrument] {
			return gapIncompleteHistory
		}
		last, err := time.Parse(dateLayout, date)
		if err != nil {
			return gapAbsent
		}
		return int(today.Sub(last).Hours() / 24)
	}

	ordered := make([]string, len(instruments))
	copy(ordered, instruments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return gapOf(ordered[i]) > gapOf(ordered[j])
	})

	jobs := make([]models.DownloadJob, 0, len(ordered))
	for _, instrument := range ordered {
		job := models.DownloadJob{
			Instruments: []string{instrument},
			Period:      period,
			Incremental: models.FullForce,
		}
		if date, ok := localDates[instrument]; ok && !incomplete[instrument] {
			if last, err := time.Parse(dateLayout, date); err == nil {
				job.StartTime = last.AddDate(0, 0, -g.overlapDays).Format(dateLayout)
				job.Incremental = models.IncrementalForce
			}
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// PlanYearSegments is the deep-backfill variant: it partitions full-history
// work into explicit calendar-year jobs, most recent year first, skipping
// year segments the cache is already known to cover. coveredYears maps
// instrument to the set of fully covered years.
func (g *GapPlanner) PlanYearSegments(instruments []string, period models.Period, fromYear int, coveredYears map[string]map[int]bool) []models.DownloadJob {
	if len(instruments) == 0 {
		return nil
	}
	currentYear := g.now().Year()
	if fromYear > currentYear {
		return nil
	}

	var jobs []models.DownloadJob
	for year := currentYear; year >= fromYear; year-- {
		for _, instrument := range instruments {
			if coveredYears[instrument][year] {
				continue
			}
			jobs = append(jobs, models.DownloadJob{
				Instruments: []string{instrument},
				Period:      period,
				StartTime:   fmt.Sprintf("%d0101", year),
				EndTime:     fmt.Sprintf("%d1231", year),
				Incremental: models.FullForce,
			})
		}
	}
	return jobs
}
