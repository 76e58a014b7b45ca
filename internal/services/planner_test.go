package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

func fixedNow(date string) func() time.Time {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func TestPlanOrdersByDescendingGap(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	instruments := []string{"recent.SH", "absent.SZ", "old.SH", "shallow.SZ"}
	localDates := map[string]string{
		"recent.SH":  "20240530",
		"old.SH":     "20240101",
		"shallow.SZ": "20240531",
	}
	incomplete := map[string]bool{"shallow.SZ": true}

	jobs := planner.Plan(instruments, models.Period1d, localDates, incomplete)
	require.Len(t, jobs, 4)

	// Absent sorts first, then incomplete history, then by real gap size.
	assert.Equal(t, "absent.SZ", jobs[0].Instruments[0])
	assert.Equal(t, "shallow.SZ", jobs[1].Instruments[0])
	assert.Equal(t, "old.SH", jobs[2].Instruments[0])
	assert.Equal(t, "recent.SH", jobs[3].Instruments[0])
}

func TestPlanIncrementalJobsOverlapLastCachedDay(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	jobs := planner.Plan([]string{"600000.SH"}, models.Period1d,
		map[string]string{"600000.SH": "20240530"}, nil)

	require.Len(t, jobs, 1)
	assert.Equal(t, "20240529", jobs[0].StartTime)
	assert.Equal(t, models.IncrementalForce, jobs[0].Incremental)
}

func TestPlanAbsentAndIncompleteGetFullHistoryJobs(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	jobs := planner.Plan([]string{"absent.SH", "shallow.SH"}, models.Period1d,
		map[string]string{"shallow.SH": "20240530"},
		map[string]bool{"shallow.SH": true})

	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Empty(t, job.StartTime, "full history jobs carry an empty start bound")
		assert.Equal(t, models.FullForce, job.Incremental)
	}
}

func TestPlanMalformedCachedDateFallsBackToFullDownload(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	jobs := planner.Plan([]string{"600000.SH"}, models.Period1d,
		map[string]string{"600000.SH": "not-a-date"}, nil)

	require.Len(t, jobs, 1)
	assert.Empty(t, jobs[0].StartTime)
	assert.Equal(t, models.FullForce, jobs[0].Incremental)
}

func TestPlanEmptyInstrumentList(t *testing.T) {
	planner := NewGapPlanner(1)
	assert.Empty(t, planner.Plan(nil, models.Period1d, nil, nil))
}

func TestPlanYearSegmentsMostRecentYearFirst(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	jobs := planner.PlanYearSegments([]string{"600000.SH"}, models.Period1d, 2022, nil)
	require.Len(t, jobs, 3)

	assert.Equal(t, "20240101", jobs[0].StartTime)
	assert.Equal(t, "20241231", jobs[0].EndTime)
	assert.Equal(t, "20230101", jobs[1].StartTime)
	assert.Equal(t, "20220101", jobs[2].StartTime)
}

func TestPlanYearSegmentsSkipsCoveredYears(t *testing.T) {
	planner := NewGapPlanner(1)
	planner.now = fixedNow("20240601")

	covered := map[string]map[int]bool{"600000.SH": {2023: true}}
	jobs := planner.PlanYearSegments([]string{"600000.SH"}, models.Period1d, 2022, covered)

	require.Len(t, jobs, 2)
	assert.Equal(t, "20240101", jobs[0].StartTime)
	assert.Equal(t, "20220101", jobs[1].StartTime)
}
