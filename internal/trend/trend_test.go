package trend

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/logstream"
	"github.com/sgerhart/triageflux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeWeeklyCounts writes `counts[i]` records into week i of the
// stream, oldest week first, ending last week.
func writeWeeklyCounts(t *testing.T, dir, stream string, counts []int, extra map[string]string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, stream+".ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()

	now := time.Now().UTC()
	for i, count := range counts {
		weekStart := now.AddDate(0, 0, -7*(len(counts)-i))
		for j := 0; j < count; j++ {
			record := map[string]interface{}{
				"timestamp": weekStart.Add(time.Duration(j) * time.Minute).Format(time.RFC3339),
				"message":   "event",
			}
			for k, v := range extra {
				record[k] = v
			}
			data, err := json.Marshal(record)
			require.NoError(t, err)
			_, err = f.Write(append(data, '\n'))
			require.NoError(t, err)
		}
	}
}

func TestDirection(t *testing.T) {
	tests := []struct {
		name      string
		counts    []int
		expected  model.TrendDirection
		changeMin float64
		changeMax float64
	}{
		{"rising", []int{1, 1, 1, 5, 10, 15}, model.TrendIncreasing, 800, 1000},
		{"flat", []int{5, 5, 5, 5}, model.TrendStable, -1, 1},
		{"falling", []int{10, 10, 2, 1}, model.TrendDecreasing, -90, -80},
		{"small wobble is stable", []int{10, 10, 11, 11}, model.TrendStable, 0, 15},
		{"too few buckets", []int{4, 4}, model.TrendInsufficientData, 0, 0},
		{"from zero", []int{0, 0, 3, 4}, model.TrendIncreasing, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			direction, changePct := Direction(tt.counts)
			assert.Equal(t, tt.expected, direction)
			assert.GreaterOrEqual(t, changePct, tt.changeMin)
			assert.LessOrEqual(t, changePct, tt.changeMax)
		})
	}
}

func TestAnalyze_WeeklyIncreasing(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "notify_events", []int{1, 1, 1, 5, 10, 15}, nil)

	engine := NewEngine(logstream.NewReader(dir, testLogger()), testLogger())
	result, err := engine.Analyze("notify_events", "week", 60, nil)
	require.NoError(t, err)

	assert.Equal(t, model.TrendIncreasing, result.Trend)
	assert.Greater(t, result.ChangePct, 20.0)
	assert.GreaterOrEqual(t, len(result.Buckets), 6)
}

func TestAnalyze_InsufficientData(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "notify_events", []int{3, 4}, nil)

	engine := NewEngine(logstream.NewReader(dir, testLogger()), testLogger())
	result, err := engine.Analyze("notify_events", "week", 60, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TrendInsufficientData, result.Trend)
}

func TestAnalyze_FilterRestrictsRecords(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "events", []int{2, 2, 2, 2}, map[string]string{"action": "NOTIFY"})
	writeWeeklyCounts(t, dir, "events", []int{0, 0, 9, 9}, map[string]string{"action": "AUTO"})

	engine := NewEngine(logstream.NewReader(dir, testLogger()), testLogger())

	notify, err := engine.Analyze("events", "week", 60, map[string]string{"action": "NOTIFY"})
	require.NoError(t, err)
	assert.Equal(t, model.TrendStable, notify.Trend)

	all, err := engine.Analyze("events", "week", 60, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TrendIncreasing, all.Trend)
}

func TestAnalyze_RejectsUnknownPeriod(t *testing.T) {
	engine := NewEngine(logstream.NewReader(t.TempDir(), testLogger()), testLogger())
	_, err := engine.Analyze("events", "fortnight", 60, nil)
	assert.Error(t, err)
}

func TestCheckAndAlert_IncreasingFires(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "notify_events", []int{1, 1, 1, 5, 10, 15}, nil)

	alertLog := auditlog.NewMemLog()
	alerter := NewAlerter(NewEngine(logstream.NewReader(dir, testLogger()), testLogger()), alertLog, testLogger())

	result, alert, err := alerter.CheckAndAlert("notify_events", "week", 60, nil, 30, true)
	require.NoError(t, err)
	assert.Equal(t, model.TrendIncreasing, result.Trend)
	require.NotNil(t, alert)
	assert.Equal(t, "notify_events", alert.Metric)

	persisted, err := alertLog.ReadAll()
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestCheckAndAlert_StableNeverFires(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "notify_events", []int{5, 5, 5, 5}, nil)

	alertLog := auditlog.NewMemLog()
	alerter := NewAlerter(NewEngine(logstream.NewReader(dir, testLogger()), testLogger()), alertLog, testLogger())

	for _, threshold := range []float64{0, 10, 30, 50} {
		_, alert, err := alerter.CheckAndAlert("notify_events", "week", 60, nil, threshold, true)
		require.NoError(t, err)
		assert.Nil(t, alert, "threshold %v", threshold)
	}

	persisted, err := alertLog.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestCheckAndAlert_DecreasingAlertsDespiteIncreaseOnlyFlag(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "resolved_events", []int{20, 20, 2, 1}, nil)

	alertLog := auditlog.NewMemLog()
	alerter := NewAlerter(NewEngine(logstream.NewReader(dir, testLogger()), testLogger()), alertLog, testLogger())

	_, alert, err := alerter.CheckAndAlert("resolved_events", "week", 60, nil, 30, false)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, model.TrendDecreasing, alert.Trend)
}

func TestCheckAndAlert_IncreasingSuppressedWhenFlagOff(t *testing.T) {
	dir := t.TempDir()
	writeWeeklyCounts(t, dir, "notify_events", []int{1, 1, 1, 5, 10, 15}, nil)

	alertLog := auditlog.NewMemLog()
	alerter := NewAlerter(NewEngine(logstream.NewReader(dir, testLogger()), testLogger()), alertLog, testLogger())

	_, alert, err := alerter.CheckAndAlert("notify_events", "week", 60, nil, 30, false)
	require.NoError(t, err)
	assert.Nil(t, alert)
}
