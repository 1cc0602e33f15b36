package cronstate

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/statestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGuard(t *testing.T) (*Guard, *statestore.MemStore) {
	t.Helper()
	store := statestore.NewMemStore()
	return NewGuard(store, testLogger()), store
}

func TestShouldCatchUp_FirstRunNeverTriggers(t *testing.T) {
	guard, _ := newTestGuard(t)

	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
	assert.Nil(t, result.LastRun)
}

func TestShouldCatchUp_TriggersAtThreeIntervals(t *testing.T) {
	guard, _ := newTestGuard(t)

	require.NoError(t, guard.RecordRun("hourly-triage"))
	guard.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.True(t, result.CatchupTriggered)
	assert.Greater(t, result.MissedDurationMs, int64(0))
	assert.NotEmpty(t, result.MissedDurationHuman)
	require.NotNil(t, result.LastRun)
}

func TestShouldCatchUp_JitterDoesNotTrigger(t *testing.T) {
	guard, _ := newTestGuard(t)

	require.NoError(t, guard.RecordRun("hourly-triage"))
	guard.now = func() time.Time { return time.Now().Add(90 * time.Minute) }

	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
	require.NotNil(t, result.LastRun)
}

func TestShouldCatchUp_TasksAreIndependent(t *testing.T) {
	guard, _ := newTestGuard(t)

	require.NoError(t, guard.RecordRun("daily-correlate"))

	// A different task with no history is still a first run.
	result, err := guard.ShouldCatchUp("weekly-prune", 7*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
	assert.Nil(t, result.LastRun)
}

func TestShouldCatchUp_CorruptedStateIsFirstRun(t *testing.T) {
	guard, store := newTestGuard(t)

	require.NoError(t, guard.RecordRun("hourly-triage"))
	store.Corrupt("cron_runs")

	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
}

func TestRecordRun_AdvancesTimestamp(t *testing.T) {
	guard, _ := newTestGuard(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }
	require.NoError(t, guard.RecordRun("hourly-triage"))

	guard.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, guard.RecordRun("hourly-triage"))

	guard.now = func() time.Time { return base.Add(2 * time.Hour) }
	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
	assert.Equal(t, base.Add(time.Hour), result.LastRun.UTC())
}

func TestCheckResult_ReportsMilliseconds(t *testing.T) {
	guard, _ := newTestGuard(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }
	require.NoError(t, guard.RecordRun("hourly-triage"))

	// 3h of silence on an hourly task: 2h beyond the expected interval.
	guard.now = func() time.Time { return base.Add(3 * time.Hour) }
	result, err := guard.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	require.True(t, result.CatchupTriggered)
	assert.Equal(t, int64(7200000), result.MissedDurationMs)
	assert.Equal(t, int64(3600000), result.ExpectedIntervalMs)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(7200000), decoded["missed_duration_ms"])
	assert.Equal(t, float64(3600000), decoded["expected_interval_ms"])
}

func TestRecordRun_RequiresTaskName(t *testing.T) {
	guard, _ := newTestGuard(t)
	assert.Error(t, guard.RecordRun(""))
	_, err := guard.ShouldCatchUp("", time.Hour)
	assert.Error(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.NewFileStore(dir, testLogger())
	require.NoError(t, err)

	guard := NewGuard(store, testLogger())
	require.NoError(t, guard.RecordRun("hourly-triage"))

	// A second guard over the same directory sees the run.
	guard2 := NewGuard(store, testLogger())
	guard2.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	result, err := guard2.ShouldCatchUp("hourly-triage", time.Hour)
	require.NoError(t, err)
	assert.False(t, result.CatchupTriggered)
	require.NotNil(t, result.LastRun)
}
