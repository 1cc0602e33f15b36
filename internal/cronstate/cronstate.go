// Package cronstate detects missed scheduled runs. Each task records a
// last-successful-run timestamp; a task that has been silent for more
// than twice its expected interval gets a catch-up window.
package cronstate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/triageflux/internal/statestore"
)

const stateName = "cron_runs"

// A task is considered missed only past 2x its interval. At 1x,
// ordinary scheduler jitter would false-positive.
const missedFactor = 2

// CheckResult reports whether a task missed its cadence.
type CheckResult struct {
	TaskName            string     `json:"task_name"`
	CatchupTriggered    bool       `json:"catchup_triggered"`
	MissedDurationMs    int64      `json:"missed_duration_ms,omitempty"`
	MissedDurationHuman string     `json:"missed_duration_human,omitempty"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	ExpectedIntervalMs  int64      `json:"expected_interval_ms"`
}

// Guard persists per-task last-run timestamps through a state store.
type Guard struct {
	mu     sync.Mutex
	store  statestore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a catch-up guard backed by the given store.
func NewGuard(store statestore.Store, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logger, now: time.Now}
}

type runState struct {
	LastRuns map[string]time.Time `json:"last_runs"`
}

// ShouldCatchUp reports whether the task missed its expected cadence.
// The first-ever run of a task is never a catch-up, and corrupted
// state is treated as absent by the store.
func (g *Guard) ShouldCatchUp(taskName string, expectedInterval time.Duration) (CheckResult, error) {
	if taskName == "" {
		return CheckResult{}, fmt.Errorf("task name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	result := CheckResult{
		TaskName:           taskName,
		ExpectedIntervalMs: expectedInterval.Milliseconds(),
	}

	var state runState
	found, err := g.store.Load(stateName, &state)
	if err != nil {
		return result, fmt.Errorf("load cron state: %w", err)
	}
	if !found || state.LastRuns == nil {
		g.logger.Info("No prior run recorded, skipping catch-up check", "task", taskName)
		return result, nil
	}

	lastRun, ok := state.LastRuns[taskName]
	if !ok {
		g.logger.Info("First run for task, skipping catch-up check", "task", taskName)
		return result, nil
	}

	result.LastRun = &lastRun
	elapsed := g.now().Sub(lastRun)

	if elapsed > missedFactor*expectedInterval {
		missed := elapsed - expectedInterval
		result.CatchupTriggered = true
		result.MissedDurationMs = missed.Milliseconds()
		result.MissedDurationHuman = missed.Round(time.Second).String()
		g.logger.Warn("Missed run window detected",
			"task", taskName,
			"last_run", lastRun,
			"elapsed", elapsed.Round(time.Second).String(),
			"expected_interval", expectedInterval.String())
	}

	return result, nil
}

// RecordRun advances the task's last-run timestamp. The read-modify-
// write is serialized under the guard mutex and the store's atomic
// replace keeps concurrent scheduled runs from tearing the file.
func (g *Guard) RecordRun(taskName string) error {
	if taskName == "" {
		return fmt.Errorf("task name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var state runState
	if _, err := g.store.Load(stateName, &state); err != nil {
		return fmt.Errorf("load cron state: %w", err)
	}
	if state.LastRuns == nil {
		state.LastRuns = make(map[string]time.Time)
	}

	state.LastRuns[taskName] = g.now().UTC()

	if err := g.store.Save(stateName, &state); err != nil {
		return fmt.Errorf("save cron state: %w", err)
	}
	return nil
}
