// Package feedback closes the triage loop: humans record how each
// classification held up, and Calibrate derives the accuracy snapshot
// the classifier reads back on its next run.
package feedback

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/statestore"
)

const calibrationDoc = "calibration"

// An action category below this accuracy gets a demote adjustment.
const demoteAccuracyPct = 70.0

// Rates above these generate textual recommendations.
const (
	overTriageWarnPct  = 30.0
	underTriageWarnPct = 10.0
)

// Loop records outcomes and computes calibration data.
type Loop struct {
	mu      sync.Mutex
	entries auditlog.Log
	state   statestore.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoop creates a feedback loop over the given entry log and state
// store. The entry log is append-only; the calibration snapshot is
// overwritten in place.
func NewLoop(entries auditlog.Log, state statestore.Store, logger *slog.Logger) *Loop {
	return &Loop{entries: entries, state: state, logger: logger, now: time.Now}
}

// Record appends one outcome observation.
func (l *Loop) Record(eventID string, originalAction model.TriageAction, originalUrgency model.Urgency, actualOutcome model.FeedbackOutcome, notes string) (*model.FeedbackEntry, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	switch actualOutcome {
	case model.OutcomeCorrect, model.OutcomeOverTriaged, model.OutcomeUnderTriaged, model.OutcomeMissed:
	default:
		return nil, fmt.Errorf("unknown outcome %q", actualOutcome)
	}

	entry := &model.FeedbackEntry{
		EventID:         eventID,
		OriginalAction:  originalAction,
		OriginalUrgency: originalUrgency,
		ActualOutcome:   actualOutcome,
		Notes:           notes,
		Timestamp:       l.now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.entries.Append(entry); err != nil {
		return nil, fmt.Errorf("append feedback entry: %w", err)
	}
	return entry, nil
}

// Recent returns the newest feedback entries up to limit, newest last.
func (l *Loop) Recent(limit int) ([]model.FeedbackEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Calibrate recomputes the calibration snapshot from every recorded
// entry and overwrites the persisted copy.
func (l *Loop) Calibrate() (*model.CalibrationData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	data := &model.CalibrationData{
		ByAction:    make(map[model.TriageAction]model.ActionStats),
		SampleSize:  len(all),
		LastUpdated: l.now().UTC(),
	}

	if len(all) == 0 {
		if err := l.state.Save(calibrationDoc, data); err != nil {
			return nil, fmt.Errorf("save calibration: %w", err)
		}
		return data, nil
	}

	var correct, over, under int
	for _, e := range all {
		stats := data.ByAction[e.OriginalAction]
		stats.Total++
		if e.ActualOutcome == model.OutcomeCorrect {
			stats.Correct++
			correct++
		}
		data.ByAction[e.OriginalAction] = stats

		switch e.ActualOutcome {
		case model.OutcomeOverTriaged:
			over++
		case model.OutcomeUnderTriaged, model.OutcomeMissed:
			under++
		}
	}

	total := float64(len(all))
	data.AccuracyRate = float64(correct) / total * 100
	data.OverTriageRate = float64(over) / total * 100
	data.UnderTriageRate = float64(under) / total * 100

	for action, stats := range data.ByAction {
		if stats.Total > 0 {
			stats.Accuracy = float64(stats.Correct) / float64(stats.Total) * 100
			data.ByAction[action] = stats
		}

		adjustment := model.ThresholdAdjustment{Action: action, Direction: "hold"}
		if stats.Accuracy < demoteAccuracyPct {
			adjustment.Direction = "demote"
			adjustment.Reason = fmt.Sprintf("%s accuracy %.1f%% is below the %.0f%% floor (%d of %d correct)",
				action, stats.Accuracy, demoteAccuracyPct, stats.Correct, stats.Total)
		} else {
			adjustment.Reason = fmt.Sprintf("%s accuracy %.1f%% is acceptable", action, stats.Accuracy)
		}
		data.ThresholdAdjustments = append(data.ThresholdAdjustments, adjustment)
	}
	sortAdjustments(data.ThresholdAdjustments)

	if data.OverTriageRate > overTriageWarnPct {
		data.Recommendations = append(data.Recommendations,
			fmt.Sprintf("over-triage rate %.1f%% exceeds %.0f%%: too many events escalated beyond their real urgency; bias classification toward QUEUE/AUTO",
				data.OverTriageRate, overTriageWarnPct))
	}
	if data.UnderTriageRate > underTriageWarnPct {
		data.Recommendations = append(data.Recommendations,
			fmt.Sprintf("under-triage rate %.1f%% exceeds %.0f%%: events needing attention were missed or queued; bias classification toward NOTIFY",
				data.UnderTriageRate, underTriageWarnPct))
	}

	if err := l.state.Save(calibrationDoc, data); err != nil {
		return nil, fmt.Errorf("save calibration: %w", err)
	}

	l.logger.Info("Calibration recomputed",
		"sample_size", data.SampleSize,
		"accuracy_rate", data.AccuracyRate,
		"over_triage_rate", data.OverTriageRate,
		"under_triage_rate", data.UnderTriageRate)
	return data, nil
}

// Load returns the last persisted calibration snapshot, or nil when
// none exists yet (including a corrupted one).
func (l *Loop) Load() (*model.CalibrationData, error) {
	var data model.CalibrationData
	found, err := l.state.Load(calibrationDoc, &data)
	if err != nil {
		return nil, fmt.Errorf("load calibration: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &data, nil
}

func (l *Loop) readAll() ([]model.FeedbackEntry, error) {
	raws, err := l.entries.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read feedback log: %w", err)
	}

	entries := make([]model.FeedbackEntry, 0, len(raws))
	for _, raw := range raws {
		var e model.FeedbackEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.logger.Debug("Skipping malformed feedback entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// sortAdjustments keeps threshold adjustments in a stable NOTIFY,
// QUEUE, AUTO order so consumers and tests see deterministic output.
func sortAdjustments(adjustments []model.ThresholdAdjustment) {
	rank := map[model.TriageAction]int{
		model.ActionNotify: 0,
		model.ActionQueue:  1,
		model.ActionAuto:   2,
	}
	for i := 0; i < len(adjustments); i++ {
		for j := i + 1; j < len(adjustments); j++ {
			if rank[adjustments[j].Action] < rank[adjustments[i].Action] {
				adjustments[i], adjustments[j] = adjustments[j], adjustments[i]
			}
		}
	}
}
