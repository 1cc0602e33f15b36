package trend

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/model"
)

// Alert is one persisted trend alert.
type Alert struct {
	ID        string               `json:"id"`
	Metric    string               `json:"metric"`
	Trend     model.TrendDirection `json:"trend"`
	ChangePct float64              `json:"change_pct"`
	Threshold float64              `json:"threshold_pct"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// Alerter wraps the engine with threshold alerting. Fired alerts are
// appended to a persisted alert log.
type Alerter struct {
	engine   *Engine
	alertLog auditlog.Log
	logger   *slog.Logger
}

// NewAlerter creates an alerting wrapper around the engine.
func NewAlerter(engine *Engine, alertLog auditlog.Log, logger *slog.Logger) *Alerter {
	return &Alerter{engine: engine, alertLog: alertLog, logger: logger}
}

// CheckAndAlert analyzes the metric and fires an alert when the
// absolute change exceeds thresholdPct. Increasing trends alert only
// when alertOnIncrease is set; decreasing trends always qualify,
// whatever the flag says.
func (a *Alerter) CheckAndAlert(metric, periodType string, lookbackDays int, filter map[string]string, thresholdPct float64, alertOnIncrease bool) (*model.TrendResult, *Alert, error) {
	result, err := a.engine.Analyze(metric, periodType, lookbackDays, filter)
	if err != nil {
		return nil, nil, err
	}

	if !a.qualifies(result, thresholdPct, alertOnIncrease) {
		return result, nil, nil
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Metric:    metric,
		Trend:     result.Trend,
		ChangePct: result.ChangePct,
		Threshold: thresholdPct,
		Message:   fmt.Sprintf("trend alert: %s", result.Description),
		Timestamp: time.Now().UTC(),
	}

	if err := a.alertLog.Append(alert); err != nil {
		return result, nil, fmt.Errorf("persist trend alert: %w", err)
	}

	a.logger.Warn("Trend alert fired",
		"metric", metric,
		"trend", result.Trend,
		"change_pct", result.ChangePct,
		"threshold_pct", thresholdPct)
	return result, alert, nil
}

func (a *Alerter) qualifies(result *model.TrendResult, thresholdPct float64, alertOnIncrease bool) bool {
	switch result.Trend {
	case model.TrendIncreasing:
		if !alertOnIncrease {
			return false
		}
	case model.TrendDecreasing:
		// Always eligible.
	default:
		return false
	}

	change := result.ChangePct
	if change < 0 {
		change = -change
	}
	return change > thresholdPct
}
