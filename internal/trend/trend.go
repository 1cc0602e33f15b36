// Package trend buckets event-log records by time period and
// classifies whether a metric is getting worse.
package trend

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sgerhart/triageflux/internal/logstream"
	"github.com/sgerhart/triageflux/internal/model"
)

// Minimum relative change between window halves before a trend is
// called anything but stable.
const changeThresholdPct = 20.0

// Engine analyzes one metric stream at a time.
type Engine struct {
	reader *logstream.Reader
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a trend engine over the given streams.
func NewEngine(reader *logstream.Reader, logger *slog.Logger) *Engine {
	return &Engine{reader: reader, logger: logger, now: time.Now}
}

// Analyze buckets the records of the metric's stream into day, week or
// month periods over the lookback window. Records match when every
// filter key equals the record's field value. Fewer than three
// non-empty buckets yields insufficient_data.
func (e *Engine) Analyze(metric, periodType string, lookbackDays int, filter map[string]string) (*model.TrendResult, error) {
	if periodType != "day" && periodType != "week" && periodType != "month" {
		return nil, fmt.Errorf("unknown period type %q", periodType)
	}

	since := e.now().AddDate(0, 0, -lookbackDays)
	records, err := e.reader.Read(metric, since)
	if err != nil {
		return nil, fmt.Errorf("read metric stream %q: %w", metric, err)
	}

	counts := make(map[string]int)
	for _, record := range records {
		if !matches(record, filter) {
			continue
		}
		counts[bucketKey(record.Timestamp, periodType)]++
	}

	periods := make([]string, 0, len(counts))
	for p := range counts {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	buckets := make([]model.TrendBucket, 0, len(periods))
	for _, p := range periods {
		buckets = append(buckets, model.TrendBucket{Period: p, Count: counts[p]})
	}

	result := &model.TrendResult{
		Metric:     metric,
		PeriodType: periodType,
		Buckets:    buckets,
	}

	if len(buckets) < 3 {
		result.Trend = model.TrendInsufficientData
		result.Description = fmt.Sprintf("only %d non-empty %s buckets in the last %d days, need at least 3",
			len(buckets), periodType, lookbackDays)
		return result, nil
	}

	bucketCounts := make([]int, len(buckets))
	for i, b := range buckets {
		bucketCounts[i] = b.Count
	}
	result.Trend, result.ChangePct = Direction(bucketCounts)
	result.Description = describe(metric, result.Trend, result.ChangePct, len(buckets), periodType)
	return result, nil
}

// Direction compares the mean of the first half of the counts against
// the mean of the second half. A change beyond +/-20% is a trend.
func Direction(counts []int) (model.TrendDirection, float64) {
	if len(counts) < 3 {
		return model.TrendInsufficientData, 0
	}

	mid := len(counts) / 2
	firstMean := mean(counts[:mid])
	secondMean := mean(counts[mid:])

	var changePct float64
	switch {
	case firstMean == 0 && secondMean == 0:
		changePct = 0
	case firstMean == 0:
		changePct = 100
	default:
		changePct = (secondMean - firstMean) / firstMean * 100
	}

	switch {
	case changePct > changeThresholdPct:
		return model.TrendIncreasing, changePct
	case changePct < -changeThresholdPct:
		return model.TrendDecreasing, changePct
	default:
		return model.TrendStable, changePct
	}
}

func mean(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	return float64(sum) / float64(len(counts))
}

func matches(record logstream.Record, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := record.Fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func bucketKey(ts time.Time, periodType string) string {
	switch periodType {
	case "day":
		return ts.Format("2006-01-02")
	case "week":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default: // month
		return ts.Format("2006-01")
	}
}

func describe(metric string, trend model.TrendDirection, changePct float64, buckets int, periodType string) string {
	switch trend {
	case model.TrendIncreasing:
		return fmt.Sprintf("%s is increasing: second half of the window averages %.0f%% above the first across %d %s buckets",
			metric, changePct, buckets, periodType)
	case model.TrendDecreasing:
		return fmt.Sprintf("%s is decreasing: second half of the window averages %.0f%% below the first across %d %s buckets",
			metric, -changePct, buckets, periodType)
	default:
		return fmt.Sprintf("%s is stable (%.0f%% change) across %d %s buckets", metric, changePct, buckets, periodType)
	}
}
