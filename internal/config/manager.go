package config

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConfigChanged carries single-key tunable updates.
const SubjectConfigChanged = "config.changed"

// ChangeMessage is one configuration change from the bus.
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// Manager holds the live tunables and applies config.changed messages
// as they arrive.
type Manager struct {
	mu          sync.RWMutex
	tunables    Tunables
	logger      *slog.Logger
	subscribers []func(Tunables)
}

// NewManager seeds the manager with the startup tunables.
func NewManager(initial Tunables, logger *slog.Logger) *Manager {
	return &Manager{tunables: initial, logger: logger}
}

// Tunables returns a copy of the current tunables.
func (m *Manager) Tunables() Tunables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tunables
}

// Subscribe registers a callback invoked after every applied change.
func (m *Manager) Subscribe(callback func(Tunables)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// Listen subscribes to config.changed on the bus. A nil conn is a
// no-op so deployments without NATS keep working.
func (m *Manager) Listen(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}
	_, err := nc.Subscribe(SubjectConfigChanged, func(msg *nats.Msg) {
		m.HandleChange(msg.Data)
	})
	if err != nil {
		return err
	}
	m.logger.Info("Subscribed to config changes", "subject", SubjectConfigChanged)
	return nil
}

// HandleChange applies one raw change message. Unknown keys are
// ignored.
func (m *Manager) HandleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change", "error", err)
		return
	}

	m.mu.Lock()
	updated := m.tunables
	if !applyChange(&updated, change, m.logger) {
		m.mu.Unlock()
		return
	}
	updated.LastUpdated = time.Unix(change.Timestamp, 0)
	m.tunables = updated
	subscribers := make([]func(Tunables), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key, "updated_by", change.UpdatedBy)

	for _, callback := range subscribers {
		go func(cb func(Tunables)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber", "panic", r)
				}
			}()
			cb(updated)
		}(callback)
	}
}

func applyChange(t *Tunables, change ChangeMessage, logger *slog.Logger) bool {
	switch change.Key {
	case "triage.probe_timeout_seconds":
		return setInt(&t.ProbeTimeoutSeconds, change.Value)
	case "triage.min_co_occurrences":
		return setInt(&t.MinCoOccurrences, change.Value)
	case "triage.lookback_days":
		return setInt(&t.LookbackDays, change.Value)
	case "triage.trend_threshold_pct":
		return setFloat(&t.TrendThresholdPct, change.Value)
	case "triage.trend_alert_on_increase":
		return setBool(&t.TrendAlertOnIncrease, change.Value)
	case "triage.dedupe_cap":
		return setInt(&t.DedupeCap, change.Value)
	case "triage.dedupe_ttl_seconds":
		return setInt(&t.DedupeTTLSeconds, change.Value)
	case "triage.cache_max_size_mb":
		return setInt(&t.CacheMaxSizeMB, change.Value)
	case "triage.knowledge_max_age_days":
		return setInt(&t.KnowledgeMaxAgeDays, change.Value)
	default:
		logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		return false
	}
}

// The setters accept the native JSON type or its string form, since
// operators publish both.
func setInt(dst *int, raw json.RawMessage) bool {
	var v int
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.Atoi(asString(raw)); err == nil {
		*dst = v
		return true
	}
	return false
}

func setFloat(dst *float64, raw json.RawMessage) bool {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.ParseFloat(asString(raw), 64); err == nil {
		*dst = v
		return true
	}
	return false
}

func setBool(dst *bool, raw json.RawMessage) bool {
	var v bool
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.ParseBool(asString(raw)); err == nil {
		*dst = v
		return true
	}
	return false
}

func asString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
