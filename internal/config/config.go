// Package config loads the service configuration from the environment
// and keeps the tunable subset current through config.changed bus
// messages.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration. Fields under Tunables can
// change at runtime; everything else is fixed at startup.
type Config struct {
	HTTPAddr string
	NATSURL  string

	DataDir   string
	CachePath string

	ProbesDir       string
	ProbesHotReload bool
	Capabilities    string

	ReasoningBaseURL string
	ReasoningAPIKey  string
	ReasoningModel   string

	WebhookURL string

	Tunables Tunables
}

// Tunables is the runtime-adjustable subset.
type Tunables struct {
	ProbeTimeoutSeconds  int
	MinCoOccurrences     int
	LookbackDays         int
	TrendThresholdPct    float64
	TrendAlertOnIncrease bool
	DedupeCap            int
	DedupeTTLSeconds     int
	CacheMaxSizeMB       int
	KnowledgeMaxAgeDays  int
	LastUpdated          time.Time
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		HTTPAddr: getEnv("TRIAGE_HTTP_ADDR", ":8080"),
		NATSURL:  getEnv("TRIAGE_NATS_URL", ""),

		DataDir:   getEnv("TRIAGE_DATA_DIR", "./data"),
		CachePath: getEnv("TRIAGE_CACHE_PATH", "./data/cache.db"),

		ProbesDir:       getEnv("TRIAGE_PROBES_DIR", "./probes.d"),
		ProbesHotReload: getEnvBool("TRIAGE_PROBES_HOT_RELOAD", false),
		Capabilities:    getEnv("TRIAGE_CAPABILITIES", ""),

		ReasoningBaseURL: getEnv("TRIAGE_REASONING_BASE_URL", ""),
		ReasoningAPIKey:  getEnv("TRIAGE_REASONING_API_KEY", ""),
		ReasoningModel:   getEnv("TRIAGE_REASONING_MODEL", ""),

		WebhookURL: getEnv("TRIAGE_WEBHOOK_URL", ""),

		Tunables: Tunables{
			ProbeTimeoutSeconds:  getEnvInt("TRIAGE_PROBE_TIMEOUT_SECONDS", 30),
			MinCoOccurrences:     getEnvInt("TRIAGE_MIN_CO_OCCURRENCES", 2),
			LookbackDays:         getEnvInt("TRIAGE_LOOKBACK_DAYS", 30),
			TrendThresholdPct:    getEnvFloat("TRIAGE_TREND_THRESHOLD_PCT", 20.0),
			TrendAlertOnIncrease: getEnvBool("TRIAGE_TREND_ALERT_ON_INCREASE", true),
			DedupeCap:            getEnvInt("TRIAGE_DEDUPE_CAP", 4096),
			DedupeTTLSeconds:     getEnvInt("TRIAGE_DEDUPE_TTL_SECONDS", 3600),
			CacheMaxSizeMB:       getEnvInt("TRIAGE_CACHE_MAX_SIZE_MB", 512),
			KnowledgeMaxAgeDays:  getEnvInt("TRIAGE_KNOWLEDGE_MAX_AGE_DAYS", 180),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
