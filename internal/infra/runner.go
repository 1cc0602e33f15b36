package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// QueryRunner executes one named probe template against one entity
// value and returns structured rows. Read-only by contract.
type QueryRunner interface {
	Run(ctx context.Context, templateName, entityValue string) ([]map[string]interface{}, error)
}

// Capabilities is the set of capability names the deployment can
// actually exercise. A template whose capability is missing is a
// credential gap, not an error.
type Capabilities map[string]bool

// ParseCapabilities reads a comma-separated capability list.
func ParseCapabilities(raw string) Capabilities {
	caps := make(Capabilities)
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			caps[c] = true
		}
	}
	return caps
}

// Has reports whether the capability is available. Templates with an
// empty capability are always runnable.
func (c Capabilities) Has(capability string) bool {
	if capability == "" {
		return true
	}
	return c[capability]
}

// CLIRunner renders a template's argv and runs it through the injected
// executor, parsing stdout as JSON rows.
type CLIRunner struct {
	catalog  *Catalog
	executor CommandExecutor
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCLIRunner creates a runner with a per-probe timeout.
func NewCLIRunner(catalog *Catalog, executor CommandExecutor, timeout time.Duration, logger *slog.Logger) *CLIRunner {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CLIRunner{catalog: catalog, executor: executor, timeout: timeout, logger: logger}
}

// Run implements QueryRunner.
func (r *CLIRunner) Run(ctx context.Context, templateName, entityValue string) ([]map[string]interface{}, error) {
	template, ok := r.catalog.Get(templateName)
	if !ok {
		return nil, fmt.Errorf("unknown probe template %q", templateName)
	}

	name, args := template.Render(entityValue)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	stdout, stderr, err := r.executor.Execute(ctx, name, args)
	elapsed := time.Since(started)

	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = err.Error()
		}
		r.logger.Debug("Probe command failed",
			"template", templateName, "entity", entityValue, "elapsed", elapsed, "error", detail)
		return nil, fmt.Errorf("probe %q: %s", templateName, detail)
	}

	r.logger.Debug("Probe command completed",
		"template", templateName, "entity", entityValue, "elapsed", elapsed)
	return ParseRows(stdout), nil
}

// ParseRows converts command output into structured rows. JSON arrays
// become one row per element, JSON objects one row, anything else a
// single row carrying the raw text.
func ParseRows(output []byte) []map[string]interface{} {
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return nil
	}

	var asArray []map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &asArray); err == nil {
		return asArray
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &asObject); err == nil {
		return []map[string]interface{}{asObject}
	}

	return []map[string]interface{}{{"output": trimmed}}
}

// MockRunner is a scripted query runner double keyed by
// templateName|entityValue, with a fallback default.
type MockRunner struct {
	mu      sync.Mutex
	Rows    map[string][]map[string]interface{}
	Errs    map[string]error
	Default []map[string]interface{}
	Calls   []string
}

// NewMockRunner creates an empty mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		Rows: make(map[string][]map[string]interface{}),
		Errs: make(map[string]error),
	}
}

// Key builds the scripting key for one probe invocation.
func (m *MockRunner) Key(templateName, entityValue string) string {
	return templateName + "|" + entityValue
}

// Run implements QueryRunner.
func (m *MockRunner) Run(ctx context.Context, templateName, entityValue string) ([]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.Key(templateName, entityValue)
	m.Calls = append(m.Calls, key)

	if err, ok := m.Errs[key]; ok {
		return nil, err
	}
	if rows, ok := m.Rows[key]; ok {
		return rows, nil
	}
	return m.Default, nil
}

// CallCount returns how many probes ran.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
