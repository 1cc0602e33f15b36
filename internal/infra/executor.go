// Package infra is the read-only infrastructure query surface. Probe
// templates are keyed by entity type and required capability; the
// executor abstraction keeps the core logic independent of any
// specific cloud CLI's argv shape.
package infra

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// CommandExecutor runs an external read-only command. Injected so
// tests and dry environments never shell out.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// ExecCommandExecutor shells out via os/exec.
type ExecCommandExecutor struct{}

// Execute implements CommandExecutor.
func (ExecCommandExecutor) Execute(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// MockExecutor is a scripted executor double. Results are keyed by
// command name; Calls records every invocation.
type MockExecutor struct {
	mu      sync.Mutex
	Results map[string]MockResult
	Calls   []MockCall
}

// MockResult is one scripted command outcome.
type MockResult struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// MockCall is one recorded invocation.
type MockCall struct {
	Name string
	Args []string
}

// Execute implements CommandExecutor.
func (m *MockExecutor) Execute(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Name: name, Args: append([]string(nil), args...)})
	if result, ok := m.Results[name]; ok {
		return result.Stdout, result.Stderr, result.Err
	}
	return []byte("{}"), nil, nil
}

// CallCount returns how many commands ran.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
