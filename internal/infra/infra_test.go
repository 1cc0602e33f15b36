package infra

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCatalog_BuiltinFallback(t *testing.T) {
	c := NewCatalog(filepath.Join(t.TempDir(), "missing"), false, testLogger())
	snapshot := c.GetSnapshot()
	require.NotEmpty(t, snapshot.Templates)

	byInstance := c.ByEntityType(model.EntityAWSInstance)
	assert.NotEmpty(t, byInstance)

	_, ok := c.Get("ec2-describe-instance")
	assert.True(t, ok)
}

func TestCatalog_LoadsYAMLDirectory(t *testing.T) {
	dir := t.TempDir()
	doc := `probes:
  - name: custom-instance-probe
    entity_type: aws_instance
    capability: aws:ec2:read
    description: custom
    command: ["mycli", "describe", "{value}"]
  - name: broken-probe
    entity_type: aws_instance
  - name: disabled-probe
    entity_type: aws_instance
    command: ["x"]
    disabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(doc), 0o644))

	c := NewCatalog(dir, false, testLogger())
	snapshot, err := c.LoadSnapshot()
	require.NoError(t, err)

	// Invalid and disabled templates are skipped; builtins are not
	// merged when a probes directory exists.
	require.Len(t, snapshot.Templates, 1)
	assert.Equal(t, "custom-instance-probe", snapshot.Templates[0].Name)
}

func TestTemplate_Render(t *testing.T) {
	template := Template{
		Name:       "x",
		EntityType: model.EntityAWSInstance,
		Command:    []string{"aws", "ec2", "describe-instances", "--instance-ids", "{value}"},
	}
	name, args := template.Render("i-0abc")
	assert.Equal(t, "aws", name)
	assert.Equal(t, []string{"ec2", "describe-instances", "--instance-ids", "i-0abc"}, args)
}

func TestCapabilities(t *testing.T) {
	caps := ParseCapabilities("aws:ec2:read, aws:s3:read ,")
	assert.True(t, caps.Has("aws:ec2:read"))
	assert.True(t, caps.Has("aws:s3:read"))
	assert.False(t, caps.Has("aws:iam:read"))
	assert.True(t, caps.Has("")) // templates without capability always run
}

func TestCLIRunner_ParsesJSONOutput(t *testing.T) {
	catalog := NewCatalog(filepath.Join(t.TempDir(), "missing"), false, testLogger())
	executor := &MockExecutor{Results: map[string]MockResult{
		"aws": {Stdout: []byte(`{"Reservations":[{"Instances":[{"State":{"Name":"running"}}]}]}`)},
	}}
	runner := NewCLIRunner(catalog, executor, 5*time.Second, testLogger())

	rows, err := runner.Run(context.Background(), "ec2-describe-instance", "i-0abc")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0], "Reservations")

	require.Equal(t, 1, executor.CallCount())
	assert.Contains(t, executor.Calls[0].Args, "i-0abc")
}

func TestCLIRunner_UnknownTemplate(t *testing.T) {
	catalog := NewCatalog(filepath.Join(t.TempDir(), "missing"), false, testLogger())
	runner := NewCLIRunner(catalog, &MockExecutor{}, 5*time.Second, testLogger())

	_, err := runner.Run(context.Background(), "no-such-template", "x")
	assert.Error(t, err)
}

func TestCLIRunner_SurfacesStderr(t *testing.T) {
	catalog := NewCatalog(filepath.Join(t.TempDir(), "missing"), false, testLogger())
	executor := &MockExecutor{Results: map[string]MockResult{
		"aws": {Stderr: []byte("AccessDenied: not authorized"), Err: errors.New("exit status 254")},
	}}
	runner := NewCLIRunner(catalog, executor, 5*time.Second, testLogger())

	_, err := runner.Run(context.Background(), "ec2-describe-instance", "i-0abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestParseRows(t *testing.T) {
	assert.Nil(t, ParseRows(nil))
	assert.Nil(t, ParseRows([]byte("  \n")))

	rows := ParseRows([]byte(`[{"a":1},{"a":2}]`))
	assert.Len(t, rows, 2)

	rows = ParseRows([]byte(`{"a":1}`))
	assert.Len(t, rows, 1)

	rows = ParseRows([]byte("plain text output"))
	require.Len(t, rows, 1)
	assert.Equal(t, "plain text output", rows[0]["output"])
}
