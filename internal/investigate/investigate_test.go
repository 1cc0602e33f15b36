package investigate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(t *testing.T, runner infra.QueryRunner, caps infra.Capabilities, client reasoning.Client) *Engine {
	t.Helper()
	logger := testLogger()
	catalog := infra.NewCatalog(filepath.Join(t.TempDir(), "missing"), false, logger)
	evidence := cache.NewMemory(logger)
	know := knowledge.NewStore(auditlog.NewMemLog(), logger)
	return New(catalog, runner, caps, evidence, know, client, logger)
}

func fullCaps() infra.Capabilities {
	return infra.ParseCapabilities("aws:ec2:read,aws:s3:read,aws:iam:read,dns:read")
}

func diagnosisResponse() string {
	return `{
		"root_cause": "instance stopped by autoscaling policy",
		"confidence": "medium",
		"impact": "single instance",
		"evidence_citations": ["ec2-describe-instance"],
		"status": "NEEDS-ESCALATION",
		"status_reason": "stop was policy-driven, a human should confirm"
	}`
}

func TestInvestigate_RunsProbesForExtractedEntities(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Default = []map[string]interface{}{{"State": "stopped"}}
	client := &reasoning.MockClient{Responses: []string{diagnosisResponse()}}

	engine := testEngine(t, runner, fullCaps(), client)
	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a is unreachable", "PD-7")
	require.NoError(t, err)

	require.Len(t, inv.Entities, 1)
	assert.Equal(t, model.EntityAWSInstance, inv.Entities[0].Type)
	assert.NotEmpty(t, inv.Evidence)
	assert.Empty(t, inv.FailedProbes)
	require.NotNil(t, inv.Diagnosis)
	assert.Equal(t, model.StatusNeedsEscalation, inv.Diagnosis.Status)
	assert.Equal(t, []string{"ec2-describe-instance"}, inv.Diagnosis.EvidenceCitations)
}

func TestInvestigate_ProbeFailureIsRecordedNotFatal(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Errs["ec2-describe-instance|i-0abc123def456789a"] = errors.New("AccessDenied")
	runner.Default = []map[string]interface{}{{"ok": true}}
	client := &reasoning.MockClient{Responses: []string{diagnosisResponse()}}

	engine := testEngine(t, runner, fullCaps(), client)
	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a is unreachable", "PD-8")
	require.NoError(t, err)

	require.NotEmpty(t, inv.FailedProbes)
	found := false
	for _, probe := range inv.FailedProbes {
		if probe.ProbeName == "ec2-describe-instance" {
			found = true
			assert.Contains(t, probe.Error, "AccessDenied")
		}
	}
	assert.True(t, found)
}

func TestInvestigate_MissingCapabilityBecomesCredentialGap(t *testing.T) {
	runner := infra.NewMockRunner()
	client := &reasoning.MockClient{Responses: []string{diagnosisResponse()}}

	// No aws:ec2:read, so every EC2 probe is gated off.
	engine := testEngine(t, runner, infra.ParseCapabilities("dns:read"), client)
	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a is unreachable", "PD-9")
	require.NoError(t, err)

	require.NotEmpty(t, inv.NeedsCredential)
	assert.Equal(t, "aws:ec2:read", inv.NeedsCredential[0].Capability)
	assert.Zero(t, runner.CallCount())
}

func TestInvestigate_UnknownEntityTypeBecomesCredentialGap(t *testing.T) {
	runner := infra.NewMockRunner()
	client := &reasoning.MockClient{Responses: []string{diagnosisResponse()}}

	// Builtin catalog has no template for CVE identifiers.
	engine := testEngine(t, runner, fullCaps(), client)
	inv, err := engine.Investigate(context.Background(),
		"jira", "tracking CVE-2024-12345 remediation", "OPS-1")
	require.NoError(t, err)

	require.NotEmpty(t, inv.NeedsCredential)
	assert.Equal(t, model.EntityCVE, inv.NeedsCredential[0].EntityType)
}

func TestInvestigate_FabricatedCitationsAreStripped(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Default = []map[string]interface{}{{"ok": true}}
	client := &reasoning.MockClient{Responses: []string{`{
		"root_cause": "x",
		"confidence": "high",
		"impact": "y",
		"evidence_citations": ["ec2-describe-instance", "made-up-probe"],
		"status": "INFO-ONLY",
		"status_reason": "z"
	}`}}

	engine := testEngine(t, runner, fullCaps(), client)
	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a flapping", "PD-10")
	require.NoError(t, err)

	require.NotNil(t, inv.Diagnosis)
	assert.Equal(t, []string{"ec2-describe-instance"}, inv.Diagnosis.EvidenceCitations)
	assert.Equal(t, "low", inv.Diagnosis.Confidence)
}

func TestInvestigate_ReasoningFailureEscalates(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Default = []map[string]interface{}{{"ok": true}}
	client := &reasoning.MockClient{Err: errors.New("connection refused")}

	engine := testEngine(t, runner, fullCaps(), client)
	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a down", "PD-11")
	require.NoError(t, err)

	require.NotNil(t, inv.Diagnosis)
	assert.Equal(t, "unknown", inv.Diagnosis.RootCause)
	assert.Equal(t, model.StatusNeedsEscalation, inv.Diagnosis.Status)
}

func TestInvestigate_RelatedItemsFromCache(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Default = []map[string]interface{}{{"ok": true}}
	client := &reasoning.MockClient{Responses: []string{diagnosisResponse()}}

	engine := testEngine(t, runner, fullCaps(), client)
	_, err := engine.evidence.Store("jira", "ticket", "OPS-55",
		"instance i-0abc123def456789a patching", "scheduled maintenance for i-0abc123def456789a", nil)
	require.NoError(t, err)

	inv, err := engine.Investigate(context.Background(),
		"pagerduty", "instance i-0abc123def456789a is unreachable", "PD-12")
	require.NoError(t, err)

	require.NotEmpty(t, inv.RelatedItems)
	assert.Equal(t, "jira:ticket:OPS-55", inv.RelatedItems[0].ID)
}
