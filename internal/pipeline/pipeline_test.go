package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/classify"
	"github.com/sgerhart/triageflux/internal/feedback"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/investigate"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/metrics"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/notify"
	"github.com/sgerhart/triageflux/internal/playbook"
	"github.com/sgerhart/triageflux/internal/reasoning"
	"github.com/sgerhart/triageflux/internal/statestore"
	"github.com/sgerhart/triageflux/internal/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	pipeline *Pipeline
	client   *reasoning.MockClient
	runner   *infra.MockRunner
	executor *infra.MockExecutor
}

// newFixture wires a pipeline with in-memory stores and scripted
// reasoning responses: first the classification, then a diagnosis per
// investigated event.
func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	logger := testLogger()

	client := &reasoning.MockClient{Responses: responses}
	runner := infra.NewMockRunner()
	runner.Default = []map[string]interface{}{{"State": "running"}}
	executor := &infra.MockExecutor{}

	catalog := infra.NewCatalog(filepath.Join(t.TempDir(), "missing"), false, logger)
	evidence := cache.NewMemory(logger)
	know := knowledge.NewStore(auditlog.NewMemLog(), logger)
	caps := infra.ParseCapabilities("aws:ec2:read,aws:s3:read,aws:iam:read,dns:read")

	engine := investigate.New(catalog, runner, caps, evidence, know, client, logger)
	registry := playbook.NewRegistry(executor, auditlog.NewMemLog(), logger)
	verifier := verify.New(runner, client, auditlog.NewMemLog(), logger)
	loop := feedback.NewLoop(auditlog.NewMemLog(), statestore.NewMemStore(), logger)

	p := New(Options{
		Classifier: classify.New(client, logger),
		Engine:     engine,
		Playbooks:  registry,
		Verifier:   verifier,
		Notifier:   notify.New("", nil, logger),
		Evidence:   evidence,
		Feedback:   loop,
		Metrics:    metrics.New(),
		Logger:     logger,
		DedupeCap:  16,
		DedupeTTL:  time.Minute,
	})
	return &fixture{pipeline: p, client: client, runner: runner, executor: executor}
}

func testEvent(itemID, content string) model.Event {
	return model.Event{
		Source:    "pagerduty",
		EventType: "alert",
		ItemID:    itemID,
		Content:   content,
		Timestamp: time.Now(),
	}
}

const notifyClassification = `{"action":"NOTIFY","urgency":"high","summary":"instance down","reasoning":"r"}`
const autoClassification = `{"action":"AUTO","urgency":"low","summary":"routine","reasoning":"r"}`
const escalationDiagnosis = `{"root_cause":"instance stopped","confidence":"medium","impact":"one host","evidence_citations":["ec2-describe-instance"],"status":"NEEDS-ESCALATION","status_reason":"human should confirm"}`

func TestProcess_AutoShortCircuitsInvestigation(t *testing.T) {
	f := newFixture(t, autoClassification)

	result, err := f.pipeline.Process(context.Background(), testEvent("PD-1", "routine digest email"))
	require.NoError(t, err)

	assert.Equal(t, model.ActionAuto, result.Classification.Action)
	assert.Nil(t, result.Investigation)
	assert.Zero(t, f.runner.CallCount())
}

func TestProcess_InvestigatesNonAutoEvents(t *testing.T) {
	f := newFixture(t, notifyClassification, escalationDiagnosis)

	result, err := f.pipeline.Process(context.Background(),
		testEvent("PD-2", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	require.NotNil(t, result.Investigation)
	assert.NotZero(t, f.runner.CallCount())

	stored, ok := f.pipeline.Investigation("PD-2")
	require.True(t, ok)
	assert.Equal(t, "PD-2", stored.ItemID)
}

func TestProcess_DedupesRepeatedEvents(t *testing.T) {
	f := newFixture(t, notifyClassification, escalationDiagnosis)
	event := testEvent("PD-3", "instance i-0abc123def456789a unreachable")

	first, err := f.pipeline.Process(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := f.pipeline.Process(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Nil(t, second.Classification)
}

func TestProcess_ChangedContentIsNotADuplicate(t *testing.T) {
	f := newFixture(t,
		autoClassification, autoClassification)

	first, err := f.pipeline.Process(context.Background(), testEvent("PD-4", "body one"))
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := f.pipeline.Process(context.Background(), testEvent("PD-4", "body two"))
	require.NoError(t, err)
	assert.False(t, second.Deduped)
}

func TestProcess_RejectsEventWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Process(context.Background(), model.Event{Content: "x"})
	assert.Error(t, err)
}

func TestApprove_ExecutesAndVerifies(t *testing.T) {
	verdict := `{"verified":true,"confidence":"high","summary":"resolved","recommendation":"close"}`
	f := newFixture(t, notifyClassification, escalationDiagnosis, verdict)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-5", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	result, err := f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:     "PD-5",
		Playbook:   "isolate-instance",
		Resource:   "i-0abc123def456789a",
		ApprovalID: "APPROVAL-9",
		Params:     map[string]string{"quarantine_sg": "sg-quarantine"},
	})
	require.NoError(t, err)

	require.NotNil(t, result.Execution)
	assert.True(t, result.Execution.Success)
	require.NotNil(t, result.Verification)
	assert.True(t, result.Verification.Verified)
}

func TestApprove_UnknownItemRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:     "nope",
		Playbook:   "isolate-instance",
		Resource:   "i-0abc",
		ApprovalID: "APPROVAL-1",
	})
	assert.Error(t, err)
}

func TestApprove_BlankApprovalStillRejected(t *testing.T) {
	f := newFixture(t, notifyClassification, escalationDiagnosis)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-6", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	_, err = f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:   "PD-6",
		Playbook: "isolate-instance",
		Resource: "i-0abc123def456789a",
		Params:   map[string]string{"quarantine_sg": "sg-q"},
	})
	require.Error(t, err)
	assert.Zero(t, f.executor.CallCount())
}

func TestReverify_UsesLatestExecution(t *testing.T) {
	verdict := `{"verified":true,"confidence":"high","summary":"resolved","recommendation":"close"}`
	reverdict := `{"verified":true,"confidence":"high","summary":"still resolved","recommendation":"close"}`
	f := newFixture(t, notifyClassification, escalationDiagnosis, verdict, reverdict)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-8", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	_, err = f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:     "PD-8",
		Playbook:   "isolate-instance",
		Resource:   "i-0abc123def456789a",
		ApprovalID: "APPROVAL-3",
		Params:     map[string]string{"quarantine_sg": "sg-q"},
	})
	require.NoError(t, err)

	verification, err := f.pipeline.Reverify(context.Background(), "PD-8", "")
	require.NoError(t, err)
	assert.True(t, verification.Verified)
	assert.Equal(t, "still resolved", verification.Summary)
}

func TestReverify_IgnoresOtherItemsExecutions(t *testing.T) {
	verdict := `{"verified":true,"confidence":"high","summary":"resolved","recommendation":"close"}`
	reverdict := `{"verified":true,"confidence":"high","summary":"still resolved","recommendation":"close"}`
	f := newFixture(t,
		notifyClassification, escalationDiagnosis,
		notifyClassification, escalationDiagnosis,
		verdict, reverdict)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-10", "instance i-0aaa1111aaaa1111a unreachable"))
	require.NoError(t, err)
	_, err = f.pipeline.Process(context.Background(),
		testEvent("PD-11", "instance i-0bbb2222bbbb2222b unreachable"))
	require.NoError(t, err)

	_, err = f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:     "PD-11",
		Playbook:   "isolate-instance",
		Resource:   "i-0bbb2222bbbb2222b",
		ApprovalID: "APPROVAL-4",
		Params:     map[string]string{"quarantine_sg": "sg-q"},
	})
	require.NoError(t, err)

	// The only recorded execution targeted PD-11's instance, so PD-10
	// has nothing to verify against.
	_, err = f.pipeline.Reverify(context.Background(), "PD-10", "")
	assert.Error(t, err)

	verification, err := f.pipeline.Reverify(context.Background(), "PD-11", "")
	require.NoError(t, err)
	assert.True(t, verification.Verified)
	assert.Equal(t, "still resolved", verification.Summary)
}

func TestReverify_NoExecutionOnRecord(t *testing.T) {
	f := newFixture(t, notifyClassification, escalationDiagnosis)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-9", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	_, err = f.pipeline.Reverify(context.Background(), "PD-9", "")
	assert.Error(t, err)
}

func TestApprove_DryRunSkipsVerification(t *testing.T) {
	f := newFixture(t, notifyClassification, escalationDiagnosis)

	_, err := f.pipeline.Process(context.Background(),
		testEvent("PD-7", "instance i-0abc123def456789a unreachable"))
	require.NoError(t, err)

	result, err := f.pipeline.Approve(context.Background(), ApprovalRequest{
		ItemID:     "PD-7",
		Playbook:   "isolate-instance",
		Resource:   "i-0abc123def456789a",
		ApprovalID: "APPROVAL-2",
		DryRun:     true,
		Params:     map[string]string{"quarantine_sg": "sg-q"},
	})
	require.NoError(t, err)
	assert.True(t, result.Execution.DryRun)
	assert.Nil(t, result.Verification)
}
