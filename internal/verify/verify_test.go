package verify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testInvestigation() *model.Investigation {
	return &model.Investigation{
		ItemID: "PD-7",
		Source: "pagerduty",
		Probes: []string{"ec2-describe-sg"},
		Evidence: []model.ProbeResult{{
			ProbeName:  "ec2-describe-sg",
			Entity:     "sg-0123",
			EntityType: model.EntityAWSSG,
			Success:    true,
			Data:       map[string]interface{}{"open_to_world": true},
		}},
	}
}

func testExecution(success bool) *model.PlaybookExecution {
	return &model.PlaybookExecution{
		ID:         "exec-1",
		Playbook:   "revoke-sg-rule",
		Resource:   "sg-0123",
		ApprovalID: "APPROVAL-1",
		Success:    success,
	}
}

func TestVerify_RerunsOriginalProbesOnly(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Rows["ec2-describe-sg|sg-0123"] = []map[string]interface{}{{"open_to_world": false}}
	client := &reasoning.MockClient{Responses: []string{
		`{"verified": true, "confidence": "high", "summary": "rule revoked", "recommendation": "close"}`,
	}}
	v := New(runner, client, auditlog.NewMemLog(), testLogger())

	result, err := v.Verify(context.Background(), testInvestigation(), testExecution(true))
	require.NoError(t, err)

	require.Len(t, result.BeforeAfter, 1)
	assert.True(t, result.BeforeAfter[0].Changed)
	assert.True(t, result.Verified)
	assert.Equal(t, "close", result.Recommendation)
	assert.Equal(t, []string{"ec2-describe-sg|sg-0123"}, runner.Calls)
}

func TestVerify_UnchangedOutputNotChanged(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Rows["ec2-describe-sg|sg-0123"] = []map[string]interface{}{{"open_to_world": true}}
	client := &reasoning.MockClient{Responses: []string{
		`{"verified": false, "confidence": "high", "summary": "rule still open", "recommendation": "retry"}`,
	}}
	v := New(runner, client, auditlog.NewMemLog(), testLogger())

	result, err := v.Verify(context.Background(), testInvestigation(), testExecution(true))
	require.NoError(t, err)
	assert.False(t, result.BeforeAfter[0].Changed)
	assert.False(t, result.Verified)
}

func TestVerify_HeuristicWhenReasoningDown(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Rows["ec2-describe-sg|sg-0123"] = []map[string]interface{}{{"open_to_world": false}}
	client := &reasoning.MockClient{Err: errors.New("connection refused")}
	v := New(runner, client, auditlog.NewMemLog(), testLogger())

	result, err := v.Verify(context.Background(), testInvestigation(), testExecution(true))
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "low", result.Confidence)
	assert.Equal(t, "close", result.Recommendation)
}

func TestVerify_HeuristicFailedExecutionEscalates(t *testing.T) {
	runner := infra.NewMockRunner()
	runner.Rows["ec2-describe-sg|sg-0123"] = []map[string]interface{}{{"open_to_world": false}}
	client := &reasoning.MockClient{Err: errors.New("connection refused")}
	v := New(runner, client, auditlog.NewMemLog(), testLogger())

	result, err := v.Verify(context.Background(), testInvestigation(), testExecution(false))
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "escalate", result.Recommendation)
}

func TestVerify_ProbeSuccessFlipCountsAsChange(t *testing.T) {
	inv := testInvestigation()
	inv.Evidence = nil
	inv.FailedProbes = []model.ProbeResult{{
		ProbeName:  "ec2-describe-sg",
		Entity:     "sg-0123",
		EntityType: model.EntityAWSSG,
		Success:    false,
		Error:      "AccessDenied",
	}}

	runner := infra.NewMockRunner()
	runner.Rows["ec2-describe-sg|sg-0123"] = []map[string]interface{}{{"open_to_world": false}}
	client := &reasoning.MockClient{Responses: []string{
		`{"verified": true, "confidence": "medium", "summary": "probe now succeeds", "recommendation": "close"}`,
	}}
	v := New(runner, client, auditlog.NewMemLog(), testLogger())

	result, err := v.Verify(context.Background(), inv, testExecution(true))
	require.NoError(t, err)
	require.Len(t, result.BeforeAfter, 1)
	assert.True(t, result.BeforeAfter[0].Changed)
}

func TestVerify_ResultIsAudited(t *testing.T) {
	runner := infra.NewMockRunner()
	client := &reasoning.MockClient{Responses: []string{
		`{"verified": false, "confidence": "low", "summary": "s", "recommendation": "escalate"}`,
	}}
	audit := auditlog.NewMemLog()
	v := New(runner, client, audit, testLogger())

	_, err := v.Verify(context.Background(), testInvestigation(), testExecution(true))
	require.NoError(t, err)

	raws, err := audit.ReadAll()
	require.NoError(t, err)
	assert.Len(t, raws, 1)
}
