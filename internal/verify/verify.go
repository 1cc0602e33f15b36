// Package verify re-runs an investigation's probes after a remediation
// and judges whether the observed state actually changed. It never
// extracts entities fresh: the probe set is exactly what the original
// investigation ran, so before and after are comparable.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

const verdictTimeout = 90 * time.Second

const verdictSchema = `{
	"type": "object",
	"required": ["verified", "confidence", "summary", "recommendation"],
	"properties": {
		"verified": {"type": "boolean"},
		"confidence": {"type": "string", "enum": ["high", "medium", "low"]},
		"summary": {"type": "string"},
		"recommendation": {"type": "string", "enum": ["close", "retry", "escalate"]}
	}
}`

type verdict struct {
	Verified       bool   `json:"verified"`
	Confidence     string `json:"confidence"`
	Summary        string `json:"summary"`
	Recommendation string `json:"recommendation"`
}

// Verifier compares pre- and post-remediation probe output.
type Verifier struct {
	runner infra.QueryRunner
	client reasoning.Client
	audit  auditlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// New creates a verifier. The audit log receives every verification
// result.
func New(runner infra.QueryRunner, client reasoning.Client, audit auditlog.Log, logger *slog.Logger) *Verifier {
	return &Verifier{runner: runner, client: client, audit: audit, logger: logger, now: time.Now}
}

// Verify re-runs the investigation's probes and produces a verdict on
// the execution. Probes that failed originally are re-run too; a probe
// that now succeeds is itself a state change worth seeing.
func (v *Verifier) Verify(ctx context.Context, inv *model.Investigation, execution *model.PlaybookExecution) (*model.VerificationResult, error) {
	if inv == nil {
		return nil, fmt.Errorf("verify: investigation is required")
	}
	if execution == nil {
		return nil, fmt.Errorf("verify: execution record is required")
	}

	befores := append(append([]model.ProbeResult{}, inv.Evidence...), inv.FailedProbes...)
	pairs := make([]model.BeforeAfter, 0, len(befores))
	anyChanged := false

	for _, before := range befores {
		after := v.rerun(ctx, before)
		changed := probeChanged(before, after)
		anyChanged = anyChanged || changed
		pairs = append(pairs, model.BeforeAfter{
			ProbeName: before.ProbeName,
			Entity:    before.Entity,
			Before:    before,
			After:     after,
			Changed:   changed,
		})
	}

	result := &model.VerificationResult{
		ItemID:      inv.ItemID,
		BeforeAfter: pairs,
		ApprovalID:  execution.ApprovalID,
		Timestamp:   v.now().UTC(),
	}

	vd, err := v.judge(ctx, inv, execution, pairs)
	if err != nil {
		v.logger.Warn("Verification verdict unavailable, using heuristic",
			"item_id", inv.ItemID, "error", err)
		vd = heuristicVerdict(execution, anyChanged)
	}
	result.Verified = vd.Verified
	result.Confidence = vd.Confidence
	result.Summary = vd.Summary
	result.Recommendation = vd.Recommendation

	if err := v.audit.Append(result); err != nil {
		v.logger.Error("Failed to write verification record",
			"item_id", inv.ItemID, "error", err)
	}

	v.logger.Info("Verification completed",
		"item_id", inv.ItemID,
		"probes", len(pairs),
		"verified", result.Verified,
		"recommendation", result.Recommendation)
	return result, nil
}

func (v *Verifier) rerun(ctx context.Context, before model.ProbeResult) model.ProbeResult {
	after := model.ProbeResult{
		ProbeName:  before.ProbeName,
		Entity:     before.Entity,
		EntityType: before.EntityType,
	}

	rows, err := v.runner.Run(ctx, before.ProbeName, before.Entity)
	if err != nil {
		after.Error = err.Error()
		return after
	}

	after.Success = true
	switch len(rows) {
	case 0:
		after.Data = map[string]interface{}{"rows": []interface{}{}, "row_count": 0}
	case 1:
		after.Data = rows[0]
	default:
		after.Data = map[string]interface{}{"rows": rows, "row_count": len(rows)}
	}
	return after
}

// probeChanged compares outcomes by serialized data. A success flip in
// either direction always counts as a change.
func probeChanged(before, after model.ProbeResult) bool {
	if before.Success != after.Success {
		return true
	}
	b, _ := json.Marshal(before.Data)
	a, _ := json.Marshal(after.Data)
	return !bytes.Equal(b, a)
}

func (v *Verifier) judge(ctx context.Context, inv *model.Investigation, execution *model.PlaybookExecution, pairs []model.BeforeAfter) (verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, verdictTimeout)
	defer cancel()

	var vd verdict
	err := reasoning.CompleteJSON(ctx, v.client, buildVerdictPrompt(inv, execution, pairs), verdictSchema, &vd)
	return vd, err
}

// heuristicVerdict is the degraded path when the reasoning service is
// unavailable: state change plus a successful execution reads as
// verified, but only at low confidence.
func heuristicVerdict(execution *model.PlaybookExecution, anyChanged bool) verdict {
	verified := anyChanged && execution.Success
	recommendation := "escalate"
	summary := "verdict unavailable; no probe output changed after execution"
	if verified {
		recommendation = "close"
		summary = "verdict unavailable; probe output changed after a successful execution"
	}
	return verdict{
		Verified:       verified,
		Confidence:     "low",
		Summary:        summary,
		Recommendation: recommendation,
	}
}

func buildVerdictPrompt(inv *model.Investigation, execution *model.PlaybookExecution, pairs []model.BeforeAfter) string {
	var b strings.Builder
	b.WriteString("You are verifying whether a remediation worked, from before/after probe output.\n\n")
	fmt.Fprintf(&b, "ITEM: %s\n", inv.ItemID)
	fmt.Fprintf(&b, "PLAYBOOK: %s against %s (success=%t, dry_run=%t)\n\n",
		execution.Playbook, execution.Resource, execution.Success, execution.DryRun)

	if inv.Diagnosis != nil {
		fmt.Fprintf(&b, "ORIGINAL DIAGNOSIS: %s\n\n", inv.Diagnosis.RootCause)
	}

	b.WriteString("PROBES:\n")
	for _, pair := range pairs {
		before, _ := json.Marshal(pair.Before.Data)
		after, _ := json.Marshal(pair.After.Data)
		fmt.Fprintf(&b, "- %s against %s (changed=%t)\n  before: %s\n  after: %s\n",
			pair.ProbeName, pair.Entity, pair.Changed,
			clip(string(before), 800), clip(string(after), 800))
	}

	b.WriteString(`
RULES:
- verified=true only when the after state shows the diagnosed problem
  is resolved. Unchanged output means the remediation did not take.
- recommendation: close when resolved, retry when the execution looks
  repeatable, escalate when a human must look.

Respond with a single JSON object:
`)
	b.WriteString(`{"verified": true, "confidence": "high|medium|low", "summary": "...", "recommendation": "close|retry|escalate"}`)
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
