package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

const diagnosisSchema = `{
	"type": "object",
	"required": ["root_cause", "confidence", "impact", "status", "status_reason"],
	"properties": {
		"root_cause": {"type": "string"},
		"confidence": {"type": "string", "enum": ["high", "medium", "low"]},
		"impact": {"type": "string"},
		"evidence_citations": {"type": "array", "items": {"type": "string"}},
		"status": {"type": "string", "enum": ["FIXABLE", "NEEDS-ESCALATION", "NEEDS-CREDENTIAL", "INFO-ONLY"]},
		"status_reason": {"type": "string"},
		"credential_gaps": {"type": "array", "items": {"type": "string"}},
		"proposed_fix": {
			"type": "object",
			"required": ["playbook", "resource", "summary"],
			"properties": {
				"playbook": {"type": "string"},
				"resource": {"type": "string"},
				"params": {"type": "object"},
				"summary": {"type": "string"}
			}
		}
	}
}`

// diagnose asks the reasoning service to synthesize the gathered
// evidence. If the service fails, the degraded diagnosis escalates to
// a human rather than guessing.
func (e *Engine) diagnose(ctx context.Context, inv *model.Investigation, edges []model.KnowledgeEntry) *model.Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, diagnosisTimeout)
	defer cancel()

	prompt := buildDiagnosisPrompt(inv, edges)

	var diagnosis model.Diagnosis
	if err := reasoning.CompleteJSON(ctx, e.client, prompt, diagnosisSchema, &diagnosis); err != nil {
		e.logger.Warn("Diagnosis failed, escalating",
			"item_id", inv.ItemID, "error", err)
		return fallbackDiagnosis(inv, err)
	}

	validateCitations(&diagnosis, inv, e.logger)
	return &diagnosis
}

// fallbackDiagnosis is used when no usable diagnosis came back. Raw
// evidence is still attached to the investigation for the human.
func fallbackDiagnosis(inv *model.Investigation, cause error) *model.Diagnosis {
	d := &model.Diagnosis{
		RootCause:    "unknown",
		Confidence:   "low",
		Impact:       "undetermined",
		Status:       model.StatusNeedsEscalation,
		StatusReason: fmt.Sprintf("diagnosis unavailable: %v", cause),
	}
	for _, gap := range inv.NeedsCredential {
		d.CredentialGaps = append(d.CredentialGaps, gap.Hint)
	}
	return d
}

// validateCitations drops any citation that does not name a probe that
// actually ran, and demotes confidence when it had to. A diagnosis
// whose citations were all fabricated keeps nothing.
func validateCitations(d *model.Diagnosis, inv *model.Investigation, logger *slog.Logger) {
	if len(d.EvidenceCitations) == 0 {
		return
	}

	ran := make(map[string]bool, len(inv.Probes))
	for _, name := range inv.Probes {
		ran[name] = true
	}

	var kept []string
	var dropped []string
	for _, citation := range d.EvidenceCitations {
		if citesRanProbe(citation, ran) {
			kept = append(kept, citation)
		} else {
			dropped = append(dropped, citation)
		}
	}

	if len(dropped) == 0 {
		return
	}

	d.EvidenceCitations = kept
	d.Confidence = "low"
	logger.Warn("Dropped citations naming probes that never ran",
		"item_id", inv.ItemID, "dropped", dropped)
}

func citesRanProbe(citation string, ran map[string]bool) bool {
	if ran[citation] {
		return true
	}
	for name := range ran {
		if strings.Contains(citation, name) {
			return true
		}
	}
	return false
}

func buildDiagnosisPrompt(inv *model.Investigation, edges []model.KnowledgeEntry) string {
	var b strings.Builder
	b.WriteString("You are diagnosing an infrastructure/security event from gathered evidence.\n\n")
	fmt.Fprintf(&b, "ITEM: %s (source %s)\n\n", inv.ItemID, inv.Source)

	if len(inv.Entities) > 0 {
		b.WriteString("ENTITIES:\n")
		for _, entity := range inv.Entities {
			fmt.Fprintf(&b, "- %s: %s\n", entity.Type, entity.Value)
		}
		b.WriteString("\n")
	}

	if len(inv.Evidence) > 0 {
		b.WriteString("PROBE RESULTS:\n")
		for _, probe := range inv.Evidence {
			data, _ := json.Marshal(probe.Data)
			fmt.Fprintf(&b, "- %s against %s: %s\n", probe.ProbeName, probe.Entity, truncate(string(data), 1500))
		}
		b.WriteString("\n")
	}

	if len(inv.FailedProbes) > 0 {
		b.WriteString("FAILED PROBES (no data available from these):\n")
		for _, probe := range inv.FailedProbes {
			fmt.Fprintf(&b, "- %s against %s: %s\n", probe.ProbeName, probe.Entity, probe.Error)
		}
		b.WriteString("\n")
	}

	if len(inv.NeedsCredential) > 0 {
		b.WriteString("CREDENTIAL GAPS (these resources could not be inspected):\n")
		for _, gap := range inv.NeedsCredential {
			fmt.Fprintf(&b, "- %s %s: %s\n", gap.EntityType, gap.Entity, gap.Hint)
		}
		b.WriteString("\n")
	}

	if len(inv.RelatedItems) > 0 {
		b.WriteString("RELATED ITEMS (other sources referencing the same entities):\n")
		for _, item := range inv.RelatedItems {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Source, item.ID, truncate(item.Title, 200))
		}
		b.WriteString("\n")
	}

	if len(edges) > 0 {
		b.WriteString("KNOWN RELATIONSHIPS:\n")
		for _, edge := range edges {
			fmt.Fprintf(&b, "- %s %s <-> %s %s (%s, confidence %.2f)\n",
				edge.EntityAType, edge.EntityAValue, edge.EntityBType, edge.EntityBValue,
				edge.Relationship, edge.Confidence)
		}
		b.WriteString("\n")
	}

	b.WriteString(`RULES:
- Cite only the probe names listed above under PROBE RESULTS. Never
  invent evidence or cite a probe that did not run.
- "unknown" is an acceptable root_cause; prefer it over speculation.
- status FIXABLE only when a proposed_fix names a resource the probes
  confirmed accessible. status NEEDS-CREDENTIAL when credential gaps
  block the diagnosis. status NEEDS-ESCALATION when a human must
  decide. status INFO-ONLY when nothing needs doing.
- proposed_fix.playbook must be one of: isolate-instance,
  revoke-sg-rule, snapshot-volume, disable-credential,
  quarantine-bucket.

Respond with a single JSON object:
`)
	b.WriteString(`{"root_cause": "...", "confidence": "high|medium|low", "impact": "...", "evidence_citations": ["probe-name"], "status": "FIXABLE|NEEDS-ESCALATION|NEEDS-CREDENTIAL|INFO-ONLY", "status_reason": "...", "proposed_fix": {"playbook": "...", "resource": "...", "params": {}, "summary": "..."}, "credential_gaps": ["..."]}`)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
