// Package classify maps a raw event to a triage decision through the
// reasoning service, biased by whatever calibration data the feedback
// loop has produced. Classification never fails past this boundary:
// any reasoning problem degrades to a QUEUE/medium decision flagged
// for manual review.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sgerhart/triageflux/internal/entities"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

const classifyTimeout = 30 * time.Second

const maxContentInPrompt = 2000

// decisionSchema is the structured shape the reasoning service must
// return.
const decisionSchema = `{
	"type": "object",
	"required": ["action", "urgency", "summary", "reasoning"],
	"properties": {
		"action": {"type": "string", "enum": ["NOTIFY", "QUEUE", "AUTO"]},
		"urgency": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
		"summary": {"type": "string"},
		"reasoning": {"type": "string"},
		"domain": {"type": "string"}
	}
}`

// Classifier delegates triage decisions to the reasoning service.
type Classifier struct {
	client reasoning.Client
	logger *slog.Logger
}

// New creates a classifier.
func New(client reasoning.Client, logger *slog.Logger) *Classifier {
	return &Classifier{client: client, logger: logger}
}

// Classify produces the triage decision for one event. Calibration and
// recent non-correct feedback, when present, are injected into the
// prompt so the service can bias toward observed correctness.
func (c *Classifier) Classify(ctx context.Context, event model.Event, calibration *model.CalibrationData, corrections []model.FeedbackEntry) model.Classification {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	prompt := buildPrompt(event, calibration, corrections)

	var decision model.Classification
	if err := reasoning.CompleteJSON(ctx, c.client, prompt, decisionSchema, &decision); err != nil {
		c.logger.Warn("Classification failed, falling back to manual review",
			"source", event.Source, "item_id", event.ItemID, "error", err)
		return Fallback(err)
	}

	c.logger.Info("Event classified",
		"source", event.Source,
		"item_id", event.ItemID,
		"action", decision.Action,
		"urgency", decision.Urgency)
	return decision
}

// Fallback is the documented degraded decision: queue it at medium
// urgency and ask a human to look.
func Fallback(cause error) model.Classification {
	return model.Classification{
		Action:            model.ActionQueue,
		Urgency:           model.UrgencyMedium,
		Summary:           "classification unavailable, queued for manual review",
		Reasoning:         fmt.Sprintf("reasoning service did not return a usable decision: %v", cause),
		NeedsManualReview: true,
	}
}

func buildPrompt(event model.Event, calibration *model.CalibrationData, corrections []model.FeedbackEntry) string {
	content := event.Content
	if len(content) > maxContentInPrompt {
		content = content[:maxContentInPrompt] + "..."
	}

	var b strings.Builder
	b.WriteString("You are triaging an infrastructure/security event.\n\n")
	b.WriteString("EVENT:\n")
	fmt.Fprintf(&b, "- Source: %s (%s)\n", event.Source, event.EventType)
	fmt.Fprintf(&b, "- Item: %s\n", event.ItemID)
	fmt.Fprintf(&b, "- Content: %s\n", content)

	if cues := entities.UrgencyCues(event.Content); len(cues) > 0 {
		fmt.Fprintf(&b, "- Urgency cues in text: %s\n", strings.Join(cues, ", "))
	}
	if found := entities.Extract(event.Content); len(found) > 0 {
		values := make([]string, 0, len(found))
		for _, e := range found {
			values = append(values, fmt.Sprintf("%s=%s", e.Type, e.Value))
		}
		fmt.Fprintf(&b, "- Extracted entities: %s\n", strings.Join(values, ", "))
	}

	b.WriteString(`
RULES:
- NOTIFY: anything needing immediate human attention (outages, active
  security issues, data loss risk). Urgency critical or high maps here.
- QUEUE: actionable but not urgent (cleanup, follow-ups, reviews).
- AUTO: routine or informational, no action needed. Urgency low maps here.
`)

	if calibration != nil && calibration.SampleSize > 0 {
		b.WriteString("\nCALIBRATION (from observed outcomes, bias conservatively):\n")
		fmt.Fprintf(&b, "- Accuracy %.1f%%, over-triage %.1f%%, under-triage %.1f%% over %d samples\n",
			calibration.AccuracyRate, calibration.OverTriageRate, calibration.UnderTriageRate, calibration.SampleSize)
		for _, adj := range calibration.ThresholdAdjustments {
			if adj.Direction != "hold" {
				fmt.Fprintf(&b, "- %s %s: %s\n", adj.Direction, adj.Action, adj.Reason)
			}
		}
		for _, rec := range calibration.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}

	if len(corrections) > 0 {
		b.WriteString("\nRECENT CORRECTIONS (learn from these):\n")
		for _, corr := range corrections {
			fmt.Fprintf(&b, "- %s/%s judged %s\n", corr.OriginalAction, corr.OriginalUrgency, corr.ActualOutcome)
		}
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"action": "NOTIFY|QUEUE|AUTO", "urgency": "critical|high|medium|low", "summary": "...", "reasoning": "...", "domain": "..."}`)
	return b.String()
}
