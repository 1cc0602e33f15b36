// Package pipeline is the orchestrator: classify, investigate, decide,
// and hand anything mutating to the approval path. The pipeline owns
// no persistent state of its own; everything durable lives in the
// stores it is given.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/classify"
	"github.com/sgerhart/triageflux/internal/feedback"
	"github.com/sgerhart/triageflux/internal/investigate"
	"github.com/sgerhart/triageflux/internal/logstream"
	"github.com/sgerhart/triageflux/internal/metrics"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/notify"
	"github.com/sgerhart/triageflux/internal/playbook"
	"github.com/sgerhart/triageflux/internal/verify"
)

const correctionsInPrompt = 5

// Result is the outcome of processing one event.
type Result struct {
	Event          model.Event           `json:"event"`
	Deduped        bool                  `json:"deduped"`
	Classification *model.Classification `json:"classification,omitempty"`
	Investigation  *model.Investigation  `json:"investigation,omitempty"`
}

// ApprovalRequest asks the pipeline to run an approved remediation for
// a previously investigated item.
type ApprovalRequest struct {
	ItemID     string            `json:"item_id"`
	Playbook   string            `json:"playbook"`
	Resource   string            `json:"resource"`
	ApprovalID string            `json:"approval_id"`
	DryRun     bool              `json:"dry_run"`
	Params     map[string]string `json:"params,omitempty"`
}

// ApprovalResult is the execution plus its verification.
type ApprovalResult struct {
	Execution    *model.PlaybookExecution  `json:"execution"`
	Verification *model.VerificationResult `json:"verification,omitempty"`
}

// Pipeline wires the stages together.
type Pipeline struct {
	classifier *classify.Classifier
	engine     *investigate.Engine
	playbooks  *playbook.Registry
	verifier   *verify.Verifier
	notifier   *notify.Notifier
	evidence   *cache.Cache
	feedback   *feedback.Loop
	events     *logstream.Writer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	dedupe *expirable.LRU[string, struct{}]

	mu             sync.RWMutex
	investigations map[string]*model.Investigation
	processed      int64
}

// Options bundles the pipeline's collaborators.
type Options struct {
	Classifier *classify.Classifier
	Engine     *investigate.Engine
	Playbooks  *playbook.Registry
	Verifier   *verify.Verifier
	Notifier   *notify.Notifier
	Evidence   *cache.Cache
	Feedback   *feedback.Loop
	Events     *logstream.Writer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	DedupeCap int
	DedupeTTL time.Duration
}

// New creates the pipeline.
func New(opts Options) *Pipeline {
	size := opts.DedupeCap
	if size <= 0 {
		size = 4096
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Pipeline{
		classifier:     opts.Classifier,
		engine:         opts.Engine,
		playbooks:      opts.Playbooks,
		verifier:       opts.Verifier,
		notifier:       opts.Notifier,
		evidence:       opts.Evidence,
		feedback:       opts.Feedback,
		events:         opts.Events,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		dedupe:         expirable.NewLRU[string, struct{}](size, nil, ttl),
		investigations: make(map[string]*model.Investigation),
	}
}

// Process runs one event through classify, and past it through
// investigation unless the decision is AUTO. Notifications fire on the
// way out; nothing here mutates infrastructure.
func (p *Pipeline) Process(ctx context.Context, event model.Event) (*Result, error) {
	if event.Source == "" || event.ItemID == "" {
		return nil, fmt.Errorf("pipeline: event source and item_id are required")
	}

	key := dedupeKey(event)
	if _, seen := p.dedupe.Get(key); seen {
		p.metrics.DedupeSkips.Inc()
		p.logger.Debug("Skipping recently processed event",
			"source", event.Source, "item_id", event.ItemID)
		return &Result{Event: event, Deduped: true}, nil
	}
	p.dedupe.Add(key, struct{}{})

	started := time.Now()
	defer func() {
		p.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	}()

	calibration, err := p.feedback.Load()
	if err != nil {
		calibration = nil
	}
	corrections := p.recentCorrections()

	classification := p.classifier.Classify(ctx, event, calibration, corrections)
	p.metrics.EventsTotal.WithLabelValues(event.Source, string(classification.Action)).Inc()

	p.recordEvent(event, classification)

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()

	result := &Result{Event: event, Classification: &classification}

	if classification.Action == model.ActionAuto && !classification.NeedsManualReview {
		p.logger.Info("Event auto-resolved",
			"source", event.Source, "item_id", event.ItemID)
		return result, nil
	}

	investigation, err := p.engine.Investigate(ctx, event.Source, event.Content, event.ItemID)
	if err != nil {
		return result, fmt.Errorf("pipeline: investigate %s: %w", event.ItemID, err)
	}
	result.Investigation = investigation

	for range investigation.Evidence {
		p.metrics.ProbesTotal.WithLabelValues("success").Inc()
	}
	for range investigation.FailedProbes {
		p.metrics.ProbesTotal.WithLabelValues("failure").Inc()
	}

	p.mu.Lock()
	p.investigations[event.ItemID] = investigation
	p.mu.Unlock()

	p.decide(event, classification, investigation)
	return result, nil
}

// decide maps the diagnosis status onto a human-facing action.
func (p *Pipeline) decide(event model.Event, classification model.Classification, investigation *model.Investigation) {
	diagnosis := investigation.Diagnosis
	if diagnosis == nil {
		return
	}

	switch diagnosis.Status {
	case model.StatusFixable:
		message := diagnosis.RootCause
		if diagnosis.ProposedFix != nil {
			message = fmt.Sprintf("%s; proposed fix: %s against %s (approval required)",
				diagnosis.RootCause, diagnosis.ProposedFix.Playbook, diagnosis.ProposedFix.Resource)
		}
		p.notifier.Send(notify.Notification{
			Title:   fmt.Sprintf("Remediation proposed for %s", event.ItemID),
			Message: message,
			Urgency: string(classification.Urgency),
			ItemID:  event.ItemID,
			Source:  event.Source,
		})
	case model.StatusNeedsEscalation:
		p.notifier.Send(notify.Notification{
			Title:   fmt.Sprintf("Escalation needed for %s", event.ItemID),
			Message: fmt.Sprintf("%s (%s)", diagnosis.RootCause, diagnosis.StatusReason),
			Urgency: string(classification.Urgency),
			ItemID:  event.ItemID,
			Source:  event.Source,
		})
	case model.StatusNeedsCredential:
		p.notifier.Send(notify.Notification{
			Title:   fmt.Sprintf("Investigation of %s blocked on credentials", event.ItemID),
			Message: fmt.Sprintf("missing: %v", diagnosis.CredentialGaps),
			Urgency: string(classification.Urgency),
			ItemID:  event.ItemID,
			Source:  event.Source,
		})
	case model.StatusInfoOnly:
		if classification.Action == model.ActionNotify {
			p.notifier.Send(notify.Notification{
				Title:   fmt.Sprintf("Attention needed for %s", event.ItemID),
				Message: classification.Summary,
				Urgency: string(classification.Urgency),
				ItemID:  event.ItemID,
				Source:  event.Source,
			})
		}
	}
}

// Approve executes a remediation for a previously investigated item
// and verifies the result. The approval gate itself lives in the
// playbook registry; this path adds verification on top.
func (p *Pipeline) Approve(ctx context.Context, req ApprovalRequest) (*ApprovalResult, error) {
	p.mu.RLock()
	investigation, ok := p.investigations[req.ItemID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: no investigation on record for item %q", req.ItemID)
	}

	execution, err := p.playbooks.Execute(ctx, req.Playbook, req.Resource, req.ApprovalID, req.DryRun, req.Params)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.metrics.PlaybooksTotal.WithLabelValues(req.Playbook, outcome).Inc()
	if err != nil {
		return &ApprovalResult{Execution: execution}, err
	}

	if req.DryRun {
		return &ApprovalResult{Execution: execution}, nil
	}

	verification, err := p.verifier.Verify(ctx, investigation, execution)
	if err != nil {
		return &ApprovalResult{Execution: execution}, err
	}
	p.metrics.VerificationsTotal.WithLabelValues(verdictLabel(verification)).Inc()

	p.notifier.Send(notify.Notification{
		Title:   fmt.Sprintf("Remediation %s for %s", verdictLabel(verification), req.ItemID),
		Message: verification.Summary,
		ItemID:  req.ItemID,
	})
	return &ApprovalResult{Execution: execution, Verification: verification}, nil
}

// Reverify re-runs verification for an investigated item against a
// recorded execution. An empty executionID picks the item's most
// recent execution.
func (p *Pipeline) Reverify(ctx context.Context, itemID, executionID string) (*model.VerificationResult, error) {
	p.mu.RLock()
	investigation, ok := p.investigations[itemID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: no investigation on record for item %q", itemID)
	}

	executions, err := p.playbooks.History()
	if err != nil {
		return nil, fmt.Errorf("pipeline: read execution history: %w", err)
	}

	var execution *model.PlaybookExecution
	for i := range executions {
		e := &executions[i]
		if executionID != "" {
			if e.ID == executionID {
				execution = e
			}
			continue
		}
		// History is oldest first; keep the last real execution that
		// acted on one of this item's resources. Executions for other
		// items share the same audit log.
		if !e.DryRun && e.Error == "" && targetsInvestigation(investigation, e) {
			execution = e
		}
	}
	if execution == nil {
		return nil, fmt.Errorf("pipeline: no matching execution for item %q", itemID)
	}

	verification, err := p.verifier.Verify(ctx, investigation, execution)
	if err != nil {
		return nil, err
	}
	p.metrics.VerificationsTotal.WithLabelValues(verdictLabel(verification)).Inc()
	return verification, nil
}

// targetsInvestigation reports whether an execution's resource belongs
// to the investigated item: the diagnosis' proposed target or any
// extracted entity.
func targetsInvestigation(inv *model.Investigation, e *model.PlaybookExecution) bool {
	if inv.Diagnosis != nil && inv.Diagnosis.ProposedFix != nil &&
		strings.EqualFold(e.Resource, inv.Diagnosis.ProposedFix.Resource) {
		return true
	}
	for _, entity := range inv.Entities {
		if strings.EqualFold(e.Resource, entity.Value) {
			return true
		}
	}
	return false
}

// Investigation returns the stored investigation for an item, if any.
func (p *Pipeline) Investigation(itemID string) (*model.Investigation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	investigation, ok := p.investigations[itemID]
	return investigation, ok
}

// Stats reports pipeline counters.
func (p *Pipeline) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]interface{}{
		"events_processed":     p.processed,
		"open_investigations":  len(p.investigations),
		"dedupe_entries":       p.dedupe.Len(),
		"registered_playbooks": p.playbooks.Names(),
	}
}

func (p *Pipeline) recentCorrections() []model.FeedbackEntry {
	entries, err := p.feedback.Recent(50)
	if err != nil {
		return nil
	}
	var corrections []model.FeedbackEntry
	for _, entry := range entries {
		if entry.ActualOutcome != model.OutcomeCorrect {
			corrections = append(corrections, entry)
		}
	}
	if len(corrections) > correctionsInPrompt {
		corrections = corrections[len(corrections)-correctionsInPrompt:]
	}
	return corrections
}

// recordEvent persists the event for later correlation and trend
// analysis. Recording failures are logged, never fatal.
func (p *Pipeline) recordEvent(event model.Event, classification model.Classification) {
	if _, err := p.evidence.Store(event.Source, event.EventType, event.ItemID,
		classification.Summary, event.Content, nil); err != nil {
		p.logger.Warn("Failed to cache event", "item_id", event.ItemID, "error", err)
	}

	if p.events != nil {
		fields := map[string]interface{}{
			"source":  event.Source,
			"item_id": event.ItemID,
			"action":  string(classification.Action),
			"urgency": string(classification.Urgency),
			"summary": classification.Summary,
			"content": event.Content,
		}
		if !event.Timestamp.IsZero() {
			fields["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339)
		}
		if err := p.events.Append(fields); err != nil {
			p.logger.Warn("Failed to record event stream entry", "item_id", event.ItemID, "error", err)
		}
	}
}

func verdictLabel(v *model.VerificationResult) string {
	if v.Verified {
		return "verified"
	}
	return "unverified"
}

func dedupeKey(event model.Event) string {
	sum := sha256.Sum256([]byte(event.Content))
	return event.Source + ":" + event.ItemID + ":" + hex.EncodeToString(sum[:8])
}
