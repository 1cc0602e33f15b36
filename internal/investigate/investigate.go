// Package investigate runs the read-only evidence gathering pass for
// one event: extract entities, execute the applicable probe templates
// concurrently, pull related items from the evidence cache and known
// edges from the knowledge store, then ask the reasoning service for
// an evidence-cited diagnosis.
package investigate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/entities"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/reasoning"
)

const (
	diagnosisTimeout  = 90 * time.Second
	probeConcurrency  = 4
	relatedItemLimit  = 5
	knowledgeLookback = 30
)

// Engine wires the probe surface, the shared stores and the reasoning
// service together.
type Engine struct {
	catalog   *infra.Catalog
	runner    infra.QueryRunner
	caps      infra.Capabilities
	evidence  *cache.Cache
	knowledge *knowledge.Store
	client    reasoning.Client
	logger    *slog.Logger
}

// New creates an investigation engine.
func New(catalog *infra.Catalog, runner infra.QueryRunner, caps infra.Capabilities, evidence *cache.Cache, know *knowledge.Store, client reasoning.Client, logger *slog.Logger) *Engine {
	return &Engine{
		catalog:   catalog,
		runner:    runner,
		caps:      caps,
		evidence:  evidence,
		knowledge: know,
		client:    client,
		logger:    logger,
	}
}

type probeJob struct {
	template infra.Template
	entity   model.Entity
}

// Investigate runs the full evidence pass for one event. Probe
// failures are recorded per probe and never abort the run; entity
// types without a usable template surface as credential gaps.
func (e *Engine) Investigate(ctx context.Context, source, content, itemID string) (*model.Investigation, error) {
	found := entities.Extract(content)
	e.logger.Info("Investigation started",
		"source", source, "item_id", itemID, "entities", len(found))

	investigation := &model.Investigation{
		ItemID:    itemID,
		Source:    source,
		Entities:  found,
		Timestamp: time.Now().UTC(),
	}

	jobs, gaps := e.planProbes(found)
	investigation.NeedsCredential = gaps

	results := e.runProbes(ctx, jobs)
	for _, r := range results {
		investigation.Probes = append(investigation.Probes, r.ProbeName)
		if r.Success {
			investigation.Evidence = append(investigation.Evidence, r)
		} else {
			investigation.FailedProbes = append(investigation.FailedProbes, r)
		}
	}

	investigation.RelatedItems = e.relatedItems(found, itemID)
	edges := e.knownEdges(found)

	diagnosis := e.diagnose(ctx, investigation, edges)
	investigation.Diagnosis = diagnosis

	e.logger.Info("Investigation completed",
		"item_id", itemID,
		"probes", len(results),
		"failed", len(investigation.FailedProbes),
		"credential_gaps", len(gaps),
		"status", diagnosis.Status)
	return investigation, nil
}

// planProbes matches each distinct entity against the template
// catalog. Entity types with no template, or whose capability is
// unavailable, become structured credential gaps instead of being
// silently skipped.
func (e *Engine) planProbes(found []model.Entity) ([]probeJob, []model.CredentialGap) {
	var jobs []probeJob
	var gaps []model.CredentialGap

	for _, entity := range found {
		templates := e.catalog.ByEntityType(entity.Type)
		if len(templates) == 0 {
			gaps = append(gaps, model.CredentialGap{
				EntityType: entity.Type,
				Entity:     entity.Value,
				Capability: "",
				Hint:       fmt.Sprintf("no probe template registered for entity type %s", entity.Type),
			})
			continue
		}

		for _, t := range templates {
			if !e.caps.Has(t.Capability) {
				gaps = append(gaps, model.CredentialGap{
					EntityType: entity.Type,
					Entity:     entity.Value,
					Capability: t.Capability,
					Hint:       fmt.Sprintf("capability %q is not configured; probe %s skipped", t.Capability, t.Name),
				})
				continue
			}
			jobs = append(jobs, probeJob{template: t, entity: entity})
		}
	}
	return jobs, gaps
}

// runProbes executes the jobs through a bounded worker pool. Probes
// share no mutable state, so each writes only its own slot.
func (e *Engine) runProbes(ctx context.Context, jobs []probeJob) []model.ProbeResult {
	results := make([]model.ProbeResult, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = e.runProbe(ctx, job)
			return nil
		})
	}
	// Workers never return errors; failures live in the result slots.
	_ = g.Wait()

	return results
}

func (e *Engine) runProbe(ctx context.Context, job probeJob) model.ProbeResult {
	result := model.ProbeResult{
		ProbeName:  job.template.Name,
		Entity:     job.entity.Value,
		EntityType: job.entity.Type,
	}

	rows, err := e.runner.Run(ctx, job.template.Name, job.entity.Value)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = true
	switch len(rows) {
	case 0:
		result.Data = map[string]interface{}{"rows": []interface{}{}, "row_count": 0}
	case 1:
		result.Data = rows[0]
	default:
		result.Data = map[string]interface{}{"rows": rows, "row_count": len(rows)}
	}
	return result
}

// relatedItems pulls cross-source items referencing any extracted
// entity, deduplicated, excluding the item under investigation.
func (e *Engine) relatedItems(found []model.Entity, itemID string) []model.CacheItem {
	seen := make(map[string]bool)
	var related []model.CacheItem

	for _, entity := range found {
		items, err := e.evidence.QueryEntity(entity.Value, relatedItemLimit)
		if err != nil {
			e.logger.Warn("Evidence cache lookup failed", "entity", entity.Value, "error", err)
			continue
		}
		for _, item := range items {
			if item.ID == itemID || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			related = append(related, item)
		}
	}

	sort.Slice(related, func(i, j int) bool { return related[i].CachedAt.After(related[j].CachedAt) })
	return related
}

func (e *Engine) knownEdges(found []model.Entity) []model.KnowledgeEntry {
	seen := make(map[string]bool)
	var edges []model.KnowledgeEntry

	for _, entity := range found {
		entries, err := e.knowledge.Query(entity.Type, entity.Value, knowledgeLookback)
		if err != nil {
			e.logger.Warn("Knowledge store lookup failed", "entity", entity.Value, "error", err)
			continue
		}
		for _, entry := range entries {
			key := knowledge.PairKey(
				model.Entity{Type: entry.EntityAType, Value: entry.EntityAValue},
				model.Entity{Type: entry.EntityBType, Value: entry.EntityBValue},
			) + "|" + entry.Relationship
			if seen[key] {
				continue
			}
			seen[key] = true
			edges = append(edges, entry)
		}
	}
	return edges
}
