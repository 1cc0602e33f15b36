// Package correlate builds co-occurrence edges between entities seen
// together in event-log records and promotes the strong ones into the
// knowledge store.
package correlate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/triageflux/internal/entities"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/logstream"
	"github.com/sgerhart/triageflux/internal/model"
)

// Edge is one co-occurrence pair with its observation weight.
type Edge struct {
	EntityA    model.Entity `json:"entity_a"`
	EntityB    model.Entity `json:"entity_b"`
	Weight     int          `json:"weight"`
	Sources    []string     `json:"sources"`
	Confidence float64      `json:"confidence"`
	Stored     bool         `json:"stored"`
}

// Result summarizes one correlation run.
type Result struct {
	SourcesScanned        int    `json:"sources_scanned"`
	EntriesProcessed      int    `json:"entries_processed"`
	EntitiesFound         int    `json:"entities_found"`
	CorrelationsFound     int    `json:"correlations_found"`
	NewCorrelationsStored int    `json:"new_correlations_stored"`
	Graph                 []Edge `json:"graph"`
	DryRun                bool   `json:"dry_run"`
}

// Correlator scans event-log streams and writes high-confidence edges.
type Correlator struct {
	reader *logstream.Reader
	store  *knowledge.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a correlator over the given streams and knowledge store.
func New(reader *logstream.Reader, store *knowledge.Store, logger *slog.Logger) *Correlator {
	return &Correlator{reader: reader, store: store, logger: logger, now: time.Now}
}

type pairCount struct {
	a, b    model.Entity
	weight  int
	sources map[string]bool
}

// Correlate reads every stream within the lookback window, counts
// unordered co-occurring entity pairs per record, keeps pairs with
// weight >= minCoOccurrences, and stores edges not already present.
// In dryRun mode the graph is computed and returned without writing.
func (c *Correlator) Correlate(lookbackDays, minCoOccurrences int, dryRun bool) (*Result, error) {
	if minCoOccurrences < 1 {
		minCoOccurrences = 1
	}

	since := c.now().AddDate(0, 0, -lookbackDays)
	streams, err := c.reader.Streams()
	if err != nil {
		return nil, fmt.Errorf("list event streams: %w", err)
	}

	result := &Result{SourcesScanned: len(streams), DryRun: dryRun}
	pairs := make(map[string]*pairCount)
	distinctEntities := make(map[string]bool)

	for _, stream := range streams {
		records, err := c.reader.Read(stream, since)
		if err != nil {
			c.logger.Warn("Failed to read stream, skipping", "stream", stream, "error", err)
			continue
		}

		for _, record := range records {
			result.EntriesProcessed++

			found := entities.Extract(record.Text())
			for _, e := range found {
				distinctEntities[string(e.Type)+":"+strings.ToLower(e.Value)] = true
			}
			if len(found) < 2 {
				continue
			}

			for i := 0; i < len(found); i++ {
				for j := i + 1; j < len(found); j++ {
					a, b := knowledge.Canonicalize(found[i], found[j])
					key := knowledge.PairKey(a, b)
					pc, ok := pairs[key]
					if !ok {
						pc = &pairCount{a: a, b: b, sources: make(map[string]bool)}
						pairs[key] = pc
					}
					pc.weight++
					pc.sources[stream] = true
				}
			}
		}
	}

	result.EntitiesFound = len(distinctEntities)

	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		pc := pairs[key]
		if pc.weight < minCoOccurrences {
			continue
		}

		sources := make([]string, 0, len(pc.sources))
		for s := range pc.sources {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		edge := Edge{
			EntityA:    pc.a,
			EntityB:    pc.b,
			Weight:     pc.weight,
			Sources:    sources,
			Confidence: Confidence(pc.weight, len(sources)),
		}
		result.CorrelationsFound++

		exists, err := c.store.Has(pc.a, pc.b)
		if err != nil {
			return nil, fmt.Errorf("check existing edge: %w", err)
		}

		if !exists && !dryRun {
			context := fmt.Sprintf("co-occurred %d times across %d sources", pc.weight, len(sources))
			if _, err := c.store.Store(pc.a, pc.b, "co_occurs_with", "correlator", edge.Confidence, context); err != nil {
				return nil, fmt.Errorf("store edge: %w", err)
			}
			edge.Stored = true
			result.NewCorrelationsStored++
		}

		result.Graph = append(result.Graph, edge)
	}

	c.logger.Info("Correlation run completed",
		"sources_scanned", result.SourcesScanned,
		"entries_processed", result.EntriesProcessed,
		"correlations_found", result.CorrelationsFound,
		"new_stored", result.NewCorrelationsStored,
		"dry_run", dryRun)
	return result, nil
}

// Confidence is the promotion heuristic for a co-occurrence edge.
// The constants have no empirical basis yet; they are kept as shipped
// pending calibration review.
func Confidence(weight, distinctSources int) float64 {
	confidence := 0.3 + 0.05*float64(weight) + 0.1*float64(distinctSources)
	if confidence > 1.0 {
		return 1.0
	}
	return confidence
}
