// Package knowledge keeps the append-only ledger of entity-to-entity
// relationships discovered across sources. Edges are undirected: the
// two endpoints are stored in canonical order so re-observing a pair
// in the opposite direction cannot duplicate the edge.
package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/model"
)

// Store is the relationship ledger.
type Store struct {
	mu     sync.RWMutex
	ledger auditlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a knowledge store over the given ledger.
func NewStore(ledger auditlog.Log, logger *slog.Logger) *Store {
	return &Store{ledger: ledger, logger: logger, now: time.Now}
}

// sortKey is the stable ordering key for one endpoint.
func sortKey(t model.EntityType, v string) string {
	return string(t) + ":" + strings.ToLower(v)
}

// Canonicalize returns the pair in canonical order.
func Canonicalize(a, b model.Entity) (model.Entity, model.Entity) {
	if sortKey(a.Type, a.Value) > sortKey(b.Type, b.Value) {
		return b, a
	}
	return a, b
}

// PairKey is the canonical identity of an undirected edge, used for
// duplicate suppression by the store and the correlator.
func PairKey(a, b model.Entity) string {
	a, b = Canonicalize(a, b)
	return sortKey(a.Type, a.Value) + "|" + sortKey(b.Type, b.Value)
}

// Store appends one relationship edge. Both endpoints must be complete
// (type and value); confidence is clamped to [0,1].
func (s *Store) Store(entityA, entityB model.Entity, relationship, source string, confidence float64, context string) (*model.KnowledgeEntry, error) {
	if entityA.Type == "" || entityA.Value == "" {
		return nil, fmt.Errorf("entity A is incomplete: %+v", entityA)
	}
	if entityB.Type == "" || entityB.Value == "" {
		return nil, fmt.Errorf("entity B is incomplete: %+v", entityB)
	}
	if relationship == "" {
		return nil, fmt.Errorf("relationship is required")
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	a, b := Canonicalize(entityA, entityB)
	entry := &model.KnowledgeEntry{
		EntityAType:  a.Type,
		EntityAValue: a.Value,
		EntityBType:  b.Type,
		EntityBValue: b.Value,
		Relationship: relationship,
		Source:       source,
		Confidence:   confidence,
		Timestamp:    s.now().UTC(),
		Context:      context,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.Append(entry); err != nil {
		return nil, fmt.Errorf("append knowledge entry: %w", err)
	}
	return entry, nil
}

// Query returns the entries within the lookback window that reference
// the entity on either side of the edge. Matching on value is
// case-insensitive.
func (s *Store) Query(entityType model.EntityType, entityValue string, lookbackDays int) ([]model.KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().AddDate(0, 0, -lookbackDays)
	value := strings.ToLower(entityValue)

	var result []model.KnowledgeEntry
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		matchA := e.EntityAType == entityType && strings.ToLower(e.EntityAValue) == value
		matchB := e.EntityBType == entityType && strings.ToLower(e.EntityBValue) == value
		if matchA || matchB {
			result = append(result, e)
		}
	}
	return result, nil
}

// Has reports whether an edge between the two entities already exists,
// regardless of relationship or age. Used by the correlator to keep
// re-runs idempotent.
func (s *Store) Has(entityA, entityB model.Entity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.readAll()
	if err != nil {
		return false, err
	}

	key := PairKey(entityA, entityB)
	for _, e := range entries {
		existing := PairKey(
			model.Entity{Type: e.EntityAType, Value: e.EntityAValue},
			model.Entity{Type: e.EntityBType, Value: e.EntityBValue},
		)
		if existing == key {
			return true, nil
		}
	}
	return false, nil
}

// PruneResult reports a compaction.
type PruneResult struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Pruned int `json:"pruned"`
}

// Prune rewrites the ledger keeping only entries younger than
// maxAgeDays. This is a destructive compaction, not a soft delete.
func (s *Store) Prune(maxAgeDays int) (PruneResult, error) {
	rewriter, ok := s.ledger.(auditlog.Rewriter)
	if !ok {
		return PruneResult{}, fmt.Errorf("ledger does not support compaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return PruneResult{}, err
	}

	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	var kept []interface{}
	for i := range entries {
		if !entries[i].Timestamp.Before(cutoff) {
			kept = append(kept, &entries[i])
		}
	}

	if err := rewriter.Rewrite(kept); err != nil {
		return PruneResult{}, fmt.Errorf("rewrite ledger: %w", err)
	}

	result := PruneResult{
		Before: len(entries),
		After:  len(kept),
		Pruned: len(entries) - len(kept),
	}
	s.logger.Info("Knowledge ledger pruned",
		"before", result.Before, "after", result.After, "pruned", result.Pruned)
	return result, nil
}

// Stats returns ledger statistics.
func (s *Store) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	bySource := make(map[string]int)
	byRelationship := make(map[string]int)
	var oldest, newest *time.Time
	for i := range entries {
		bySource[entries[i].Source]++
		byRelationship[entries[i].Relationship]++
		ts := entries[i].Timestamp
		if oldest == nil || ts.Before(*oldest) {
			t := ts
			oldest = &t
		}
		if newest == nil || ts.After(*newest) {
			t := ts
			newest = &t
		}
	}

	return map[string]interface{}{
		"total":           len(entries),
		"by_source":       bySource,
		"by_relationship": byRelationship,
		"oldest":          oldest,
		"newest":          newest,
	}, nil
}

func (s *Store) readAll() ([]model.KnowledgeEntry, error) {
	raws, err := s.ledger.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read knowledge ledger: %w", err)
	}

	entries := make([]model.KnowledgeEntry, 0, len(raws))
	for _, raw := range raws {
		var e model.KnowledgeEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Debug("Skipping malformed knowledge entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
