package entities

import (
	"strings"

	"github.com/sgerhart/triageflux/internal/model"
)

// Extract finds all infrastructure identifiers in free text. It is
// pure and deterministic: patterns run in registry order, matches are
// deduplicated by (type, lowercased value) and first-seen order is
// preserved. It never fails; empty or pattern-free input yields nil.
func Extract(text string) []model.Entity {
	if text == "" {
		return nil
	}

	var result []model.Entity
	seen := make(map[string]bool)
	var cveSpans [][2]int

	for _, p := range patterns {
		matches := p.Re.FindAllStringSubmatchIndex(text, -1)
		for _, m := range matches {
			start, end := m[0], m[1]
			value := text[start:end]
			// Patterns with a capture group (s3://bucket) extract
			// just the identifier, not the full match.
			if len(m) > 2 && m[2] >= 0 {
				value = text[m[2]:m[3]]
			}

			if p.Type == model.EntityCVE {
				cveSpans = append(cveSpans, [2]int{start, end})
			}
			// The ticket recognizer also matches the CVE-YYYY prefix
			// of every CVE identifier; a match inside a CVE span is
			// not a ticket.
			if p.Type == model.EntityTicketID && overlapsAny(start, end, cveSpans) {
				continue
			}

			key := string(p.Type) + ":" + strings.ToLower(value)
			if seen[key] {
				continue
			}
			seen[key] = true
			result = append(result, model.Entity{Type: p.Type, Value: value})
		}
	}

	return result
}

func overlapsAny(start, end int, spans [][2]int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

// ExtractByType returns only entities of the given type.
func ExtractByType(text string, entityType model.EntityType) []model.Entity {
	var result []model.Entity
	for _, e := range Extract(text) {
		if e.Type == entityType {
			result = append(result, e)
		}
	}
	return result
}

// UrgencyCues returns the distinct urgency indicators present in the
// text, in pattern order. Used by the classifier prompt builder.
func UrgencyCues(text string) []string {
	if text == "" {
		return nil
	}

	var cues []string
	seen := make(map[string]bool)

	for _, re := range urgencyPatterns {
		m := re.FindString(text)
		if m == "" {
			continue
		}
		cue := strings.ToLower(m)
		if seen[cue] {
			continue
		}
		seen[cue] = true
		cues = append(cues, cue)
	}

	return cues
}
