// Package reasoning wraps the external LLM reasoning service behind a
// single prompt-in, structured-JSON-out contract. Callers declare the
// schema they expect; responses that are not JSON, or that violate the
// schema, surface as errors the caller converts into its documented
// fallback value.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Client produces a raw completion for a prompt. Implementations must
// honor context cancellation and deadlines.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleteJSON sends the prompt, extracts the first JSON object from
// the response, validates it against the declared schema, and
// unmarshals it into out.
func CompleteJSON(ctx context.Context, client Client, prompt, schema string, out interface{}) error {
	response, err := client.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("reasoning call failed: %w", err)
	}

	raw, err := ExtractJSON(response)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("response violates schema: %s", strings.Join(problems, "; "))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// ExtractJSON finds the first balanced JSON object in the text.
// Reasoning services habitually wrap JSON in prose or markdown fences.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := []byte(text[start : i+1])
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("malformed JSON object in response")
				}
				return candidate, nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON object in response")
}
