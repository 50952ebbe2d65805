package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

type jsonSchema struct {
	Type       string                     `json:"type"`
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// Validate checks emulated structured output against the requested schema:
// the content must parse as JSON and, for object schemas, carry every
// required property. Violations are reported as ErrSchemaMismatch so the
// dispatcher treats them as fatal.
func (rf *ResponseFormat) Validate(content string) error {
	var schema jsonSchema
	if err := json.Unmarshal(rf.Schema, &schema); err != nil {
		return fmt.Errorf("invalid response-format schema: %w", err)
	}

	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return fmt.Errorf("%w: output is not valid JSON", ErrSchemaMismatch)
	}

	if schema.Type == "object" || len(schema.Properties) > 0 {
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: output is not a JSON object", ErrSchemaMismatch)
		}
		for _, key := range schema.Required {
			if _, ok := obj[key]; !ok {
				return fmt.Errorf("%w: missing required property %q", ErrSchemaMismatch, key)
			}
		}
	}
	return nil
}

// Instruction renders the prompt-level constraint used by adapters that
// emulate structured output.
func (rf *ResponseFormat) Instruction() string {
	var sb strings.Builder
	sb.WriteString("Respond with a single JSON document and nothing else. ")
	sb.WriteString("The document must conform to this JSON schema:\n")
	sb.Write(rf.Schema)
	return sb.String()
}

// StripFences removes markdown code fences some models wrap around JSON
// output during emulation.
func StripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
