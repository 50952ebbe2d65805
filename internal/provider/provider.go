package provider

import (
	"context"
	"encoding/json"
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ResponseFormat asks for structured output validated against a JSON
// schema. Adapters either support it natively, emulate it via prompt
// constraints and validate the result, or fail with a schema mismatch.
type ResponseFormat struct {
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema"`
}

// Request is the canonical request shape handed to an adapter. Model is
// always the concrete model of the candidate being attempted.
type Request struct {
	Model          string
	Messages       []Message
	MaxTokens      int
	Temperature    float64
	ResponseFormat *ResponseFormat
}

// Result is the provider-tagged intermediate shape parsed from a vendor
// wire response, before normalization.
type Result struct {
	Provider         string
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Adapter is a pure translation boundary for one vendor: canonical request
// in, parsed intermediate result out.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}
