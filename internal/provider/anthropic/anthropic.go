package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oakhill/modelgate/internal/provider"
)

// Adapter translates canonical requests into the Anthropic messages wire
// format. The messages API has no schema-constrained output mode, so
// structured output is emulated through a system instruction and the
// result is validated before it leaves the adapter.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FromStatus(a.Name(), resp.StatusCode, respBody)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	if len(anthropicResp.Content) == 0 {
		return nil, provider.Transient(a.Name(), fmt.Errorf("api returned no content"))
	}

	content := anthropicResp.Content[0].Text
	if req.ResponseFormat != nil {
		content = provider.StripFences(content)
		if err := req.ResponseFormat.Validate(content); err != nil {
			return nil, provider.Fatal(a.Name(), err)
		}
	}

	return &provider.Result{
		Provider:         a.Name(),
		Model:            anthropicResp.Model,
		Content:          content,
		PromptTokens:     anthropicResp.Usage.InputTokens,
		CompletionTokens: anthropicResp.Usage.OutputTokens,
		FinishReason:     anthropicResp.StopReason,
	}, nil
}

func (a *Adapter) mapRequest(req *provider.Request) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}

	if req.ResponseFormat != nil {
		instruction := req.ResponseFormat.Instruction()
		if system != "" {
			system += "\n\n" + instruction
		} else {
			system = instruction
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}
