package openai

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

// Adapter translates canonical requests into the OpenAI chat-completions
// wire format. Structured output uses the native json_schema response
// format, so no emulation is needed.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema openAIJSONSchema `json:"json_schema"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FromStatus(a.Name(), resp.StatusCode, respBody)
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, provider.Transient(a.Name(), fmt.Errorf("api returned no choices"))
	}

	choice := openAIResp.Choices[0]
	return &provider.Result{
		Provider:         a.Name(),
		Model:            openAIResp.Model,
		Content:          choice.Message.Content,
		PromptTokens:     openAIResp.Usage.PromptTokens,
		CompletionTokens: openAIResp.Usage.CompletionTokens,
		FinishReason:     choice.FinishReason,
	}, nil
}

func (a *Adapter) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}

	out := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.ResponseFormat != nil {
		name := req.ResponseFormat.Name
		if name == "" {
			name = "response"
		}
		out.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: openAIJSONSchema{
				Name:   name,
				Schema: req.ResponseFormat.Schema,
				Strict: true,
			},
		}
	}
	return out
}
