package gemini

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

// Adapter translates canonical requests into the Gemini generateContent
// wire format. Structured output uses the JSON response mime type plus a
// prompt-level constraint, and the result is validated before it leaves
// the adapter.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, req.Model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Fatal(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FromStatus(a.Name(), resp.StatusCode, respBody)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.Transient(a.Name(), err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.Transient(a.Name(), fmt.Errorf("api returned no candidates"))
	}

	candidate := geminiResp.Candidates[0]
	content := candidate.Content.Parts[0].Text
	if req.ResponseFormat != nil {
		content = provider.StripFences(content)
		if err := req.ResponseFormat.Validate(content); err != nil {
			return nil, provider.Fatal(a.Name(), err)
		}
	}

	return &provider.Result{
		Provider:         a.Name(),
		Model:            req.Model,
		Content:          content,
		PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		FinishReason:     candidate.FinishReason,
	}, nil
}

func (a *Adapter) mapRequest(req *provider.Request) geminiRequest {
	var system *geminiContent
	var contents []geminiContent
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	cfg := generationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
	}

	if req.ResponseFormat != nil {
		cfg.ResponseMimeType = "application/json"
		instruction := geminiPart{Text: req.ResponseFormat.Instruction()}
		if system != nil {
			system.Parts = append(system.Parts, instruction)
		} else {
			system = &geminiContent{Parts: []geminiPart{instruction}}
		}
	}

	return geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  cfg,
	}
}
