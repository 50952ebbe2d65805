package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oakhill/modelgate/internal/auth"
	"github.com/oakhill/modelgate/internal/cache"
	"github.com/oakhill/modelgate/internal/ledger"
	"github.com/oakhill/modelgate/internal/provider"
	"github.com/oakhill/modelgate/internal/snapshot"
	"github.com/oakhill/modelgate/pkg/quota"
)

// Request is one generation call. Credential and RequestID come from the
// transport envelope, everything else from the caller's body.
type Request struct {
	Credential string `json:"-"`
	RequestID  string `json:"-"`

	Target         string                   `json:"model"` // alias or explicit model
	Messages       []provider.Message       `json:"messages"`
	MaxTokens      int                      `json:"max_tokens,omitempty"`
	Temperature    float64                  `json:"temperature,omitempty"`
	Capabilities   snapshot.CapabilitySet   `json:"capabilities,omitempty"`
	ResponseFormat *provider.ResponseFormat `json:"response_format,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical response shape, identical regardless of which
// provider served the request.
type Response struct {
	Content  string  `json:"content"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Usage    Usage   `json:"usage"`
	CostUSD  float64 `json:"cost_usd"`
	Cached   bool    `json:"cached"`
}

// Service runs the full request pipeline: authenticate, gate, fingerprint,
// cache, resolve, dispatch, normalize, record usage.
type Service struct {
	snapshots  *snapshot.Loader
	gate       *quota.Gate
	cache      *cache.Coalescer
	dispatcher *Dispatcher
	usage      *ledger.Writer

	defaultRequests int
	deadline        time.Duration

	tracer  trace.Tracer
	logger  *zap.Logger
	started time.Time
}

func NewService(
	snapshots *snapshot.Loader,
	gate *quota.Gate,
	coalescer *cache.Coalescer,
	dispatcher *Dispatcher,
	usage *ledger.Writer,
	defaultRequests int,
	deadline time.Duration,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Service {
	return &Service{
		snapshots:       snapshots,
		gate:            gate,
		cache:           coalescer,
		dispatcher:      dispatcher,
		usage:           usage,
		defaultRequests: defaultRequests,
		deadline:        deadline,
		tracer:          tracer,
		logger:          logger,
		started:         time.Now(),
	}
}

// Generate routes one request to a backend and returns the canonical
// response or a taxonomy error.
func (s *Service) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("target", req.Target),
	)

	// One snapshot generation per request, captured here. A reload swapping
	// the published pointer mid-flight does not affect this request.
	snap := s.snapshots.Current()
	if snap == nil {
		return nil, newError(CodeInternal, "no configuration snapshot available", nil)
	}

	tenant, err := auth.Authenticate(snap, req.Credential)
	if err != nil {
		return nil, newError(CodeAuth, "unknown or invalid credential", err)
	}
	span.SetAttributes(attribute.String("tenant_id", tenant.ID))

	target := req.Target
	if target == "" {
		target = tenant.PreferredModel
	}
	if target == "" {
		return nil, newError(CodeNoProvider, "request names no model or alias and tenant has no preference", nil)
	}

	// Quota is checked before any upstream cost: count bucket first, cost
	// budget second.
	capacity := tenant.RequestsPerInterval
	if capacity <= 0 {
		capacity = s.defaultRequests
	}
	if err := s.gate.Allow(ctx, tenant.ID, capacity, tenant.CostBudgetUSD); err != nil {
		if errors.Is(err, quota.ErrRateLimited) || errors.Is(err, quota.ErrBudgetExceeded) {
			return nil, newError(CodeRateLimited, err.Error(), err)
		}
		return nil, newError(CodeInternal, "quota check failed", err)
	}

	fp := Fingerprint(tenant.CacheNamespace, target, req.Messages, req.MaxTokens, req.Temperature, req.ResponseFormat)

	dispatchCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	payload, served, err := s.cache.Do(dispatchCtx, fp, func(ctx context.Context) ([]byte, error) {
		return s.dispatch(ctx, snap, tenant, target, req)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(CodeTimeout, "request deadline exceeded", err)
		}
		return nil, AsError(err)
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, newError(CodeInternal, "corrupt cache entry", err)
	}
	resp.Cached = served
	return &resp, nil
}

// dispatch runs as the cache owner for one fingerprint: resolve, fail over
// across candidates, normalize and record usage.
func (s *Service) dispatch(ctx context.Context, snap *snapshot.Snapshot, tenant snapshot.TenantConfig, target string, req *Request) ([]byte, error) {
	candidates, err := Resolve(snap, target, req.Capabilities)
	if err != nil {
		return nil, err
	}

	preq := &provider.Request{
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: req.ResponseFormat,
	}

	start := time.Now()
	result, binding, err := s.dispatcher.Dispatch(ctx, preq, candidates)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	totalTokens := result.PromptTokens + result.CompletionTokens
	resp := Response{
		Content:  result.Content,
		Provider: result.Provider,
		Model:    result.Model,
		Usage: Usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      totalTokens,
		},
		CostUSD: binding.CostPerToken * float64(totalTokens),
	}

	s.usage.Enqueue(&ledger.Record{
		TenantID:         tenant.ID,
		RequestID:        req.RequestID,
		Provider:         result.Provider,
		Model:            result.Model,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		CostUSD:          resp.CostUSD,
		LatencyMs:        latency.Milliseconds(),
	})

	return json.Marshal(resp)
}

// Tenant resolves a raw credential against the current snapshot. Used by
// read-only endpoints that sit outside the generate pipeline.
func (s *Service) Tenant(credential string) (snapshot.TenantConfig, error) {
	snap := s.snapshots.Current()
	if snap == nil {
		return snapshot.TenantConfig{}, newError(CodeInternal, "no configuration snapshot available", nil)
	}
	tenant, err := auth.Authenticate(snap, credential)
	if err != nil {
		return snapshot.TenantConfig{}, newError(CodeAuth, "unknown or invalid credential", err)
	}
	return tenant, nil
}

// Health is the read-only health shape.
type Health struct {
	Status          string  `json:"status"`
	ActiveProviders int     `json:"active_providers"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

func (s *Service) Health() Health {
	h := Health{
		Status:        "ok",
		CacheHitRate:  s.cache.HitRate(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	snap := s.snapshots.Current()
	if snap == nil {
		h.Status = "degraded"
		return h
	}
	h.ActiveProviders = snap.ActiveProviderCount()
	if h.ActiveProviders == 0 {
		h.Status = "degraded"
	}
	return h
}
