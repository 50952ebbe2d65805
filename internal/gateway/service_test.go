package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/oakhill/modelgate/internal/auth"
	"github.com/oakhill/modelgate/internal/cache"
	"github.com/oakhill/modelgate/internal/ledger"
	"github.com/oakhill/modelgate/internal/provider"
	"github.com/oakhill/modelgate/internal/snapshot"
	"github.com/oakhill/modelgate/pkg/quota"
)

const testCredential = "key-acme"

func serviceContents() snapshot.Contents {
	return snapshot.Contents{
		Providers: []snapshot.ProviderEndpoint{
			{ID: "p1", Name: "alpha", Priority: 0, Active: true},
			{ID: "p2", Name: "beta", Priority: 1, Active: true},
		},
		Aliases: []snapshot.ModelAlias{
			{
				Alias: "fast-chat",
				Bindings: []snapshot.Binding{
					{Provider: "alpha", Model: "alpha-1", CostPerToken: 0.002, Capabilities: snapshot.CapabilitySet{"text"}},
					{Provider: "beta", Model: "beta-1", CostPerToken: 0.004, Capabilities: snapshot.CapabilitySet{"text"}},
				},
			},
		},
		Tenants: []snapshot.TenantConfig{
			{
				ID:             "acme",
				KeyHash:        auth.HashCredential(testCredential),
				CacheNamespace: "acme",
				PreferredModel: "fast-chat",
			},
			{
				ID:                  "globex",
				KeyHash:             auth.HashCredential("key-globex"),
				RequestsPerInterval: 3,
				CacheNamespace:      "globex",
			},
		},
	}
}

type serviceFixture struct {
	service *Service
	records *ledger.MemoryStore
	cancel  context.CancelFunc
}

func newServiceFixture(t *testing.T, adapters ...provider.Adapter) *serviceFixture {
	t.Helper()

	logger := zap.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	loader := snapshot.NewLoader(snapshot.NewStaticSource(serviceContents()), time.Hour, logger)
	require.NoError(t, loader.Load(context.Background()))

	records := ledger.NewMemoryStore()
	writer := ledger.NewWriter(records, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)
	t.Cleanup(cancel)

	svc := NewService(
		loader,
		quota.NewGate(time.Minute, records),
		cache.NewCoalescer(cache.NewMemoryStore(time.Minute), time.Minute),
		NewDispatcher(adapters, time.Second, tracer, logger),
		writer,
		60,
		5*time.Second,
		tracer,
		logger,
	)
	return &serviceFixture{service: svc, records: records, cancel: cancel}
}

func userRequest(content string) *Request {
	return &Request{
		Credential: testCredential,
		RequestID:  "req-1",
		Target:     "fast-chat",
		Messages:   []provider.Message{{Role: "user", Content: content}},
	}
}

func TestGenerate_CostFromBindingRate(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	resp, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	// 100 total tokens at 0.002 USD per token.
	assert.InDelta(t, 0.2, resp.CostUSD, 1e-9)
	assert.Equal(t, 100, resp.Usage.TotalTokens)
	assert.Equal(t, "alpha", resp.Provider)
	assert.False(t, resp.Cached)
}

func TestGenerate_RepeatServedFromCache(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	first, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.CostUSD, second.CostUSD)
	assert.Equal(t, 1, alpha.callCount())
}

func TestGenerate_CacheHitProducesNoLedgerRecord(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	_, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	window := func() ([]*ledger.Record, error) {
		return f.records.ListByTenant(context.Background(), "acme", time.Time{}, time.Now().Add(time.Hour))
	}
	require.Eventually(t, func() bool {
		recs, err := window()
		return err == nil && len(recs) == 1
	}, time.Second, 10*time.Millisecond)

	_, err = f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	recs, err := window()
	require.NoError(t, err)
	assert.Len(t, recs, 1, "cache hits are free and unrecorded")
}

func TestGenerate_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return okResult("alpha")(ctx, req)
	}}
	f := newServiceFixture(t, alpha)

	const n = 8
	var wg sync.WaitGroup
	responses := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = f.service.Generate(context.Background(), userRequest("hello"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ok", responses[i].Content)
	}
	assert.Equal(t, 1, alpha.callCount(), "identical in-flight requests share one upstream call")
}

func TestGenerate_UnknownCredential(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	req := userRequest("hello")
	req.Credential = "key-wrong"
	_, err := f.service.Generate(context.Background(), req)

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeAuth, ge.Code)
	assert.Equal(t, 0, alpha.callCount())
}

func TestGenerate_QuotaExhausted(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	limited := func(content string) *Request {
		req := userRequest(content)
		req.Credential = "key-globex"
		return req
	}

	// globex allows 3 per interval; distinct prompts keep the cache out of it.
	for i := 0; i < 3; i++ {
		_, err := f.service.Generate(context.Background(), limited(fmt.Sprintf("prompt %d", i)))
		require.NoError(t, err)
	}

	_, err := f.service.Generate(context.Background(), limited("prompt 3"))
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeRateLimited, ge.Code)
	assert.Equal(t, 3, alpha.callCount())
}

func TestGenerate_UnknownTarget(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	req := userRequest("hello")
	req.Target = "no-such-alias"
	_, err := f.service.Generate(context.Background(), req)

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeNoProvider, ge.Code)
}

func TestGenerate_EmptyTargetUsesTenantPreference(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	req := userRequest("hello")
	req.Target = ""
	resp, err := f.service.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "alpha-1", resp.Model)
}

func TestGenerate_FailoverToSecondBinding(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return nil, provider.Transient("alpha", errors.New("overloaded"))
	}}
	beta := &mockAdapter{name: "beta", generate: okResult("beta")}
	f := newServiceFixture(t, alpha, beta)

	resp, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	// Cost follows the binding that actually served: 0.004 per token.
	assert.InDelta(t, 0.4, resp.CostUSD, 1e-9)
}

func TestHealth_ReportsActiveProvidersAndHitRate(t *testing.T) {
	alpha := &mockAdapter{name: "alpha", generate: okResult("alpha")}
	f := newServiceFixture(t, alpha)

	h := f.service.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.ActiveProviders)

	_, err := f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	_, err = f.service.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	h = f.service.Health()
	assert.Greater(t, h.CacheHitRate, 0.0)
	assert.GreaterOrEqual(t, h.UptimeSeconds, 0.0)
}
