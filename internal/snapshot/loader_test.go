package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakySource struct {
	mu       sync.Mutex
	contents Contents
	fail     bool
}

func (s *flakySource) Fetch(ctx context.Context) (Contents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Contents{}, errors.New("source unavailable")
	}
	return s.contents, nil
}

func (s *flakySource) set(c Contents, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = c
	s.fail = fail
}

func testContents(providerName string) Contents {
	return Contents{
		Providers: []ProviderEndpoint{
			{ID: "p1", Name: providerName, Priority: 1, Active: true},
		},
		Aliases: []ModelAlias{
			{
				Alias: "fast",
				Bindings: []Binding{
					{Provider: providerName, Model: "m1", CostPerToken: 0.000001, Capabilities: CapabilitySet{"text"}},
				},
			},
		},
		Tenants: []TenantConfig{
			{ID: "t1", KeyHash: "abc", RequestsPerInterval: 10, CacheNamespace: "t1"},
		},
	}
}

func TestLoad_PublishesSnapshot(t *testing.T) {
	src := &flakySource{contents: testContents("openai")}
	l := NewLoader(src, time.Minute, zap.NewNop())

	require.Nil(t, l.Current())
	require.NoError(t, l.Load(context.Background()))

	snap := l.Current()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Generation)
	assert.Equal(t, 1, snap.ActiveProviderCount())

	_, ok := snap.Alias("fast")
	assert.True(t, ok)
	_, ok = snap.TenantByKeyHash("abc")
	assert.True(t, ok)
}

func TestLoad_NewGenerationSupersedesOld(t *testing.T) {
	src := &flakySource{contents: testContents("openai")}
	l := NewLoader(src, time.Minute, zap.NewNop())
	require.NoError(t, l.Load(context.Background()))

	old := l.Current()

	src.set(testContents("anthropic"), false)
	require.NoError(t, l.Load(context.Background()))

	fresh := l.Current()
	assert.Equal(t, int64(2), fresh.Generation)
	_, ok := fresh.Provider("anthropic")
	assert.True(t, ok)

	// A reader holding the old generation still sees a consistent view.
	_, ok = old.Provider("openai")
	assert.True(t, ok)
	_, ok = old.Provider("anthropic")
	assert.False(t, ok)
}

func TestLoad_FailureKeepsCurrentGeneration(t *testing.T) {
	src := &flakySource{contents: testContents("openai")}
	l := NewLoader(src, time.Minute, zap.NewNop())
	require.NoError(t, l.Load(context.Background()))

	src.set(Contents{}, true)
	require.Error(t, l.Load(context.Background()))

	snap := l.Current()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Generation)
}

func TestBindingForModel(t *testing.T) {
	snap := New(1, testContents("openai"))

	b, ok := snap.BindingForModel("m1")
	require.True(t, ok)
	assert.Equal(t, "openai", b.Provider)

	_, ok = snap.BindingForModel("nope")
	assert.False(t, ok)
}

func TestCapabilitySet_HasAll(t *testing.T) {
	have := CapabilitySet{"text", "vision", "structured-output"}
	assert.True(t, have.HasAll(nil))
	assert.True(t, have.HasAll(CapabilitySet{"text"}))
	assert.True(t, have.HasAll(CapabilitySet{"vision", "text"}))
	assert.False(t, have.HasAll(CapabilitySet{"speech"}))
}
