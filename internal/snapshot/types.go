package snapshot

import "time"

// Capability names a feature a binding must support to serve a request,
// e.g. "text", "vision", "speech", "structured-output".
type Capability string

type CapabilitySet []Capability

// HasAll reports whether every capability in required is present in s.
func (s CapabilitySet) HasAll(required CapabilitySet) bool {
	for _, want := range required {
		found := false
		for _, have := range s {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ProviderEndpoint describes one upstream backend. Owned by the external
// configuration source; read-only here.
type ProviderEndpoint struct {
	ID         string
	Name       string // adapter name, e.g. "openai"
	WireFormat string
	Priority   int // lower tries first
	Active     bool
}

// Binding maps an alias to a concrete (provider, model) pair.
type Binding struct {
	Provider      string // ProviderEndpoint.Name
	Model         string
	ContextWindow int
	CostPerToken  float64 // USD per token
	Capabilities  CapabilitySet
}

// ModelAlias is a semantic name with an ordered list of bindings.
type ModelAlias struct {
	Alias    string
	Bindings []Binding // registration order, used as the final tie-break
}

// TenantConfig holds one tenant's credential and limits.
type TenantConfig struct {
	ID                  string
	KeyHash             string // sha256 hex of the API credential
	RequestsPerInterval int
	CostBudgetUSD       float64 // per quota interval; 0 means unlimited
	CacheNamespace      string
	PreferredModel      string // optional default target when the request names none
}

// Snapshot is one immutable generation of routing configuration. A new
// generation wholly supersedes the previous one; nothing here is mutated
// after construction.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time

	providers     map[string]ProviderEndpoint
	aliases       map[string]ModelAlias
	tenantsByHash map[string]TenantConfig
	modelIndex    map[string]modelRef // explicit model -> first registered binding
}

type modelRef struct {
	binding Binding
}

// Contents is the full set of records needed to build one generation.
type Contents struct {
	Providers []ProviderEndpoint
	Aliases   []ModelAlias
	Tenants   []TenantConfig
}

// New builds an immutable snapshot from the given contents.
func New(generation int64, c Contents) *Snapshot {
	s := &Snapshot{
		Generation:    generation,
		LoadedAt:      time.Now(),
		providers:     make(map[string]ProviderEndpoint, len(c.Providers)),
		aliases:       make(map[string]ModelAlias, len(c.Aliases)),
		tenantsByHash: make(map[string]TenantConfig, len(c.Tenants)),
		modelIndex:    make(map[string]modelRef),
	}
	for _, p := range c.Providers {
		s.providers[p.Name] = p
	}
	for _, a := range c.Aliases {
		s.aliases[a.Alias] = a
		for _, b := range a.Bindings {
			if _, ok := s.modelIndex[b.Model]; !ok {
				s.modelIndex[b.Model] = modelRef{binding: b}
			}
		}
	}
	for _, t := range c.Tenants {
		s.tenantsByHash[t.KeyHash] = t
	}
	return s
}

// Provider returns the endpoint with the given name.
func (s *Snapshot) Provider(name string) (ProviderEndpoint, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Alias returns the alias record for the given semantic name.
func (s *Snapshot) Alias(name string) (ModelAlias, bool) {
	a, ok := s.aliases[name]
	return a, ok
}

// BindingForModel resolves an explicit model name to its binding.
func (s *Snapshot) BindingForModel(model string) (Binding, bool) {
	ref, ok := s.modelIndex[model]
	return ref.binding, ok
}

// TenantByKeyHash looks up a tenant by its hashed credential.
func (s *Snapshot) TenantByKeyHash(hash string) (TenantConfig, bool) {
	t, ok := s.tenantsByHash[hash]
	return t, ok
}

// ActiveProviderCount reports how many endpoints are currently active.
func (s *Snapshot) ActiveProviderCount() int {
	n := 0
	for _, p := range s.providers {
		if p.Active {
			n++
		}
	}
	return n
}
