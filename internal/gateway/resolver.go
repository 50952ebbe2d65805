package gateway

import (
	"fmt"
	"sort"

	"github.com/oakhill/modelgate/internal/snapshot"
)

// Candidate is one binding eligible for a dispatch attempt, paired with
// its owning endpoint.
type Candidate struct {
	Binding  snapshot.Binding
	Endpoint snapshot.ProviderEndpoint
}

// Resolve expands an alias (or explicit model) into the ordered candidate
// list for one snapshot generation. Bindings are kept when their
// capability set covers the request's requirements and their endpoint is
// active. Ordering is deterministic: ascending endpoint priority, then
// ascending cost per token, then registration order. A pure function of
// its inputs; resolving the same request against the same snapshot always
// yields the same list.
func Resolve(snap *snapshot.Snapshot, target string, required snapshot.CapabilitySet) ([]Candidate, error) {
	var bindings []snapshot.Binding
	if alias, ok := snap.Alias(target); ok {
		bindings = alias.Bindings
	} else if b, ok := snap.BindingForModel(target); ok {
		bindings = []snapshot.Binding{b}
	} else {
		return nil, newError(CodeNoProvider, fmt.Sprintf("unknown alias or model %q", target), nil)
	}

	type ranked struct {
		c   Candidate
		pos int
	}
	var candidates []ranked
	for i, b := range bindings {
		endpoint, ok := snap.Provider(b.Provider)
		if !ok || !endpoint.Active {
			continue
		}
		if !b.Capabilities.HasAll(required) {
			continue
		}
		candidates = append(candidates, ranked{
			c:   Candidate{Binding: b, Endpoint: endpoint},
			pos: i,
		})
	}

	if len(candidates) == 0 {
		return nil, newError(CodeNoProvider,
			fmt.Sprintf("no active binding for %q satisfies the required capabilities", target), nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.c.Endpoint.Priority != b.c.Endpoint.Priority {
			return a.c.Endpoint.Priority < b.c.Endpoint.Priority
		}
		if a.c.Binding.CostPerToken != b.c.Binding.CostPerToken {
			return a.c.Binding.CostPerToken < b.c.Binding.CostPerToken
		}
		return a.pos < b.pos
	})

	out := make([]Candidate, len(candidates))
	for i, r := range candidates {
		out[i] = r.c
	}
	return out, nil
}
