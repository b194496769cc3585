package policy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"funding-rate-alerts/internal/funding"
)

// Registry tracks which symbols are polled and at which alert tier.
type Registry struct {
	primary string
	allow   map[string]struct{}

	mu          sync.RWMutex
	policies    map[string]funding.Policy
	refreshedAt time.Time
}

// NewRegistry builds an empty registry. primary is the only symbol that ever gets
// funding.Full; allow, when non-empty, restricts tracking to the listed symbols.
func NewRegistry(primary string, allow []string) *Registry {
	r := &Registry{
		primary:  strings.ToUpper(strings.TrimSpace(primary)),
		policies: make(map[string]funding.Policy),
	}
	if len(allow) > 0 {
		r.allow = make(map[string]struct{}, len(allow))
		for _, s := range allow {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				r.allow[s] = struct{}{}
			}
		}
	}
	return r
}

// Primary returns the symbol reserved for full alerting.
func (r *Registry) Primary() string {
	return r.primary
}

// Refresh replaces the tracked set with symbols. New symbols are added with their
// tier, vanished ones removed. Stored symbol state is not touched.
func (r *Registry) Refresh(symbols []string) (added, removed []string) {
	next := make(map[string]funding.Policy, len(symbols))
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		if r.allow != nil {
			if _, ok := r.allow[sym]; !ok {
				continue
			}
		}
		next[sym] = funding.Policy{Symbol: sym, Tier: r.tierFor(sym)}
	}

	r.mu.Lock()
	for sym := range next {
		if _, ok := r.policies[sym]; !ok {
			added = append(added, sym)
		}
	}
	for sym := range r.policies {
		if _, ok := next[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	r.policies = next
	r.refreshedAt = time.Now().UTC()
	r.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func (r *Registry) tierFor(sym string) funding.Tier {
	if sym == r.primary {
		return funding.Full
	}
	return funding.ExtremeOnly
}

// Policy looks up the policy of a tracked symbol.
func (r *Registry) Policy(symbol string) (funding.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[strings.ToUpper(symbol)]
	return p, ok
}

// Snapshot returns the current policies sorted by symbol. The slice is owned by the caller.
func (r *Registry) Snapshot() []funding.Policy {
	r.mu.RLock()
	out := make([]funding.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the tracked symbols sorted.
func (r *Registry) Symbols() []string {
	snap := r.Snapshot()
	out := make([]string, len(snap))
	for i, p := range snap {
		out[i] = p.Symbol
	}
	return out
}

// Len returns the number of tracked symbols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}

// RefreshedAt returns the time of the last Refresh (zero if never).
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}
