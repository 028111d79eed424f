package guard

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry holds one Guard per source.
type Registry struct {
	mu     sync.RWMutex
	guards map[string]*Guard
	logger *logrus.Logger
}

// NewRegistry returns an empty guard registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		guards: make(map[string]*Guard),
		logger: logger,
	}
}

// Add creates and stores a guard for the named source, replacing any
// previous one.
func (r *Registry) Add(name string, cfg Config) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := New(name, cfg, r.logger)
	r.guards[name] = g
	return g
}

// Get returns the guard for name, or nil when the source is unknown.
func (r *Registry) Get(name string) *Guard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guards[name]
}

// Rank orders candidate source names by reliability score, best first,
// dropping sources that are not currently dispatchable. Ranking selects
// among sources able to serve the same request; it never swaps in a
// different source behind the caller's back.
func (r *Registry) Rank(candidates []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		name  string
		score float64
	}
	eligible := make([]scored, 0, len(candidates))
	for _, name := range candidates {
		g, ok := r.guards[name]
		if !ok || !g.Dispatchable() {
			continue
		}
		eligible = append(eligible, scored{name: name, score: g.Score()})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].score > eligible[j].score
	})

	out := make([]string, len(eligible))
	for i, e := range eligible {
		out[i] = e.name
	}
	return out
}
