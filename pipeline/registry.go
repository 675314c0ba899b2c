package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openfluxai/fluxgate/core"
)

// Registry holds the plugin chain. Reads take an atomic snapshot of the
// sorted chain; registration copies and re-sorts under a mutex, so
// in-flight requests always walk a consistent chain.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Value // []Plugin sorted by (phase, order, id)
	logger   core.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{logger: logger}
	r.snapshot.Store([]Plugin{})
	return r
}

func (r *Registry) snap() []Plugin {
	return r.snapshot.Load().([]Plugin)
}

// Register adds a plugin to the chain. Duplicate ids and unknown phases
// fail.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if p.ID() == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}
	if !p.Phase().Valid() {
		return fmt.Errorf("plugin %q: unknown phase %q", p.ID(), p.Phase())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snap()
	for _, existing := range current {
		if existing.ID() == p.ID() {
			return fmt.Errorf("plugin %q: %w", p.ID(), core.ErrAlreadyRegistered)
		}
	}
	next := make([]Plugin, len(current), len(current)+1)
	copy(next, current)
	next = append(next, p)
	sortChain(next)
	r.snapshot.Store(next)

	r.logger.Info("Plugin registered", map[string]interface{}{
		"operation": "plugin_register",
		"plugin":    p.ID(),
		"phase":     string(p.Phase()),
		"order":     p.Order(),
	})
	return nil
}

// Deregister removes a plugin by id.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snap()
	next := make([]Plugin, 0, len(current))
	found := false
	for _, p := range current {
		if p.ID() == id {
			found = true
			continue
		}
		next = append(next, p)
	}
	if !found {
		return fmt.Errorf("plugin %q: %w", id, core.ErrNotFound)
	}
	r.snapshot.Store(next)
	return nil
}

// PluginsFor returns the plugins of one phase in execution order.
func (r *Registry) PluginsFor(phase Phase) []Plugin {
	chain := r.snap()
	out := make([]Plugin, 0, len(chain))
	for _, p := range chain {
		if p.Phase() == phase {
			out = append(out, p)
		}
	}
	return out
}

// Chain returns the full sorted chain.
func (r *Registry) Chain() []Plugin {
	chain := r.snap()
	out := make([]Plugin, len(chain))
	copy(out, chain)
	return out
}

func sortChain(chain []Plugin) {
	sort.SliceStable(chain, func(i, j int) bool {
		pi, pj := chain[i], chain[j]
		if pi.Phase().Index() != pj.Phase().Index() {
			return pi.Phase().Index() < pj.Phase().Index()
		}
		if pi.Order() != pj.Order() {
			return pi.Order() < pj.Order()
		}
		return pi.ID() < pj.ID()
	})
}
