package provider

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

// statsWindow is the number of latency samples kept per provider.
const statsWindow = 128

// stats tracks per-provider load and latency.
type stats struct {
	active    atomic.Int64
	mu        sync.Mutex
	latencies []float64 // milliseconds, ring
	next      int
	filled    bool
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencies == nil {
		s.latencies = make([]float64, statsWindow)
	}
	s.latencies[s.next] = float64(d.Milliseconds())
	s.next = (s.next + 1) % statsWindow
	if s.next == 0 {
		s.filled = true
	}
}

func (s *stats) p95() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.filled {
		n = statsWindow
	}
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, s.latencies[:n])
	sort.Float64s(sorted)
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Registry holds the registered providers. Reads take an atomic snapshot;
// writers copy-on-write under a mutex, so routing always sees a consistent
// view while registrations swap atomically.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Value // map[string]Provider

	statsMu sync.Mutex
	stats   map[string]*stats

	healthMu sync.RWMutex
	health   map[string]Health

	logger core.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{
		stats:  make(map[string]*stats),
		health: make(map[string]Health),
		logger: logger,
	}
	r.snapshot.Store(map[string]Provider{})
	return r
}

func (r *Registry) snap() map[string]Provider {
	return r.snapshot.Load().(map[string]Provider)
}

// Register adds a provider. Duplicate ids fail.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snap()
	if _, exists := current[id]; exists {
		return fmt.Errorf("provider %q: %w", id, core.ErrAlreadyRegistered)
	}
	next := make(map[string]Provider, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = p
	r.snapshot.Store(next)

	r.logger.Info("Provider registered", map[string]interface{}{
		"operation": "provider_register",
		"provider":  id,
		"vendor":    p.Descriptor().Vendor,
		"tier":      string(p.Descriptor().Tier),
	})
	return nil
}

// Deregister removes a provider by id.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snap()
	if _, exists := current[id]; !exists {
		return fmt.Errorf("provider %q: %w", id, core.ErrNotFound)
	}
	next := make(map[string]Provider, len(current)-1)
	for k, v := range current {
		if k != id {
			next[k] = v
		}
	}
	r.snapshot.Store(next)
	return nil
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.snap()[id]
	return p, ok
}

// List returns all providers ordered by id.
func (r *Registry) List() []Provider {
	current := r.snap()
	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, current[id])
	}
	return out
}

func (r *Registry) statsFor(id string) *stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s, ok := r.stats[id]
	if !ok {
		s = &stats{}
		r.stats[id] = s
	}
	return s
}

// IncActive marks a request in flight on the provider.
func (r *Registry) IncActive(id string) { r.statsFor(id).active.Add(1) }

// DecActive marks a request finished on the provider.
func (r *Registry) DecActive(id string) { r.statsFor(id).active.Add(-1) }

// ActiveCount returns the provider's in-flight request count.
func (r *Registry) ActiveCount(id string) int64 { return r.statsFor(id).active.Load() }

// ObserveLatency records a completed call's latency.
func (r *Registry) ObserveLatency(id string, d time.Duration) { r.statsFor(id).observe(d) }

// LatencyP95 returns the provider's observed P95 latency in milliseconds,
// zero when unobserved.
func (r *Registry) LatencyP95(id string) float64 { return r.statsFor(id).p95() }

// SetHealth stores a health report. Reports older than the stored one are
// dropped to keep timestamps monotonic per provider.
func (r *Registry) SetHealth(id string, h Health) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if prev, ok := r.health[id]; ok && h.Timestamp.Before(prev.Timestamp) {
		return
	}
	r.health[id] = h
}

// HealthOf returns the last known health of the provider. Providers never
// probed report healthy so cold starts are routable.
func (r *Registry) HealthOf(id string) Health {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	if h, ok := r.health[id]; ok {
		return h
	}
	return Health{Status: Healthy, Timestamp: time.Time{}}
}
