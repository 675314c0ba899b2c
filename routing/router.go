package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/modelrepo"
	"github.com/openfluxai/fluxgate/provider"
)

// maxFallbacks bounds the fallback list recorded in a Decision.
const maxFallbacks = 2

// Router selects a provider for each request. Configuration is held in an
// atomic.Value so Reload swaps it without blocking in-flight decisions.
type Router struct {
	registry *provider.Registry
	repo     modelrepo.Repository
	cfg      atomic.Value // *Config
	rr       uint64
	rng      *lockedRand
	logger   core.Logger
}

// NewRouter creates a router over the registry and manifest repository. The
// repository may be nil, in which case every routable model is resolved by
// scanning provider claims.
func NewRouter(registry *provider.Registry, repo modelrepo.Repository, cfg *Config, logger core.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routing config: %w", err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Router{
		registry: registry,
		repo:     repo,
		rng:      newLockedRand(time.Now().UnixNano()),
		logger:   logger,
	}
	r.cfg.Store(cfg)
	return r, nil
}

// Config returns the current configuration snapshot.
func (r *Router) Config() *Config {
	return r.cfg.Load().(*Config)
}

// Reload validates and swaps in a new configuration.
func (r *Router) Reload(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("routing config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	r.cfg.Store(cfg)
	r.logger.Info("Routing configuration reloaded", map[string]interface{}{
		"operation": "routing_reload",
		"strategy":  string(cfg.DefaultStrategy),
	})
	return nil
}

// Route picks a provider for the request. The decision lists up to two
// fallback providers, disjoint from the selection, for orchestrator-side
// failover. No eligible candidate yields core.ErrNoCompatibleProvider.
func (r *Router) Route(ctx context.Context, modelID string, rctx *Context, req *core.InferenceRequest) (*Decision, error) {
	if rctx == nil {
		rctx = &Context{}
	}
	cfg := r.Config()

	strategy := rctx.Strategy
	if strategy == "" {
		strategy = cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, &core.GatewayError{
			Op:      "route",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("unknown routing strategy %q", strategy),
			Err:     core.ErrValidation,
		}
	}
	if rctx.PreferredProvider == "" && req != nil {
		rctx.PreferredProvider = req.PreferredProvider
	}

	cands, err := r.candidates(ctx, modelID, rctx, cfg, req)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, &core.GatewayError{
			Op:      "route",
			Kind:    core.KindPermanentProvider,
			Message: fmt.Sprintf("no provider can serve model %q", modelID),
			Err:     fmt.Errorf("model %q: %w", modelID, core.ErrNoCompatibleProvider),
		}
	}

	ranked := rank(strategy, cands, rctx, cfg, &r.rr, r.rng)
	if len(ranked) == 0 {
		// USER_SELECTED with an absent preference is the only path here.
		return nil, &core.GatewayError{
			Op:      "route",
			Kind:    core.KindPermanentProvider,
			Message: fmt.Sprintf("preferred provider %q is not eligible for model %q", rctx.PreferredProvider, modelID),
			Err:     fmt.Errorf("provider %q: %w", rctx.PreferredProvider, core.ErrNoCompatibleProvider),
		}
	}

	fallbacks := make([]string, 0, maxFallbacks)
	for _, c := range ranked[1:] {
		if len(fallbacks) == maxFallbacks {
			break
		}
		fallbacks = append(fallbacks, c.id)
	}

	d := &Decision{
		Provider:  ranked[0].id,
		PoolID:    rctx.PoolID,
		Strategy:  strategy,
		Score:     ranked[0].scoreIs,
		Fallbacks: fallbacks,
		Timestamp: time.Now().UTC(),
	}
	r.logger.Debug("Routing decision", map[string]interface{}{
		"operation": "route",
		"model":     modelID,
		"provider":  d.Provider,
		"strategy":  string(strategy),
		"fallbacks": fallbacks,
	})
	return d, nil
}

// candidates resolves the eligible provider set for the model: manifest pin
// when present, otherwise a claim scan, then pool, exclusion, and health
// filtering. The result is sorted by id.
func (r *Router) candidates(ctx context.Context, modelID string, rctx *Context, cfg *Config, req *core.InferenceRequest) ([]candidate, error) {
	var pinned []string
	if r.repo != nil {
		m, err := r.repo.FindByID(ctx, modelID, rctx.Tenant)
		switch {
		case err == nil:
			pinned = m.Providers
		case !isNotFound(err):
			return nil, fmt.Errorf("resolving model %q: %w", modelID, err)
		}
		// Unknown manifest falls back to the claim scan: providers with a
		// matching glob may still serve pass-through models.
	}

	var pool map[string]bool
	if rctx.PoolID != "" {
		members, ok := cfg.Pools[rctx.PoolID]
		if !ok {
			return nil, &core.GatewayError{
				Op:      "route",
				Kind:    core.KindValidation,
				Message: fmt.Sprintf("unknown provider pool %q", rctx.PoolID),
				Err:     core.ErrValidation,
			}
		}
		pool = make(map[string]bool, len(members))
		for _, id := range members {
			pool[id] = true
		}
	}
	excluded := rctx.excludedSet()

	eligible := func(p provider.Provider) bool {
		id := p.ID()
		if excluded[id] {
			return false
		}
		if pool != nil && !pool[id] {
			return false
		}
		if !p.Supports(modelID, req) {
			return false
		}
		return true
	}

	var providers []provider.Provider
	if len(pinned) > 0 {
		for _, id := range pinned {
			if p, ok := r.registry.Get(id); ok && eligible(p) {
				providers = append(providers, p)
			}
		}
	} else {
		for _, p := range r.registry.List() {
			if eligible(p) {
				providers = append(providers, p)
			}
		}
	}

	cands := make([]candidate, 0, len(providers))
	for _, p := range providers {
		id := p.ID()
		h := r.registry.HealthOf(id)
		if h.Status == provider.Unhealthy {
			continue
		}
		weight := 1.0
		if w, ok := cfg.Weights[id]; ok {
			weight = w
		}
		cands = append(cands, candidate{
			id:     id,
			tier:   p.Descriptor().Tier,
			health: h.Status,
			weight: weight,
			active: r.registry.ActiveCount(id),
			p95:    r.registry.LatencyP95(id),
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })
	return cands, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, modelrepo.ErrModelNotFound) || errors.Is(err, core.ErrNotFound)
}
