// Package tenant resolves caller identity and enforces per-tenant quotas.
package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfluxai/fluxgate/core"
)

// Resolver maps an asserted tenant id to its verified context. Unknown
// tenants fail with an authorization error.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (*core.TenantContext, error)
}

// StaticResolver serves a fixed tenant set, typically loaded from
// configuration.
type StaticResolver struct {
	mu      sync.RWMutex
	tenants map[string]*core.TenantContext
}

// NewStaticResolver creates a resolver over the attribute maps, keyed by
// tenant id.
func NewStaticResolver(tenants map[string]map[string]string) *StaticResolver {
	resolved := make(map[string]*core.TenantContext, len(tenants))
	for id, attrs := range tenants {
		resolved[id] = core.NewTenantContext(id, attrs)
	}
	return &StaticResolver{tenants: resolved}
}

// Add registers or replaces a tenant.
func (r *StaticResolver) Add(id string, attributes map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[id] = core.NewTenantContext(id, attributes)
}

// Resolve returns the tenant context or an authorization failure.
func (r *StaticResolver) Resolve(_ context.Context, tenantID string) (*core.TenantContext, error) {
	if tenantID == "" {
		return nil, &core.GatewayError{
			Op:      "tenant.Resolve",
			Kind:    core.KindAuthorization,
			Message: "tenant id is required",
			Err:     core.ErrAuthorization,
		}
	}
	r.mu.RLock()
	tc, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.GatewayError{
			Op:      "tenant.Resolve",
			Kind:    core.KindAuthorization,
			Message: fmt.Sprintf("unknown tenant %q", tenantID),
			Err:     core.ErrAuthorization,
		}
	}
	return tc, nil
}
