package pipeline

import (
	"context"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/routing"
)

// RoutePlugin resolves the provider for the request. On failover the
// orchestrator re-runs this plugin with the failed provider appended to
// VarExcludedProviders, so the decision variables are overwritten on each
// attempt.
type RoutePlugin struct {
	router *routing.Router
}

// NewRoutePlugin creates the plugin over the router.
func NewRoutePlugin(router *routing.Router) *RoutePlugin {
	return &RoutePlugin{router: router}
}

func (p *RoutePlugin) ID() string   { return "builtin.route" }
func (p *RoutePlugin) Phase() Phase { return PhaseRoute }
func (p *RoutePlugin) Order() int   { return 0 }

func (p *RoutePlugin) ShouldExecute(*core.ExecutionContext) bool { return true }

func (p *RoutePlugin) Execute(ctx context.Context, ec *core.ExecutionContext, eng Engine) error {
	req := ec.Request
	rctx := &routing.Context{
		PreferredProvider: req.PreferredProvider,
		Priority:          req.Priority,
	}
	if ec.Tenant != nil {
		rctx.Tenant = ec.Tenant.ID
		if pool, ok := ec.Tenant.Attribute("pool"); ok {
			rctx.PoolID = pool
		}
		if _, ok := ec.Tenant.Attribute("costSensitive"); ok {
			rctx.CostSensitive = true
		}
	}
	if v, ok := ec.Variable(VarExcludedProviders); ok {
		if excluded, ok := v.([]string); ok {
			rctx.Excluded = excluded
		}
	}

	decision, err := p.router.Route(ctx, req.Model, rctx, req)
	if err != nil {
		return err
	}

	ec.OverwriteVariable(VarRoutingDecision, decision)
	ec.OverwriteVariable(VarSelectedProvider, decision.Provider)
	eng.Logger().Debug("Provider selected", map[string]interface{}{
		"operation": "route",
		"requestId": ec.RequestID,
		"provider":  decision.Provider,
		"strategy":  string(decision.Strategy),
	})
	return nil
}
