package pipeline

import (
	"context"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/tenant"
)

// estimateTokens is the cheap pre-inference token estimate: roughly four
// bytes of content per token, plus the requested completion budget.
func estimateTokens(messages []core.Message, params core.GenerationParams) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	return int64(chars/4 + params.MaxTokens)
}

// AuthorizePlugin charges the tenant's quota before any provider work
// happens. A rejected charge fails the request with the quota error and
// its window-reset retry hint.
type AuthorizePlugin struct {
	quota tenant.QuotaStore
}

// NewAuthorizePlugin creates the plugin over the quota store.
func NewAuthorizePlugin(quota tenant.QuotaStore) *AuthorizePlugin {
	return &AuthorizePlugin{quota: quota}
}

func (p *AuthorizePlugin) ID() string   { return "builtin.authorize" }
func (p *AuthorizePlugin) Phase() Phase { return PhaseAuthorize }
func (p *AuthorizePlugin) Order() int   { return 0 }

func (p *AuthorizePlugin) ShouldExecute(ec *core.ExecutionContext) bool {
	return p.quota != nil && ec.Tenant != nil
}

func (p *AuthorizePlugin) Execute(ctx context.Context, ec *core.ExecutionContext, eng Engine) error {
	estimated := estimateTokens(ec.Request.Messages, ec.Request.Parameters)
	if err := p.quota.Consume(ctx, ec.Tenant.ID, 1, estimated); err != nil {
		eng.Logger().Warn("Tenant quota rejected request", map[string]interface{}{
			"operation": "authorize",
			"requestId": ec.RequestID,
			"tenant":    ec.Tenant.ID,
			"estimated": estimated,
		})
		return err
	}
	ec.SetMetadata("estimatedTokens", estimated)
	return nil
}
