package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
	"github.com/openfluxai/fluxgate/resilience"
)

// InferencePlugin invokes the selected provider, wrapped in the
// provider's circuit breaker and the (provider, tenant) rate limiter.
// For streaming requests it opens the provider stream and publishes the
// raw event channel for the transport layer.
type InferencePlugin struct {
	registry *provider.Registry
	breakers *resilience.BreakerGroup
	limiters *resilience.KeyedLimiters
}

// NewInferencePlugin creates the plugin. Limiters may be nil to disable
// rate limiting.
func NewInferencePlugin(registry *provider.Registry, breakers *resilience.BreakerGroup, limiters *resilience.KeyedLimiters) *InferencePlugin {
	return &InferencePlugin{registry: registry, breakers: breakers, limiters: limiters}
}

func (p *InferencePlugin) ID() string   { return "builtin.inference" }
func (p *InferencePlugin) Phase() Phase { return PhaseInference }
func (p *InferencePlugin) Order() int   { return 0 }

func (p *InferencePlugin) ShouldExecute(*core.ExecutionContext) bool { return true }

func (p *InferencePlugin) Execute(ctx context.Context, ec *core.ExecutionContext, eng Engine) error {
	providerID, prov, err := p.selected(ec)
	if err != nil {
		return err
	}

	req := p.effectiveRequest(ec)

	if req.Timeout > 0 && !req.Streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout.Duration())
		defer cancel()
	}

	breaker := p.breakers.For(providerID)
	if req.Streaming {
		return p.executeStream(ctx, ec, eng, providerID, prov, breaker, req)
	}
	return p.executeUnary(ctx, ec, eng, providerID, prov, breaker, req)
}

// selected resolves the provider chosen by the ROUTE phase.
func (p *InferencePlugin) selected(ec *core.ExecutionContext) (string, provider.Provider, error) {
	v, ok := ec.Variable(VarSelectedProvider)
	if !ok {
		return "", nil, &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindInternal,
			RequestID: ec.RequestID,
			Message:   "no provider selected before INFERENCE",
		}
	}
	providerID, _ := v.(string)
	prov, ok := p.registry.Get(providerID)
	if !ok {
		return "", nil, &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindTransientProvider,
			RequestID: ec.RequestID,
			Message:   fmt.Sprintf("provider %q left the registry", providerID),
			Err:       core.ErrProviderUnavailable,
		}
	}
	return providerID, prov, nil
}

// effectiveRequest substitutes pre-processed messages when present.
func (p *InferencePlugin) effectiveRequest(ec *core.ExecutionContext) *core.InferenceRequest {
	req := ec.Request
	v, ok := ec.Variable(VarMessages)
	if !ok {
		return req
	}
	messages, ok := v.([]core.Message)
	if !ok {
		return req
	}
	processed := *req
	processed.Messages = messages
	return &processed
}

// acquirePermit takes one rate limiter permit for (provider, tenant).
func (p *InferencePlugin) acquirePermit(ec *core.ExecutionContext, providerID string) error {
	if p.limiters == nil {
		return nil
	}
	tenantID := ""
	if ec.Tenant != nil {
		tenantID = ec.Tenant.ID
	}
	limiter := p.limiters.For(providerID + ":" + tenantID)
	if limiter.TryAcquire(1) {
		return nil
	}
	var retryAfter time.Duration
	if tb, ok := limiter.(*resilience.TokenBucket); ok {
		retryAfter = tb.TimeUntilAvailable(1)
	}
	return &core.GatewayError{
		Op:         "inference",
		Kind:       core.KindRateLimited,
		RequestID:  ec.RequestID,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("rate limit exceeded for provider %q", providerID),
		Err:        core.ErrRateLimited,
	}
}

func (p *InferencePlugin) executeUnary(ctx context.Context, ec *core.ExecutionContext, eng Engine, providerID string, prov provider.Provider, breaker *resilience.CircuitBreaker, req *core.InferenceRequest) error {
	var resp *core.InferenceResponse
	err := breaker.Execute(ctx, func() error {
		if err := p.acquirePermit(ec, providerID); err != nil {
			return err
		}
		p.registry.IncActive(providerID)
		start := time.Now()
		var callErr error
		resp, callErr = prov.Infer(ctx, req)
		elapsed := time.Since(start)
		p.registry.DecActive(providerID)
		p.registry.ObserveLatency(providerID, elapsed)
		if callErr == nil && resp != nil {
			resp.DurationMs = elapsed.Milliseconds()
		}
		return callErr
	})
	if err != nil {
		return normalizeProviderError(ec.RequestID, providerID, err)
	}
	if resp == nil {
		return &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindTransientProvider,
			RequestID: ec.RequestID,
			Message:   fmt.Sprintf("provider %q returned no response", providerID),
			Err:       core.ErrTransientProvider,
		}
	}
	ec.OverwriteVariable(VarResponse, resp)
	ec.SetMetadata("provider", providerID)
	ec.SetMetadata("tokensUsed", resp.TokensUsed)
	return nil
}

func (p *InferencePlugin) executeStream(ctx context.Context, ec *core.ExecutionContext, eng Engine, providerID string, prov provider.Provider, breaker *resilience.CircuitBreaker, req *core.InferenceRequest) error {
	streamer, ok := prov.(provider.Streamer)
	if !ok {
		return &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindValidation,
			RequestID: ec.RequestID,
			Message:   fmt.Sprintf("provider %q does not support streaming", providerID),
			Err:       core.ErrValidation,
		}
	}

	// The cancel func outlives this plugin: the stream consumer aborts the
	// provider-side call through it.
	streamCtx, cancel := context.WithCancel(ctx)
	var events <-chan provider.StreamEvent
	err := breaker.Execute(streamCtx, func() error {
		if err := p.acquirePermit(ec, providerID); err != nil {
			return err
		}
		var openErr error
		events, openErr = streamer.InferStream(streamCtx, req)
		return openErr
	})
	if err != nil {
		cancel()
		return normalizeProviderError(ec.RequestID, providerID, err)
	}

	p.registry.IncActive(providerID)
	ec.OverwriteVariable(VarStream, events)
	ec.OverwriteVariable(VarStreamCancel, context.CancelFunc(func() {
		cancel()
		p.registry.DecActive(providerID)
	}))
	ec.SetMetadata("provider", providerID)
	return nil
}

// normalizeProviderError tags provider failures with the request id and
// maps context expiry to the timeout/cancel taxonomy.
func normalizeProviderError(requestID, providerID string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindTimeout,
			RequestID: requestID,
			Message:   fmt.Sprintf("provider %q timed out", providerID),
			Err:       core.ErrTimeout,
		}
	case errors.Is(err, context.Canceled):
		return &core.GatewayError{
			Op:        "inference",
			Kind:      core.KindCancelled,
			RequestID: requestID,
			Message:   "request cancelled during provider call",
			Err:       core.ErrCancelled,
		}
	}
	var ge *core.GatewayError
	if errors.As(err, &ge) {
		if ge.RequestID == "" {
			ge.RequestID = requestID
		}
		return err
	}
	// Sentinel errors keep their kind; anything unclassified is assumed
	// transient so failover gets a chance.
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		kind = core.KindTransientProvider
	}
	return &core.GatewayError{
		Op:        "inference",
		Kind:      kind,
		RequestID: requestID,
		Message:   fmt.Sprintf("provider %q failed", providerID),
		Err:       err,
	}
}
