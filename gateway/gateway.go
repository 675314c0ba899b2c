package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openfluxai/fluxgate/audit"
	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/modelrepo"
	"github.com/openfluxai/fluxgate/orchestration"
	"github.com/openfluxai/fluxgate/pipeline"
	"github.com/openfluxai/fluxgate/provider"
	"github.com/openfluxai/fluxgate/provider/openaicompat"
	"github.com/openfluxai/fluxgate/resilience"
	"github.com/openfluxai/fluxgate/routing"
	"github.com/openfluxai/fluxgate/streaming"
	"github.com/openfluxai/fluxgate/telemetry"
	"github.com/openfluxai/fluxgate/tenant"
)

// Gateway is the assembled inference gateway.
type Gateway struct {
	cfg       *Config
	logger    core.Logger
	telemetry core.Telemetry
	otel      *telemetry.OTelProvider

	redis        *redis.Client
	registry     *provider.Registry
	prober       *provider.Prober
	router       *routing.Router
	repo         modelrepo.Repository
	resolver     tenant.Resolver
	plugins      *pipeline.Registry
	orchestrator *orchestration.Orchestrator
	recorder     *audit.Recorder
	memorySink   *audit.MemorySink
	breakers     *resilience.BreakerGroup
}

// New assembles a gateway from config. Providers declared in config are
// registered immediately; more can be added with RegisterProvider.
func New(cfg *Config, logger core.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	if logger == nil {
		logger = core.NewJSONLogger(core.ParseLogLevel(cfg.LogLevel))
	}

	g := &Gateway{cfg: cfg, logger: logger, telemetry: &core.NoOpTelemetry{}}

	if cfg.Telemetry.Enabled {
		otelProvider, err := telemetry.NewOTelProvider(cfg.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		g.otel = otelProvider
		g.telemetry = otelProvider
	}

	if cfg.Redis.Addr != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	g.registry = provider.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		client, err := openaicompat.New(openaicompat.Config{
			ID:        pc.ID,
			Name:      pc.Name,
			Vendor:    pc.Vendor,
			Tier:      provider.Tier(pc.Tier),
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			ModelGlob: pc.ModelGlob,
			Timeout:   pc.Timeout,
			Streaming: pc.Streaming,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		if err := g.registry.Register(client); err != nil {
			return nil, err
		}
	}

	if g.redis != nil {
		g.repo = modelrepo.NewRedisRepository(g.redis, 0)
	} else {
		g.repo = modelrepo.NewInMemoryRepository()
	}

	router, err := routing.NewRouter(g.registry, g.repo, &cfg.Routing, logger)
	if err != nil {
		return nil, err
	}
	g.router = router

	g.breakers = resilience.NewBreakerGroup(&resilience.BreakerConfig{
		Name:             "provider",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		OpenDuration:     cfg.Breaker.OpenDuration,
		ProbePermits:     cfg.Breaker.ProbePermits,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger)

	limiters, err := g.buildLimiters()
	if err != nil {
		return nil, err
	}

	quota, err := g.buildQuota()
	if err != nil {
		return nil, err
	}
	g.resolver = tenant.NewStaticResolver(cfg.Tenants)

	g.recorder, g.memorySink = g.buildRecorder()

	g.plugins = pipeline.NewRegistry(logger)
	if err := g.registerBuiltins(quota, limiters); err != nil {
		return nil, err
	}

	orch, err := orchestration.New(g.plugins, orchestration.Config{
		MaxRetries:   cfg.Routing.MaxRetries,
		RetryDelay:   cfg.Routing.RetryDelay,
		AutoFailover: cfg.Routing.AutoFailover,
		Stream:       cfg.Stream,
	}, g.recorder, logger, g.telemetry)
	if err != nil {
		return nil, err
	}
	orch.AddObserver(&orchestration.LoggingObserver{Log: logger})
	if cfg.Telemetry.Enabled {
		orch.AddObserver(&orchestration.TelemetryObserver{Tel: g.telemetry})
	}
	g.orchestrator = orch

	g.prober = provider.NewProber(g.registry, cfg.Routing.HealthInterval, logger)

	return g, nil
}

func (g *Gateway) buildLimiters() (*resilience.KeyedLimiters, error) {
	rl := g.cfg.RateLimit
	if rl.Algorithm == "" {
		return nil, nil
	}
	factory := func() (resilience.Limiter, error) {
		if rl.Algorithm == "sliding-window" {
			return resilience.NewSlidingWindowLimiter(rl.Capacity, rl.Period)
		}
		return resilience.NewTokenBucket(rl.Capacity, rl.Period)
	}
	return resilience.NewKeyedLimiters(factory)
}

func (g *Gateway) buildQuota() (tenant.QuotaStore, error) {
	if g.cfg.Quota.RequestsPerWindow == 0 && g.cfg.Quota.TokensPerWindow == 0 {
		return nil, nil
	}
	if g.redis != nil {
		return tenant.NewRedisQuotaStore(g.redis, g.cfg.Quota)
	}
	return tenant.NewInMemoryQuotaStore(g.cfg.Quota)
}

func (g *Gateway) buildRecorder() (*audit.Recorder, *audit.MemorySink) {
	var sinks []audit.Sink
	var memory *audit.MemorySink
	for _, name := range g.cfg.Audit.Sinks {
		switch name {
		case "logger":
			sinks = append(sinks, audit.NewLoggerSink(g.logger))
		case "memory":
			memory = audit.NewMemorySink(g.cfg.Audit.MemoryLimit)
			sinks = append(sinks, memory)
		case "redis":
			if g.redis != nil {
				sinks = append(sinks, audit.NewRedisSink(g.redis, g.cfg.Audit.RedisMaxLen))
			} else {
				g.logger.Warn("Redis audit sink requested without a Redis address", map[string]interface{}{
					"operation": "gateway_init",
				})
			}
		}
	}
	return audit.NewRecorder(g.logger, sinks...), memory
}

func (g *Gateway) registerBuiltins(quota tenant.QuotaStore, limiters *resilience.KeyedLimiters) error {
	validate, err := pipeline.NewValidatePlugin(g.cfg.Validation)
	if err != nil {
		return err
	}
	preprocess, err := pipeline.NewPreProcessPlugin(g.cfg.PreProcess)
	if err != nil {
		return err
	}
	for _, p := range []pipeline.Plugin{
		validate,
		pipeline.NewAuthorizePlugin(quota),
		preprocess,
		pipeline.NewRoutePlugin(g.router),
		pipeline.NewInferencePlugin(g.registry, g.breakers, limiters),
		pipeline.NewPostProcessPlugin(pipeline.NewMemoryHistoryStore()),
		pipeline.NewAuditPlugin(g.recorder),
	} {
		if err := g.plugins.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background health prober.
func (g *Gateway) Start(ctx context.Context) {
	g.prober.Start(ctx)
}

// Process runs a unary inference request for the tenant.
func (g *Gateway) Process(ctx context.Context, tenantID string, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	tc, err := g.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ctx, span := g.telemetry.StartSpan(ctx, "gateway.process")
	defer span.End()
	span.SetAttribute("requestId", req.RequestID)
	span.SetAttribute("model", req.Model)

	resp, err := g.orchestrator.Execute(ctx, req, tc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// ProcessStream runs a streaming inference request for the tenant.
func (g *Gateway) ProcessStream(ctx context.Context, tenantID string, req *core.InferenceRequest, callbacks streaming.Callbacks) (*streaming.Stream, error) {
	tc, err := g.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return g.orchestrator.ExecuteStream(ctx, req, tc, callbacks)
}

// resolveTenant admits any tenant id when no tenant set is configured.
func (g *Gateway) resolveTenant(ctx context.Context, tenantID string) (*core.TenantContext, error) {
	if len(g.cfg.Tenants) == 0 {
		if tenantID == "" {
			return nil, &core.GatewayError{
				Op:      "gateway.resolveTenant",
				Kind:    core.KindAuthorization,
				Message: "tenant id is required",
				Err:     core.ErrAuthorization,
			}
		}
		return core.NewTenantContext(tenantID, nil), nil
	}
	return g.resolver.Resolve(ctx, tenantID)
}

// RegisterProvider adds a provider at runtime.
func (g *Gateway) RegisterProvider(p provider.Provider) error {
	return g.registry.Register(p)
}

// Registry exposes the provider registry for inspection endpoints.
func (g *Gateway) Registry() *provider.Registry { return g.registry }

// BreakerStates reports every provider breaker's state.
func (g *Gateway) BreakerStates() map[string]string { return g.breakers.States() }

// AuditRecords returns the in-memory audit trail when the memory sink is
// configured.
func (g *Gateway) AuditRecords() []*audit.Payload {
	if g.memorySink == nil {
		return nil
	}
	return g.memorySink.Records()
}

// Cancel aborts an in-flight request by id.
func (g *Gateway) Cancel(requestID string) bool {
	return g.orchestrator.Cancel(requestID)
}

// ReloadRouting swaps the routing configuration.
func (g *Gateway) ReloadRouting(cfg *routing.Config) error {
	return g.router.Reload(cfg)
}

// Close releases background resources.
func (g *Gateway) Close(ctx context.Context) error {
	g.prober.Stop()
	for _, p := range g.registry.List() {
		if err := p.Shutdown(ctx); err != nil {
			g.logger.Warn("Provider shutdown failed", map[string]interface{}{
				"operation": "gateway_close",
				"provider":  p.ID(),
				"error":     err.Error(),
			})
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			return err
		}
	}
	if g.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return g.otel.Shutdown(shutdownCtx)
	}
	return nil
}
