package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfluxai/fluxgate/audit"
	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/pipeline"
	"github.com/openfluxai/fluxgate/provider"
	"github.com/openfluxai/fluxgate/resilience"
	"github.com/openfluxai/fluxgate/routing"
	"github.com/openfluxai/fluxgate/streaming"
)

// Config holds the orchestrator's retry and streaming parameters.
type Config struct {
	// MaxRetries bounds failover attempts; zero disables failover.
	MaxRetries int
	// RetryDelay seeds the exponential backoff between failover attempts.
	RetryDelay time.Duration
	// AutoFailover enables re-routing on retriable provider failures.
	AutoFailover bool
	// Stream configures the streaming transport.
	Stream streaming.Config
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d: %w", c.MaxRetries, core.ErrInvalidConfiguration)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %v: %w", c.RetryDelay, core.ErrInvalidConfiguration)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	return nil
}

// Orchestrator walks each request through the pipeline phases, applying
// the per-phase error policy and the provider failover loop. Its methods
// are safe for concurrent use; each request runs on its caller's
// goroutine.
type Orchestrator struct {
	plugins   *pipeline.Registry
	cfg       Config
	backoff   resilience.BackoffConfig
	recorder  *audit.Recorder
	logger    core.Logger
	telemetry core.Telemetry
	observers *observerSet

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an orchestrator. The recorder may be nil when no audit
// trail is configured.
func New(plugins *pipeline.Registry, cfg Config, recorder *audit.Recorder, logger core.Logger, telemetry core.Telemetry) (*Orchestrator, error) {
	if plugins == nil {
		return nil, fmt.Errorf("plugin registry cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if recorder == nil {
		recorder = audit.NewRecorder(logger)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Orchestrator{
		plugins:   plugins,
		cfg:       cfg,
		backoff:   resilience.BackoffConfig{MaxRetries: cfg.MaxRetries, InitialDelay: cfg.RetryDelay},
		recorder:  recorder,
		logger:    logger,
		telemetry: telemetry,
		observers: newObserverSet(),
		active:    make(map[string]context.CancelFunc),
	}, nil
}

// Logger implements pipeline.Engine.
func (o *Orchestrator) Logger() core.Logger { return o.logger }

// Telemetry implements pipeline.Engine.
func (o *Orchestrator) Telemetry() core.Telemetry { return o.telemetry }

// AddObserver registers a lifecycle observer. Observers are notified
// synchronously and must not block.
func (o *Orchestrator) AddObserver(obs Observer) { o.observers.add(obs) }

// Cancel aborts an in-flight request by id.
func (o *Orchestrator) Cancel(requestID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[requestID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) track(requestID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[requestID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(requestID string) {
	o.mu.Lock()
	delete(o.active, requestID)
	o.mu.Unlock()
}

// Execute runs a unary request to completion.
func (o *Orchestrator) Execute(ctx context.Context, req *core.InferenceRequest, tenant *core.TenantContext) (*core.InferenceResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(req.RequestID, cancel)
	defer o.untrack(req.RequestID)

	ec := core.NewExecutionContext(req, tenant)
	if err := o.start(ctx, ec); err != nil {
		return nil, err
	}

	if err := o.runInferencePath(ctx, ec); err != nil {
		return nil, o.fail(ctx, ec, err)
	}

	// COMPLETED first, then post-processing and audit observe the final
	// state.
	if err := ec.Transition(core.SignalSuccess); err != nil {
		return nil, o.fail(ctx, ec, err)
	}
	o.runPostProcessing(ctx, ec)
	o.runAudit(ctx, ec)

	resp := o.response(ec)
	if resp == nil {
		return nil, o.fail(ctx, ec, &core.GatewayError{
			Op:        "orchestrator.Execute",
			Kind:      core.KindInternal,
			RequestID: ec.RequestID,
			Message:   "pipeline completed without a response",
		})
	}
	for _, obs := range o.observers.all() {
		obs.OnSuccess(ec, resp)
	}
	return resp, nil
}

// ExecuteStream runs a streaming request up to the provider handoff and
// returns the transport stream. The stream pump runs on its own goroutine
// until a terminal state; lifecycle transitions ride on the terminal
// callbacks.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req *core.InferenceRequest, tenant *core.TenantContext, callbacks streaming.Callbacks) (*streaming.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	o.track(req.RequestID, cancel)

	ec := core.NewExecutionContext(req, tenant)
	if err := o.start(ctx, ec); err != nil {
		cancel()
		o.untrack(req.RequestID)
		return nil, err
	}

	if err := o.runInferencePath(ctx, ec); err != nil {
		err = o.fail(ctx, ec, err)
		cancel()
		o.untrack(req.RequestID)
		return nil, err
	}

	events, abort, err := o.streamHandles(ec)
	if err != nil {
		err = o.fail(ctx, ec, err)
		cancel()
		o.untrack(req.RequestID)
		return nil, err
	}

	stream, err := streaming.New(o.cfg.Stream, req.RequestID, events, abort, o.wrapCallbacks(ctx, ec, callbacks), o.logger)
	if err != nil {
		abort()
		err = o.fail(ctx, ec, err)
		cancel()
		o.untrack(req.RequestID)
		return nil, err
	}

	go func() {
		defer cancel()
		defer o.untrack(req.RequestID)
		stream.Run(ctx)
	}()
	return stream, nil
}

// start moves the context to RUNNING and notifies observers.
func (o *Orchestrator) start(ctx context.Context, ec *core.ExecutionContext) error {
	if err := ctx.Err(); err != nil {
		_ = ec.Transition(core.SignalCancel)
		return o.cancelled(ctx, ec)
	}
	if err := ec.Transition(core.SignalStart); err != nil {
		return err
	}
	for _, obs := range o.observers.all() {
		obs.OnStart(ec)
	}
	return nil
}

// runInferencePath executes VALIDATE and AUTHORIZE fail-fast, then the
// PRE_PROCESSING → ROUTE → INFERENCE segment under the failover loop.
func (o *Orchestrator) runInferencePath(ctx context.Context, ec *core.ExecutionContext) error {
	for _, phase := range []pipeline.Phase{pipeline.PhaseValidate, pipeline.PhaseAuthorize} {
		if err := o.runPhase(ctx, ec, phase); err != nil {
			return err
		}
	}
	return o.runWithFailover(ctx, ec)
}

// runWithFailover drives PRE_PROCESSING, ROUTE and INFERENCE, re-routing
// on retriable provider failures. Provider quota and rate-limit failures
// consume a retry and exclude the provider; an open circuit excludes the
// provider without consuming a retry.
func (o *Orchestrator) runWithFailover(ctx context.Context, ec *core.ExecutionContext) error {
	var excluded []string
	var providerErr error
	retries := 0

	for {
		var phaseErr error
		for _, phase := range []pipeline.Phase{pipeline.PhasePreProcessing, pipeline.PhaseRoute, pipeline.PhaseInference} {
			if phase == pipeline.PhaseInference {
				o.notifyProviderInvoke(ec)
			}
			if phaseErr = o.runPhase(ctx, ec, phase); phaseErr != nil {
				break
			}
		}
		if phaseErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return phaseErr
		}

		// Running out of candidates after an exclusion is not the outcome;
		// the provider failure that forced the exclusion is, kind and
		// retry-after intact.
		if providerErr != nil && errors.Is(phaseErr, core.ErrNoCompatibleProvider) {
			return providerErr
		}

		failover := o.cfg.AutoFailover && o.cfg.MaxRetries > 0 && core.IsRetriable(phaseErr)
		if !failover {
			return o.exhausted(ec, phaseErr, retries)
		}

		countsRetry := core.KindOf(phaseErr) != core.KindCircuitOpen
		if countsRetry && retries >= o.cfg.MaxRetries {
			return o.exhausted(ec, phaseErr, retries)
		}

		// PHASE_FAILURE → RETRYING, then START back to RUNNING for the
		// next attempt.
		if err := ec.Transition(core.SignalPhaseFailure); err != nil {
			return phaseErr
		}
		if failed := o.failedProvider(ec); failed != "" {
			excluded = append(excluded, failed)
			providerErr = phaseErr
			ec.OverwriteVariable(pipeline.VarExcludedProviders, excluded)
			o.auditFailover(ctx, ec, failed, phaseErr)
		} else {
			// Nothing to exclude means re-routing cannot change the
			// outcome.
			return o.exhaustedFromRetrying(ec, phaseErr, retries)
		}

		if countsRetry {
			retries++
			if err := resilience.Sleep(ctx, o.backoff.DelayFor(retries)); err != nil {
				_ = ec.Transition(core.SignalCancel)
				return o.cancelledErr(ec)
			}
		}

		if err := ec.Transition(core.SignalStart); err != nil {
			return phaseErr
		}
	}
}

// exhausted records retry exhaustion from RUNNING.
func (o *Orchestrator) exhausted(ec *core.ExecutionContext, err error, retries int) error {
	if retries > 0 && core.IsRetriable(err) {
		return &core.GatewayError{
			Op:        "orchestrator.failover",
			Kind:      core.KindTransientProvider,
			RequestID: ec.RequestID,
			Message:   fmt.Sprintf("gave up after %d failover attempts", retries),
			Err:       fmt.Errorf("%w: %w", core.ErrAllProvidersFailed, err),
		}
	}
	return err
}

// exhaustedFromRetrying closes the RETRYING detour before surfacing.
func (o *Orchestrator) exhaustedFromRetrying(ec *core.ExecutionContext, err error, retries int) error {
	_ = ec.Transition(core.SignalStart)
	return o.exhausted(ec, err, retries)
}

// runPhase executes one phase's plugins in order, accumulating phase
// latency and notifying observers. The first failing plugin stops the
// phase.
func (o *Orchestrator) runPhase(ctx context.Context, ec *core.ExecutionContext, phase pipeline.Phase) error {
	start := time.Now()
	var phaseErr error
	for _, p := range o.plugins.PluginsFor(phase) {
		if !p.ShouldExecute(ec) {
			continue
		}
		if err := ctx.Err(); err != nil {
			phaseErr = o.cancelledErr(ec)
			break
		}
		if err := p.Execute(ctx, ec, o); err != nil {
			phaseErr = err
			break
		}
	}
	elapsed := time.Since(start)
	ec.RecordPhase(string(phase), elapsed)
	for _, obs := range o.observers.all() {
		obs.OnPhase(ec, phase, elapsed, phaseErr)
	}
	return phaseErr
}

// runPostProcessing runs POST_PROCESSING; failures are logged, never
// surfaced.
func (o *Orchestrator) runPostProcessing(ctx context.Context, ec *core.ExecutionContext) {
	if err := o.runPhase(ctx, ec, pipeline.PhasePostProcessing); err != nil {
		o.logger.Warn("Post-processing failed", map[string]interface{}{
			"operation": "orchestrator_postprocess",
			"requestId": ec.RequestID,
			"error":     err.Error(),
		})
	}
}

// runAudit runs AUDIT; failures are swallowed by contract.
func (o *Orchestrator) runAudit(ctx context.Context, ec *core.ExecutionContext) {
	if err := o.runPhase(ctx, ec, pipeline.PhaseAudit); err != nil {
		o.logger.Error("Audit phase failed", map[string]interface{}{
			"operation": "orchestrator_audit",
			"requestId": ec.RequestID,
			"error":     err.Error(),
		})
	}
}

// fail walks the context to its terminal failure state, runs AUDIT and
// notifies observers. It returns the error to surface.
func (o *Orchestrator) fail(ctx context.Context, ec *core.ExecutionContext, err error) error {
	ec.Fail(err)

	switch core.KindOf(err) {
	case core.KindCancelled:
		_ = ec.Transition(core.SignalCancel)
	default:
		if ec.Status() == core.StatusRetrying {
			_ = ec.Transition(core.SignalRetryExhausted)
		} else {
			_ = ec.Transition(core.SignalFailure)
		}
	}

	o.runAudit(ctx, ec)
	for _, obs := range o.observers.all() {
		obs.OnFailure(ec, err)
	}
	return err
}

func (o *Orchestrator) cancelled(ctx context.Context, ec *core.ExecutionContext) error {
	err := o.cancelledErr(ec)
	ec.Fail(err)
	o.runAudit(ctx, ec)
	for _, obs := range o.observers.all() {
		obs.OnFailure(ec, err)
	}
	return err
}

func (o *Orchestrator) cancelledErr(ec *core.ExecutionContext) error {
	return &core.GatewayError{
		Op:        "orchestrator",
		Kind:      core.KindCancelled,
		RequestID: ec.RequestID,
		Message:   "request cancelled",
		Err:       core.ErrCancelled,
	}
}

// response extracts the unary response variable.
func (o *Orchestrator) response(ec *core.ExecutionContext) *core.InferenceResponse {
	v, ok := ec.Variable(pipeline.VarResponse)
	if !ok {
		return nil
	}
	resp, _ := v.(*core.InferenceResponse)
	return resp
}

// streamHandles extracts the provider event channel and abort handle set
// by the inference plugin.
func (o *Orchestrator) streamHandles(ec *core.ExecutionContext) (<-chan provider.StreamEvent, context.CancelFunc, error) {
	v, ok := ec.Variable(pipeline.VarStream)
	if !ok {
		return nil, nil, &core.GatewayError{
			Op:        "orchestrator.stream",
			Kind:      core.KindInternal,
			RequestID: ec.RequestID,
			Message:   "inference produced no stream",
		}
	}
	events, ok := v.(<-chan provider.StreamEvent)
	if !ok {
		return nil, nil, &core.GatewayError{
			Op:        "orchestrator.stream",
			Kind:      core.KindInternal,
			RequestID: ec.RequestID,
			Message:   "unexpected stream variable type",
		}
	}
	abort := context.CancelFunc(func() {})
	if cv, ok := ec.Variable(pipeline.VarStreamCancel); ok {
		if fn, ok := cv.(context.CancelFunc); ok {
			abort = fn
		}
	}
	return events, abort, nil
}

// wrapCallbacks layers lifecycle transitions and auditing over the
// caller's terminal callbacks.
func (o *Orchestrator) wrapCallbacks(ctx context.Context, ec *core.ExecutionContext, cb streaming.Callbacks) streaming.Callbacks {
	return streaming.Callbacks{
		OnComplete: func(totalChunks int) {
			_ = ec.Transition(core.SignalSuccess)
			ec.SetMetadata("streamChunks", totalChunks)
			o.telemetry.RecordMetric("gateway.stream.chunks", float64(totalChunks), nil)
			o.runPostProcessing(ctx, ec)
			o.runAudit(ctx, ec)
			if cb.OnComplete != nil {
				cb.OnComplete(totalChunks)
			}
		},
		OnError: func(err error) {
			ec.Fail(err)
			_ = ec.Transition(core.SignalFailure)
			o.runAudit(ctx, ec)
			for _, obs := range o.observers.all() {
				obs.OnFailure(ec, err)
			}
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
		OnCancel: func(reason string) {
			_ = ec.Transition(core.SignalCancel)
			ec.SetMetadata("cancelReason", reason)
			o.runAudit(ctx, ec)
			if cb.OnCancel != nil {
				cb.OnCancel(reason)
			}
		},
	}
}

// notifyProviderInvoke fires OnProviderInvoke with the routed provider.
func (o *Orchestrator) notifyProviderInvoke(ec *core.ExecutionContext) {
	v, ok := ec.Variable(pipeline.VarSelectedProvider)
	if !ok {
		return
	}
	providerID, _ := v.(string)
	if dv, ok := ec.Variable(pipeline.VarRoutingDecision); ok {
		if decision, ok := dv.(*routing.Decision); ok {
			o.telemetry.RecordMetric("gateway.routing.decisions", 1, map[string]string{
				"provider": decision.Provider,
				"strategy": string(decision.Strategy),
			})
		}
	}
	for _, obs := range o.observers.all() {
		obs.OnProviderInvoke(ec, providerID)
	}
}

// failedProvider names the provider of the failed attempt, if any.
func (o *Orchestrator) failedProvider(ec *core.ExecutionContext) string {
	v, ok := ec.Variable(pipeline.VarSelectedProvider)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// auditFailover seals a PROVIDER_FAILOVER record.
func (o *Orchestrator) auditFailover(ctx context.Context, ec *core.ExecutionContext, failed string, cause error) {
	o.logger.Info("Failing over to another provider", map[string]interface{}{
		"operation": "orchestrator_failover",
		"requestId": ec.RequestID,
		"failed":    failed,
		"kind":      string(core.KindOf(cause)),
	})
	b := audit.NewBuilder(ec.RequestID, audit.EventProviderFailover, audit.LevelWarn).
		Node(failed).
		Tag("failover").
		Meta("errorKind", string(core.KindOf(cause))).
		Meta("model", ec.Request.Model)
	if ec.Tenant != nil {
		b.Meta("tenant", ec.Tenant.ID)
	}
	o.recorder.Record(ctx, b.Seal())
}

// IsAllProvidersFailed reports whether the error is failover exhaustion.
func IsAllProvidersFailed(err error) bool {
	return errors.Is(err, core.ErrAllProvidersFailed)
}
