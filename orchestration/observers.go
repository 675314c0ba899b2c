// Package orchestration drives requests through the plugin pipeline:
// lifecycle state transitions, per-phase error policy, provider failover
// with backoff, and streaming handoff to the transport layer.
package orchestration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/pipeline"
)

// Observer receives lifecycle events synchronously on the request's
// execution goroutine. Implementations must not block.
type Observer interface {
	OnStart(ec *core.ExecutionContext)
	OnPhase(ec *core.ExecutionContext, phase pipeline.Phase, d time.Duration, err error)
	OnProviderInvoke(ec *core.ExecutionContext, providerID string)
	OnSuccess(ec *core.ExecutionContext, resp *core.InferenceResponse)
	OnFailure(ec *core.ExecutionContext, err error)
}

// observerSet is a copy-on-write observer list: registration copies under
// a mutex, notification iterates a lock-free snapshot.
type observerSet struct {
	mu       sync.Mutex
	snapshot atomic.Value // []Observer
}

func newObserverSet() *observerSet {
	s := &observerSet{}
	s.snapshot.Store([]Observer{})
	return s
}

func (s *observerSet) add(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.snapshot.Load().([]Observer)
	next := make([]Observer, len(current), len(current)+1)
	copy(next, current)
	s.snapshot.Store(append(next, o))
}

func (s *observerSet) all() []Observer {
	return s.snapshot.Load().([]Observer)
}

// LoggingObserver logs lifecycle events at debug level, failures at warn.
type LoggingObserver struct {
	Log core.Logger
}

func (o *LoggingObserver) OnStart(ec *core.ExecutionContext) {
	o.Log.Debug("Request started", map[string]interface{}{
		"operation": "lifecycle",
		"requestId": ec.RequestID,
		"model":     ec.Request.Model,
	})
}

func (o *LoggingObserver) OnPhase(ec *core.ExecutionContext, phase pipeline.Phase, d time.Duration, err error) {
	fields := map[string]interface{}{
		"operation": "lifecycle",
		"requestId": ec.RequestID,
		"phase":     string(phase),
		"ms":        d.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		o.Log.Warn("Phase failed", fields)
		return
	}
	o.Log.Debug("Phase completed", fields)
}

func (o *LoggingObserver) OnProviderInvoke(ec *core.ExecutionContext, providerID string) {
	o.Log.Debug("Invoking provider", map[string]interface{}{
		"operation": "lifecycle",
		"requestId": ec.RequestID,
		"provider":  providerID,
	})
}

func (o *LoggingObserver) OnSuccess(ec *core.ExecutionContext, resp *core.InferenceResponse) {
	o.Log.Info("Request completed", map[string]interface{}{
		"operation": "lifecycle",
		"requestId": ec.RequestID,
		"model":     resp.Model,
		"tokens":    resp.TokensUsed,
		"ms":        resp.DurationMs,
	})
}

func (o *LoggingObserver) OnFailure(ec *core.ExecutionContext, err error) {
	o.Log.Warn("Request failed", map[string]interface{}{
		"operation": "lifecycle",
		"requestId": ec.RequestID,
		"kind":      string(core.KindOf(err)),
		"error":     err.Error(),
	})
}

// TelemetryObserver feeds request metrics to the telemetry facade.
type TelemetryObserver struct {
	Tel core.Telemetry
}

func (o *TelemetryObserver) OnStart(*core.ExecutionContext) {
	o.Tel.RecordMetric("gateway.requests.started", 1, nil)
}

func (o *TelemetryObserver) OnPhase(_ *core.ExecutionContext, phase pipeline.Phase, d time.Duration, err error) {
	labels := map[string]string{"phase": string(phase)}
	if err != nil {
		labels["outcome"] = "error"
	} else {
		labels["outcome"] = "ok"
	}
	o.Tel.RecordMetric("gateway.phase.duration_ms", float64(d.Milliseconds()), labels)
}

func (o *TelemetryObserver) OnProviderInvoke(_ *core.ExecutionContext, providerID string) {
	o.Tel.RecordMetric("gateway.provider.invocations", 1, map[string]string{"provider": providerID})
}

func (o *TelemetryObserver) OnSuccess(ec *core.ExecutionContext, resp *core.InferenceResponse) {
	o.Tel.RecordMetric("gateway.requests.completed", 1, nil)
	o.Tel.RecordMetric("gateway.tokens.used", float64(resp.TokensUsed), map[string]string{"model": ec.Request.Model})
}

func (o *TelemetryObserver) OnFailure(_ *core.ExecutionContext, err error) {
	o.Tel.RecordMetric("gateway.requests.failed", 1, map[string]string{"kind": string(core.KindOf(err))})
}
