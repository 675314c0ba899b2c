package pipeline

import (
	"context"

	"github.com/openfluxai/fluxgate/core"
)

// Well-known execution context variable keys shared between plugins and
// the orchestrator.
const (
	// VarRoutingDecision holds the *routing.Decision of the current attempt.
	VarRoutingDecision = "routingDecision"
	// VarSelectedProvider holds the selected provider id.
	VarSelectedProvider = "selectedProviderId"
	// VarMessages holds the pre-processed message slice. When absent, the
	// request's original messages apply.
	VarMessages = "messages"
	// VarResponse holds the *core.InferenceResponse after INFERENCE.
	VarResponse = "response"
	// VarStream holds the provider's raw event channel for streaming
	// requests.
	VarStream = "stream"
	// VarStreamCancel holds the context.CancelFunc aborting the
	// provider-side streaming call.
	VarStreamCancel = "streamCancel"
	// VarExcludedProviders holds the failover exclusion list accumulated
	// across routing attempts.
	VarExcludedProviders = "excludedProviders"
)

// Engine is the orchestrator surface a plugin may call back into during
// execution.
type Engine interface {
	Logger() core.Logger
	Telemetry() core.Telemetry
}

// Plugin is one unit of the pipeline. A plugin is bound to exactly one
// phase; within a phase, plugins run sequentially in ascending Order
// (ties broken by id). Implementations must be safe for concurrent use
// across requests.
type Plugin interface {
	// ID is unique across the whole pipeline.
	ID() string
	// Phase binds the plugin to one pipeline phase.
	Phase() Phase
	// Order sorts plugins within the phase; lower runs earlier.
	Order() int
	// ShouldExecute gates the plugin per request. Returning false skips
	// Execute without error.
	ShouldExecute(ec *core.ExecutionContext) bool
	// Execute runs the plugin. It may read and write context variables and
	// metadata. Errors are handled per the phase's error policy.
	Execute(ctx context.Context, ec *core.ExecutionContext, eng Engine) error
}

// pluginError wraps a plugin failure with its origin.
func pluginError(pluginID string, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		kind = core.KindPluginFailure
	}
	return &core.GatewayError{
		Op:      "plugin." + pluginID,
		Kind:    kind,
		Message: string(phase) + " plugin failed",
		Err:     err,
	}
}
