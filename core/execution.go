package core

import (
	"fmt"
	"sync"
	"time"
)

// ExecutionStatus represents the state of an in-flight request.
type ExecutionStatus string

const (
	StatusCreated     ExecutionStatus = "CREATED"
	StatusRunning     ExecutionStatus = "RUNNING"
	StatusWaiting     ExecutionStatus = "WAITING"
	StatusSuspended   ExecutionStatus = "SUSPENDED"
	StatusRetrying    ExecutionStatus = "RETRYING"
	StatusCompleted   ExecutionStatus = "COMPLETED"
	StatusFailed      ExecutionStatus = "FAILED"
	StatusCancelled   ExecutionStatus = "CANCELLED"
	StatusCompensated ExecutionStatus = "COMPENSATED"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Signal drives a state transition.
type Signal string

const (
	SignalStart            Signal = "START"
	SignalCancel           Signal = "CANCEL"
	SignalWaitRequested    Signal = "WAIT_REQUESTED"
	SignalPhaseFailure     Signal = "PHASE_FAILURE"
	SignalExecutionFailure Signal = "EXECUTION_FAILURE"
	SignalSuccess          Signal = "EXECUTION_SUCCESS"
	SignalFailure          Signal = "TERMINAL_FAILURE"
	SignalSuspend          Signal = "SUSPEND"
	SignalCompensate       Signal = "COMPENSATE"
	SignalApproved         Signal = "APPROVED"
	SignalResume           Signal = "RESUME"
	SignalRejected         Signal = "REJECTED"
	SignalRetryExhausted   Signal = "RETRY_EXHAUSTED"
	SignalCompensationDone Signal = "COMPENSATION_DONE"
	// SignalIdentity is a no-op signal: Next(s, identity) == s for every
	// state, terminal states included.
	SignalIdentity Signal = "IDENTITY"
)

// transitions enumerates the legal moves. Self-transitions are listed
// explicitly so re-delivering a terminal signal to its own terminal state
// remains the identity.
var transitions = map[ExecutionStatus]map[Signal]ExecutionStatus{
	StatusCreated: {
		SignalStart:  StatusRunning,
		SignalCancel: StatusCancelled,
	},
	StatusRunning: {
		SignalStart:            StatusRunning,
		SignalWaitRequested:    StatusWaiting,
		SignalPhaseFailure:     StatusRetrying,
		SignalExecutionFailure: StatusRetrying,
		SignalSuccess:          StatusCompleted,
		SignalFailure:          StatusFailed,
		SignalSuspend:          StatusSuspended,
		SignalCancel:           StatusCancelled,
		SignalCompensate:       StatusCompensated,
	},
	StatusWaiting: {
		SignalApproved: StatusRunning,
		SignalResume:   StatusRunning,
		SignalRejected: StatusFailed,
		SignalCancel:   StatusCancelled,
	},
	StatusSuspended: {
		SignalResume: StatusRunning,
		SignalCancel: StatusCancelled,
	},
	StatusRetrying: {
		SignalStart:          StatusRunning,
		SignalRetryExhausted: StatusFailed,
		SignalCancel:         StatusCancelled,
	},
	StatusCompensated: {
		SignalCompensationDone: StatusCompleted,
	},
	StatusCompleted: {
		SignalSuccess: StatusCompleted,
	},
	StatusFailed: {
		SignalFailure:        StatusFailed,
		SignalRejected:       StatusFailed,
		SignalRetryExhausted: StatusFailed,
	},
	StatusCancelled: {
		SignalCancel: StatusCancelled,
	},
}

// Next returns the state reached by applying sig to current, or an
// ErrIllegalTransition error when the move is not allowed.
func Next(current ExecutionStatus, sig Signal) (ExecutionStatus, error) {
	if sig == SignalIdentity {
		return current, nil
	}
	if row, ok := transitions[current]; ok {
		if next, ok := row[sig]; ok {
			return next, nil
		}
	}
	return current, &GatewayError{
		Op:      "state.Next",
		Kind:    KindInternal,
		Message: fmt.Sprintf("signal %s not allowed in state %s", sig, current),
		Err:     ErrIllegalTransition,
	}
}

// TenantContext carries the verified tenant identity and its attributes.
// It is shared immutably by all concurrent requests of the tenant.
type TenantContext struct {
	ID         string
	attributes map[string]string
}

// NewTenantContext builds a tenant context. The attribute map is copied;
// callers may reuse theirs.
func NewTenantContext(id string, attributes map[string]string) *TenantContext {
	copied := make(map[string]string, len(attributes))
	for k, v := range attributes {
		copied[k] = v
	}
	return &TenantContext{ID: id, attributes: copied}
}

// Attribute returns the named attribute and whether it is present.
func (t *TenantContext) Attribute(key string) (string, bool) {
	v, ok := t.attributes[key]
	return v, ok
}

// Attributes returns a copy of the attribute map.
func (t *TenantContext) Attributes() map[string]string {
	copied := make(map[string]string, len(t.attributes))
	for k, v := range t.attributes {
		copied[k] = v
	}
	return copied
}

// ExecutionContext is the per-request mutable workspace shared across
// pipeline plugins. It is owned by a single task at a time; plugins within
// a request run sequentially. Variable writes are write-once per key unless
// a plugin explicitly overwrites.
type ExecutionContext struct {
	RequestID string
	Request   *InferenceRequest
	Tenant    *TenantContext
	StartTime time.Time

	mu           sync.RWMutex
	status       ExecutionStatus
	err          error
	variables    map[string]interface{}
	metadata     map[string]interface{}
	phaseTimings map[string]time.Duration
	history      []ExecutionStatus
}

// NewExecutionContext creates a context in state CREATED.
func NewExecutionContext(req *InferenceRequest, tenant *TenantContext) *ExecutionContext {
	return &ExecutionContext{
		RequestID:    req.RequestID,
		Request:      req,
		Tenant:       tenant,
		StartTime:    time.Now(),
		status:       StatusCreated,
		variables:    make(map[string]interface{}),
		metadata:     make(map[string]interface{}),
		phaseTimings: make(map[string]time.Duration),
		history:      []ExecutionStatus{StatusCreated},
	}
}

// Status returns the current execution status.
func (ec *ExecutionContext) Status() ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// Transition applies sig through the state machine. Transitions are
// linearizable per request: the lock is held across read and write.
func (ec *ExecutionContext) Transition(sig Signal) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	next, err := Next(ec.status, sig)
	if err != nil {
		return err
	}
	if next != ec.status {
		ec.status = next
		ec.history = append(ec.history, next)
	}
	return nil
}

// History returns the sequence of recorded states, starting with CREATED.
func (ec *ExecutionContext) History() []ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]ExecutionStatus, len(ec.history))
	copy(out, ec.history)
	return out
}

// SetVariable stores a write-once variable. Writing an existing key fails;
// use OverwriteVariable when a plugin explicitly replaces a value.
func (ec *ExecutionContext) SetVariable(key string, value interface{}) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, exists := ec.variables[key]; exists {
		return &GatewayError{
			Op:      "context.SetVariable",
			Kind:    KindInternal,
			Message: fmt.Sprintf("variable %q already set", key),
			Err:     ErrAlreadyRegistered,
		}
	}
	ec.variables[key] = value
	return nil
}

// OverwriteVariable replaces a variable regardless of prior writes.
func (ec *ExecutionContext) OverwriteVariable(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[key] = value
}

// Variable returns the named variable and whether it is present.
func (ec *ExecutionContext) Variable(key string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[key]
	return v, ok
}

// SetMetadata stores request-scoped metadata.
func (ec *ExecutionContext) SetMetadata(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.metadata[key] = value
}

// Metadata returns a copy of the metadata map.
func (ec *ExecutionContext) Metadata() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	copied := make(map[string]interface{}, len(ec.metadata))
	for k, v := range ec.metadata {
		copied[k] = v
	}
	return copied
}

// Fail records the terminal error. The first error wins.
func (ec *ExecutionContext) Fail(err error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.err == nil {
		ec.err = err
	}
}

// Err returns the recorded terminal error, if any.
func (ec *ExecutionContext) Err() error {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.err
}

// RecordPhase accumulates latency for a named phase.
func (ec *ExecutionContext) RecordPhase(phase string, d time.Duration) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.phaseTimings[phase] += d
}

// PhaseTimings returns a copy of the per-phase latencies.
func (ec *ExecutionContext) PhaseTimings() map[string]time.Duration {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	copied := make(map[string]time.Duration, len(ec.phaseTimings))
	for k, v := range ec.phaseTimings {
		copied[k] = v
	}
	return copied
}

// Snapshot returns a flattened view of the context for audit records.
func (ec *ExecutionContext) Snapshot() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snap := map[string]interface{}{
		"requestId": ec.RequestID,
		"status":    string(ec.status),
		"model":     ec.Request.Model,
	}
	if ec.Tenant != nil {
		snap["tenant"] = ec.Tenant.ID
	}
	if ec.err != nil {
		snap["error"] = ec.err.Error()
	}
	for k, v := range ec.metadata {
		snap["meta."+k] = v
	}
	return snap
}
