// Package pipeline defines the phased plugin chain a request travels
// through and the built-in plugins that implement the gateway's request
// processing: validation, authorization, pre-processing, routing,
// inference, post-processing and auditing.
package pipeline

// Phase identifies one stage of the request pipeline. Phases execute in
// the fixed order listed by Order.
type Phase string

const (
	PhaseValidate       Phase = "VALIDATE"
	PhaseAuthorize      Phase = "AUTHORIZE"
	PhasePreProcessing  Phase = "PRE_PROCESSING"
	PhaseRoute          Phase = "ROUTE"
	PhaseInference      Phase = "INFERENCE"
	PhasePostProcessing Phase = "POST_PROCESSING"
	PhaseAudit          Phase = "AUDIT"
)

// phaseOrder is the fixed execution order.
var phaseOrder = []Phase{
	PhaseValidate,
	PhaseAuthorize,
	PhasePreProcessing,
	PhaseRoute,
	PhaseInference,
	PhasePostProcessing,
	PhaseAudit,
}

// Order returns the phases in execution order.
func Order() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Index returns the position of the phase in the execution order, or -1
// for an unknown phase.
func (p Phase) Index() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether the phase is known.
func (p Phase) Valid() bool { return p.Index() >= 0 }
