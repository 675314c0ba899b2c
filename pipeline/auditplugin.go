package pipeline

import (
	"context"

	"github.com/openfluxai/fluxgate/audit"
	"github.com/openfluxai/fluxgate/core"
)

// AuditPlugin seals the request outcome into the audit trail. It runs in
// the AUDIT phase on every terminal path and never returns an error;
// sink failures are absorbed by the recorder.
type AuditPlugin struct {
	recorder *audit.Recorder
}

// NewAuditPlugin creates the plugin over the recorder.
func NewAuditPlugin(recorder *audit.Recorder) *AuditPlugin {
	return &AuditPlugin{recorder: recorder}
}

func (p *AuditPlugin) ID() string   { return "builtin.audit" }
func (p *AuditPlugin) Phase() Phase { return PhaseAudit }
func (p *AuditPlugin) Order() int   { return 0 }

func (p *AuditPlugin) ShouldExecute(*core.ExecutionContext) bool { return true }

func (p *AuditPlugin) Execute(ctx context.Context, ec *core.ExecutionContext, _ Engine) error {
	status := ec.Status()
	level := audit.LevelInfo
	event := audit.EventInferenceCompleted
	switch status {
	case core.StatusFailed:
		event = audit.EventInferenceFailed
		if core.IsValidation(ec.Err()) || core.IsAuthorization(ec.Err()) {
			level = audit.LevelWarn
		} else {
			level = audit.LevelError
		}
	case core.StatusCancelled:
		event = audit.EventInferenceCancelled
		level = audit.LevelWarn
	}

	b := audit.NewBuilder(ec.RequestID, event, level).
		Tag("inference").
		Meta("model", ec.Request.Model).
		Meta("status", string(status)).
		Snapshot(ec.Snapshot())

	if ec.Tenant != nil {
		b.By(audit.Actor{Type: audit.ActorHuman, ID: ec.Tenant.ID})
	}
	if v, ok := ec.Variable(VarSelectedProvider); ok {
		if providerID, ok := v.(string); ok {
			b.Node(providerID)
		}
	}
	if err := ec.Err(); err != nil {
		b.Meta("errorKind", string(core.KindOf(err)))
	}

	p.recorder.Record(ctx, b.Seal())
	return nil
}
