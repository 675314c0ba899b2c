// Package audit emits tamper-evident records of request lifecycle events to
// pluggable sinks. Audit failures never fail the request they describe.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Well-known audit event names.
const (
	EventInferenceCompleted = "INFERENCE_COMPLETED"
	EventInferenceFailed    = "INFERENCE_FAILED"
	EventInferenceCancelled = "INFERENCE_CANCELLED"
	EventProviderFailover   = "PROVIDER_FAILOVER"
)

// Level grades the severity of an audit event.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ActorType distinguishes who caused an event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
)

// Actor identifies the principal behind an audit event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	Role string    `json:"role,omitempty"`
}

// SystemActor is the actor for gateway-originated events.
var SystemActor = Actor{Type: ActorSystem, ID: "fluxgate"}

// Payload is one audit record. Hash covers the identifying fields so any
// later mutation of a stored record is detectable.
type Payload struct {
	Timestamp       time.Time              `json:"timestamp"`
	RunID           string                 `json:"runId"`
	NodeID          string                 `json:"nodeId,omitempty"`
	Actor           Actor                  `json:"actor"`
	Event           string                 `json:"event"`
	Level           Level                  `json:"level"`
	Tags            []string               `json:"tags,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ContextSnapshot map[string]interface{} `json:"contextSnapshot,omitempty"`
	Hash            string                 `json:"hash"`
}

// Builder assembles a payload before sealing.
type Builder struct {
	p Payload
}

// NewBuilder starts a record for the given run and event.
func NewBuilder(runID, event string, level Level) *Builder {
	return &Builder{p: Payload{
		RunID: runID,
		Event: event,
		Level: level,
		Actor: SystemActor,
	}}
}

// Node sets the node (provider or component) the event concerns.
func (b *Builder) Node(nodeID string) *Builder {
	b.p.NodeID = nodeID
	return b
}

// By sets the actor.
func (b *Builder) By(actor Actor) *Builder {
	b.p.Actor = actor
	return b
}

// Tag appends tags.
func (b *Builder) Tag(tags ...string) *Builder {
	b.p.Tags = append(b.p.Tags, tags...)
	return b
}

// Meta sets one metadata entry.
func (b *Builder) Meta(key string, value interface{}) *Builder {
	if b.p.Metadata == nil {
		b.p.Metadata = make(map[string]interface{})
	}
	b.p.Metadata[key] = value
	return b
}

// Snapshot attaches the execution context snapshot.
func (b *Builder) Snapshot(snap map[string]interface{}) *Builder {
	b.p.ContextSnapshot = snap
	return b
}

// Seal stamps the record and computes the tamper-evidence hash. The
// timestamp is normalized to UTC before hashing so the hash is
// location-independent.
func (b *Builder) Seal() *Payload {
	p := b.p
	p.Timestamp = time.Now().UTC()
	p.Hash = p.computeHash()
	return &p
}

// computeHash covers timestamp, run, node, actor and event. Metadata and
// the snapshot are excluded so sinks may redact them without breaking the
// seal.
func (p *Payload) computeHash() string {
	material := fmt.Sprintf("%s|%s|%s|%s|%s",
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		p.RunID, p.NodeID, p.Actor.ID, p.Event)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash and reports whether the record is intact.
func (p *Payload) Verify() bool {
	return p.Hash == p.computeHash()
}
