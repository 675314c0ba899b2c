package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSealComputesDocumentedHash(t *testing.T) {
	p := NewBuilder("run-1", EventInferenceCompleted, LevelInfo).
		Node("provider-a").
		By(Actor{Type: ActorHuman, ID: "tenant-1"}).
		Meta("model", "m-A").
		Seal()

	material := fmt.Sprintf("%s|%s|%s|%s|%s",
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		"run-1", "provider-a", "tenant-1", EventInferenceCompleted)
	sum := sha256.Sum256([]byte(material))
	if want := hex.EncodeToString(sum[:]); p.Hash != want {
		t.Errorf("hash = %s, want %s", p.Hash, want)
	}
	if !p.Verify() {
		t.Error("freshly sealed payload should verify")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	p := NewBuilder("run-1", EventInferenceFailed, LevelError).Node("p1").Seal()

	tampered := *p
	tampered.Event = EventInferenceCompleted
	if tampered.Verify() {
		t.Error("event mutation should break the seal")
	}

	tampered = *p
	tampered.RunID = "run-2"
	if tampered.Verify() {
		t.Error("run id mutation should break the seal")
	}

	// Metadata is outside the seal so sinks may redact it.
	redacted := *p
	redacted.Metadata = map[string]interface{}{"redacted": true}
	if !redacted.Verify() {
		t.Error("metadata changes must not break the seal")
	}
}

func TestBuilderDefaultsToSystemActor(t *testing.T) {
	p := NewBuilder("run-1", EventProviderFailover, LevelWarn).Tag("failover").Seal()
	if p.Actor.Type != ActorSystem || p.Actor.ID != "fluxgate" {
		t.Errorf("actor = %+v, want the system actor", p.Actor)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "failover" {
		t.Errorf("tags = %v, want [failover]", p.Tags)
	}
	if p.Timestamp.Location() != time.UTC {
		t.Error("timestamp should be normalized to UTC")
	}
}

type failingSink struct{ writes int }

func (s *failingSink) Write(context.Context, *Payload) error {
	s.writes++
	return errors.New("sink down")
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	failing := &failingSink{}
	memory := NewMemorySink(0)
	r := NewRecorder(nil, failing, memory)

	p := NewBuilder("run-1", EventInferenceCompleted, LevelInfo).Seal()
	r.Record(context.Background(), p)

	if failing.writes != 1 {
		t.Errorf("failing sink writes = %d, want 1", failing.writes)
	}
	if got := len(memory.Records()); got != 1 {
		t.Errorf("memory sink records = %d, want 1 (failure must not stop fan-out)", got)
	}
	if r.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped())
	}
}

func TestRecorderSurvivesCancelledRequest(t *testing.T) {
	memory := NewMemorySink(0)
	r := NewRecorder(nil, memory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, NewBuilder("run-1", EventInferenceCancelled, LevelWarn).Seal())

	if got := len(memory.Records()); got != 1 {
		t.Errorf("records = %d, want 1 (audit outlives request cancellation)", got)
	}
}

func TestMemorySinkLimit(t *testing.T) {
	s := NewMemorySink(2)
	for i := 0; i < 5; i++ {
		_ = s.Write(context.Background(), NewBuilder(fmt.Sprintf("run-%d", i), EventInferenceCompleted, LevelInfo).Seal())
	}
	records := s.Records()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].RunID != "run-3" || records[1].RunID != "run-4" {
		t.Errorf("kept runs = %s, %s; want the newest two", records[0].RunID, records[1].RunID)
	}
}
