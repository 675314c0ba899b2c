package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
	"github.com/openfluxai/fluxgate/provider/mock"
)

func TestRegistryRegisterAndList(t *testing.T) {
	r := provider.NewRegistry(nil)
	for _, id := range []string{"b", "a", "c"} {
		if err := r.Register(mock.New(id)); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	if err := r.Register(mock.New("a")); !errors.Is(err, core.ErrAlreadyRegistered) {
		t.Errorf("duplicate registration = %v, want ErrAlreadyRegistered", err)
	}
	if err := r.Register(nil); err == nil {
		t.Error("nil provider should be rejected")
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("list length = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID() != want {
			t.Errorf("list[%d] = %s, want %s (id order)", i, list[i].ID(), want)
		}
	}

	if err := r.Deregister("b"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := r.Get("b"); ok {
		t.Error("deregistered provider still resolvable")
	}
	if err := r.Deregister("b"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("double deregister = %v, want ErrNotFound", err)
	}
}

func TestRegistryActiveCounts(t *testing.T) {
	r := provider.NewRegistry(nil)
	r.IncActive("p1")
	r.IncActive("p1")
	r.DecActive("p1")
	if got := r.ActiveCount("p1"); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	if got := r.ActiveCount("unknown"); got != 0 {
		t.Errorf("untracked provider active = %d, want 0", got)
	}
}

func TestRegistryLatencyP95(t *testing.T) {
	r := provider.NewRegistry(nil)
	if got := r.LatencyP95("p1"); got != 0 {
		t.Errorf("unobserved p95 = %f, want 0", got)
	}
	for i := 0; i < 100; i++ {
		r.ObserveLatency("p1", 10*time.Millisecond)
	}
	r.ObserveLatency("p1", time.Second)
	p95 := r.LatencyP95("p1")
	if p95 < 10 || p95 >= 1000 {
		t.Errorf("p95 = %f ms, want near the 10ms bulk", p95)
	}
}

func TestRegistryHealthMonotonic(t *testing.T) {
	r := provider.NewRegistry(nil)
	now := time.Now()
	r.SetHealth("p1", provider.Health{Status: provider.Unhealthy, Timestamp: now})
	// A stale report must not overwrite the newer one.
	r.SetHealth("p1", provider.Health{Status: provider.Healthy, Timestamp: now.Add(-time.Minute)})
	if got := r.HealthOf("p1").Status; got != provider.Unhealthy {
		t.Errorf("health = %s, want the newer unhealthy report", got)
	}

	if got := r.HealthOf("never-probed").Status; got != provider.Healthy {
		t.Errorf("never-probed health = %s, want healthy default", got)
	}
}

func TestDescriptorMatchesModel(t *testing.T) {
	tests := []struct {
		glob  string
		model string
		want  bool
	}{
		{"", "anything", true},
		{"llama-*", "llama-3-8b", true},
		{"llama-*", "mistral-7b", false},
		{"gpt-4", "gpt-4", true},
		{"[", "x", false}, // malformed glob never matches
	}
	for _, tt := range tests {
		d := provider.Descriptor{ModelGlob: tt.glob}
		if got := d.MatchesModel(tt.model); got != tt.want {
			t.Errorf("MatchesModel(%q, %q) = %v, want %v", tt.glob, tt.model, got, tt.want)
		}
	}
}

func TestProberRecordsHealth(t *testing.T) {
	r := provider.NewRegistry(nil)
	p1 := mock.New("p1")
	p1.SetHealth(provider.Degraded)
	if err := r.Register(p1); err != nil {
		t.Fatalf("Register: %v", err)
	}

	prober := provider.NewProber(r, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober.Start(ctx)
	defer prober.Stop()

	// The first probe runs synchronously with Start's goroutine; poll
	// briefly for the result.
	deadline := time.After(2 * time.Second)
	for r.HealthOf("p1").Status != provider.Degraded {
		select {
		case <-deadline:
			t.Fatal("probe result never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProberStopWithoutStart(t *testing.T) {
	prober := provider.NewProber(provider.NewRegistry(nil), time.Second, nil)
	prober.Stop() // must not block
}
