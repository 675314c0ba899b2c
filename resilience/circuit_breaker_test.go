package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

func testBreaker(t *testing.T, cfg *BreakerConfig) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb, err := NewCircuitBreaker(cfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func failing() error { return core.ErrTransientProvider }

func TestBreakerOpensAfterThresholdWithinWindow(t *testing.T) {
	cb, _ := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 5,
		Window:           10 * time.Second,
		OpenDuration:     30 * time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, failing); err == nil {
			t.Fatal("expected failure to pass through")
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", cb.State())
	}

	// Sixth call short-circuits.
	err := cb.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if core.KindOf(err) != core.KindCircuitOpen {
		t.Errorf("kind = %s, want circuit_open", core.KindOf(err))
	}
}

func TestBreakerStaysOpenForOpenDuration(t *testing.T) {
	cb, now := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 1,
		Window:           10 * time.Second,
		OpenDuration:     30 * time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(29 * time.Second)
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("call before open duration elapsed should be rejected, got %v", err)
	}

	// After O, one successful probe closes it.
	*now = now.Add(2 * time.Second)
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe should be permitted, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after successful probe = %s, want closed", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 1,
		Window:           time.Second,
		OpenDuration:     time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	*now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Errorf("failed probe should reopen, state = %s", cb.State())
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	cb, now := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 1,
		Window:           time.Second,
		OpenDuration:     time.Second,
		ProbePermits:     2,
		SuccessThreshold: 2,
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	*now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(ctx, func() error {
				started <- struct{}{}
				<-release
				return nil
			})
			if errors.Is(err, core.ErrCircuitOpen) {
				rejected.Add(1)
			} else if err == nil {
				admitted.Add(1)
			}
		}()
	}

	// Wait for the two permitted probes to be in flight.
	<-started
	<-started
	// Give the other goroutines a moment to hit the rejection path.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := admitted.Load(); got != 2 {
		t.Errorf("admitted probes = %d, want 2", got)
	}
	if got := rejected.Load(); got != 2 {
		t.Errorf("rejected calls = %d, want 2", got)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after 2 successful probes = %s, want closed", cb.State())
	}
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	cb, _ := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 2,
		Window:           10 * time.Second,
		OpenDuration:     time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
	})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func() error { return core.ErrValidation })
		_ = cb.Execute(ctx, func() error { return core.ErrProviderQuota })
	}
	if cb.State() != StateClosed {
		t.Errorf("caller errors opened the breaker, state = %s", cb.State())
	}
}

func TestBreakerRollingWindowEviction(t *testing.T) {
	cb, now := testBreaker(t, &BreakerConfig{
		Name:             "p1",
		FailureThreshold: 3,
		Window:           10 * time.Second,
		OpenDuration:     time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	// Let the first two fall out of the window.
	*now = now.Add(11 * time.Second)
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateClosed {
		t.Errorf("stale failures should not open the breaker, state = %s", cb.State())
	}
}

func TestBreakerConfigValidation(t *testing.T) {
	bad := []*BreakerConfig{
		nil,
		{FailureThreshold: 1, Window: time.Second, OpenDuration: time.Second, ProbePermits: 1, SuccessThreshold: 1}, // no name
		{Name: "x", FailureThreshold: 0, Window: time.Second, OpenDuration: time.Second, ProbePermits: 1, SuccessThreshold: 1},
		{Name: "x", FailureThreshold: 1, Window: 0, OpenDuration: time.Second, ProbePermits: 1, SuccessThreshold: 1},
		{Name: "x", FailureThreshold: 1, Window: time.Second, OpenDuration: 0, ProbePermits: 1, SuccessThreshold: 1},
		{Name: "x", FailureThreshold: 1, Window: time.Second, OpenDuration: time.Second, ProbePermits: 0, SuccessThreshold: 1},
	}
	for i, cfg := range bad {
		if _, err := NewCircuitBreaker(cfg); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}

func TestBreakerGroupPerProvider(t *testing.T) {
	g := NewBreakerGroup(DefaultBreakerConfig("template"), nil)
	p1 := g.For("p1")
	p2 := g.For("p2")
	if p1 == p2 {
		t.Fatal("providers must get distinct breakers")
	}
	if g.For("p1") != p1 {
		t.Error("For must return the same breaker per provider")
	}
	states := g.States()
	if states["p1"] != "closed" || states["p2"] != "closed" {
		t.Errorf("unexpected states: %v", states)
	}
}
