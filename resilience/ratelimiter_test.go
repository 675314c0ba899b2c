package resilience

import (
	"testing"
	"time"
)

func TestTokenBucketRejectsOverCapacity(t *testing.T) {
	tb, err := NewTokenBucket(2, 2*time.Second) // capacity=2, refill 1/s
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	now := time.Now()
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	if !tb.TryAcquire(1) {
		t.Fatal("first acquire should succeed")
	}
	now = now.Add(50 * time.Millisecond)
	if !tb.TryAcquire(1) {
		t.Fatal("second acquire should succeed")
	}
	now = now.Add(50 * time.Millisecond)
	if tb.TryAcquire(1) {
		t.Fatal("third acquire within 100ms should be rejected")
	}

	// 100ms of refill at 1 token/s has accrued; ~900ms remain.
	wait := tb.TimeUntilAvailable(1)
	if wait < 850*time.Millisecond || wait > 950*time.Millisecond {
		t.Errorf("TimeUntilAvailable = %v, want ~900ms", wait)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb, _ := NewTokenBucket(2, 2*time.Second)
	now := time.Now()
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	tb.TryAcquire(2)
	if tb.AvailablePermits() != 0 {
		t.Fatalf("available = %d, want 0", tb.AvailablePermits())
	}
	now = now.Add(time.Second)
	if got := tb.AvailablePermits(); got != 1 {
		t.Errorf("available after 1s = %d, want 1", got)
	}
	// Refill caps at capacity.
	now = now.Add(time.Hour)
	if got := tb.AvailablePermits(); got != 2 {
		t.Errorf("available after long idle = %d, want capacity 2", got)
	}
}

func TestTokenBucketResetRestoresCapacity(t *testing.T) {
	tb, _ := NewTokenBucket(5, time.Second)
	tb.TryAcquire(5)
	tb.Reset()
	if got := tb.AvailablePermits(); got != 5 {
		t.Errorf("available after reset = %d, want 5", got)
	}
}

func TestTokenBucketConstructionRejectsZero(t *testing.T) {
	if _, err := NewTokenBucket(0, time.Second); err == nil {
		t.Error("zero capacity must be rejected")
	}
	if _, err := NewTokenBucket(1, 0); err == nil {
		t.Error("zero period must be rejected")
	}
	if _, err := NewTokenBucket(-1, time.Second); err == nil {
		t.Error("negative capacity must be rejected")
	}
}

func TestSlidingWindowNeverExceedsMax(t *testing.T) {
	sl, err := NewSlidingWindowLimiter(3, time.Second)
	if err != nil {
		t.Fatalf("NewSlidingWindowLimiter: %v", err)
	}
	now := time.Now()
	sl.now = func() time.Time { return now }

	accepted := 0
	for i := 0; i < 10; i++ {
		if sl.TryAcquire(1) {
			accepted++
		}
		now = now.Add(50 * time.Millisecond)
	}
	if accepted > 3 {
		t.Errorf("accepted %d permits in a 1s window, cap is 3", accepted)
	}

	// Old entries fall out and capacity returns.
	now = now.Add(time.Second)
	if !sl.TryAcquire(3) {
		t.Error("window should be empty after expiry")
	}
	if sl.TryAcquire(1) {
		t.Error("fourth permit in fresh window should be rejected")
	}
}

func TestSlidingWindowAllOrNothing(t *testing.T) {
	sl, _ := NewSlidingWindowLimiter(3, time.Second)
	now := time.Now()
	sl.now = func() time.Time { return now }

	if !sl.TryAcquire(2) {
		t.Fatal("2 of 3 should be admitted")
	}
	if sl.TryAcquire(2) {
		t.Fatal("partial admission must not happen")
	}
	if got := sl.AvailablePermits(); got != 1 {
		t.Errorf("available = %d, want 1 (rejection left no residue)", got)
	}
}

func TestSlidingWindowReset(t *testing.T) {
	sl, _ := NewSlidingWindowLimiter(2, time.Second)
	sl.TryAcquire(2)
	sl.Reset()
	if got := sl.AvailablePermits(); got != 2 {
		t.Errorf("available after reset = %d, want 2", got)
	}
}

func TestSlidingWindowConstructionRejectsZero(t *testing.T) {
	if _, err := NewSlidingWindowLimiter(0, time.Second); err == nil {
		t.Error("zero max must be rejected")
	}
	if _, err := NewSlidingWindowLimiter(1, 0); err == nil {
		t.Error("zero window must be rejected")
	}
}

func TestLimiterMetrics(t *testing.T) {
	tb, _ := NewTokenBucket(2, time.Hour)
	tb.TryAcquire(2)
	tb.TryAcquire(1)
	m := tb.Metrics()
	if m.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", m.Accepted)
	}
	if m.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", m.Rejected)
	}
	if m.Utilization < 0.99 {
		t.Errorf("utilization = %f, want ~1", m.Utilization)
	}
}

func TestKeyedLimitersPerKey(t *testing.T) {
	kl, err := NewKeyedLimiters(func() (Limiter, error) {
		return NewTokenBucket(1, time.Hour)
	})
	if err != nil {
		t.Fatalf("NewKeyedLimiters: %v", err)
	}
	a := kl.For("p1:t1")
	b := kl.For("p1:t2")
	if !a.TryAcquire(1) {
		t.Fatal("fresh limiter should admit")
	}
	if a.TryAcquire(1) {
		t.Fatal("exhausted limiter should reject")
	}
	if !b.TryAcquire(1) {
		t.Error("keys must not share budgets")
	}
	if kl.For("p1:t1") != a {
		t.Error("For must return the same limiter per key")
	}
}

func TestKeyedLimitersFactoryValidation(t *testing.T) {
	if _, err := NewKeyedLimiters(func() (Limiter, error) {
		return NewTokenBucket(0, time.Second)
	}); err == nil {
		t.Error("invalid factory must fail construction")
	}
	if _, err := NewKeyedLimiters(nil); err == nil {
		t.Error("nil factory must fail construction")
	}
}

func TestBackoffDelayDoublingAndCap(t *testing.T) {
	cfg := &BackoffConfig{MaxRetries: 10, InitialDelay: 100 * time.Millisecond}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := cfg.DelayFor(attempt)
		base := 100 * time.Millisecond << (attempt - 1)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if d < lo || d > hi {
			t.Errorf("DelayFor(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
		}
		if d < prev/2 {
			t.Errorf("delays should grow, got %v after %v", d, prev)
		}
		prev = d
	}
	if d := cfg.DelayFor(20); d > time.Duration(float64(30*time.Second)*1.2) {
		t.Errorf("DelayFor(20) = %v, want capped near 30s", d)
	}
}
