package resilience

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter is the shared contract of both rate limiter algorithms.
type Limiter interface {
	// TryAcquire takes permits without waiting, reporting success.
	TryAcquire(permits int) bool
	// AvailablePermits returns the permits currently available.
	AvailablePermits() int
	// Reset restores the limiter to full capacity.
	Reset()
	// Metrics returns accept/reject counters and utilization.
	Metrics() LimiterMetrics
}

// LimiterMetrics exposes limiter accounting.
type LimiterMetrics struct {
	Accepted    uint64
	Rejected    uint64
	Utilization float64 // fraction of capacity in use, 0..1
}

// TokenBucket refills capacity/refillPeriod tokens per unit of elapsed
// time, capped at capacity. Thread-safe via a single mutex; operations are
// O(1).
type TokenBucket struct {
	capacity    float64
	refillPerNs float64
	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	now         func() time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens refilled over
// refillPeriod. Zero or negative parameters are rejected.
func NewTokenBucket(capacity int, refillPeriod time.Duration) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if refillPeriod <= 0 {
		return nil, fmt.Errorf("refill period must be positive, got %v", refillPeriod)
	}
	tb := &TokenBucket{
		capacity:    float64(capacity),
		refillPerNs: float64(capacity) / float64(refillPeriod.Nanoseconds()),
		tokens:      float64(capacity),
		now:         time.Now,
	}
	tb.lastRefill = tb.now()
	return tb, nil
}

// refillLocked credits tokens for the elapsed time, capped at capacity.
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed > 0 {
		tb.tokens += float64(elapsed.Nanoseconds()) * tb.refillPerNs
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now
}

// TryAcquire takes permits tokens, failing without side effects when the
// bucket holds fewer.
func (tb *TokenBucket) TryAcquire(permits int) bool {
	if permits <= 0 {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= float64(permits) {
		tb.tokens -= float64(permits)
		tb.accepted.Add(uint64(permits))
		return true
	}
	tb.rejected.Add(uint64(permits))
	return false
}

// TimeUntilAvailable returns how long until permits tokens accumulate.
// Zero means the permits are available now.
func (tb *TokenBucket) TimeUntilAvailable(permits int) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := float64(permits) - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.refillPerNs)
}

// AvailablePermits returns the whole tokens currently held.
func (tb *TokenBucket) AvailablePermits() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(tb.tokens)
}

// Reset restores the bucket to full capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// Metrics returns accept/reject counters and utilization.
func (tb *TokenBucket) Metrics() LimiterMetrics {
	tb.mu.Lock()
	tb.refillLocked()
	util := 1 - tb.tokens/tb.capacity
	tb.mu.Unlock()
	return LimiterMetrics{
		Accepted:    tb.accepted.Load(),
		Rejected:    tb.rejected.Load(),
		Utilization: util,
	}
}

// SlidingWindowLimiter admits at most maxRequests within any window of the
// configured length. Timestamps older than the window are purged before any
// accounting read; head-of-queue eviction keeps operations amortized O(1).
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration
	mu          sync.Mutex
	timestamps  []time.Time
	head        int
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	now         func() time.Time
}

// NewSlidingWindowLimiter creates a limiter admitting maxRequests per
// window. Zero or negative parameters are rejected.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration) (*SlidingWindowLimiter, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("max requests must be positive, got %d", maxRequests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	return &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}, nil
}

// purgeLocked evicts timestamps that fell out of the window.
func (sl *SlidingWindowLimiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-sl.window)
	for sl.head < len(sl.timestamps) && !sl.timestamps[sl.head].After(cutoff) {
		sl.head++
	}
	// Compact once the dead prefix dominates to keep memory bounded.
	if sl.head > 0 && sl.head >= len(sl.timestamps)/2 {
		sl.timestamps = append([]time.Time(nil), sl.timestamps[sl.head:]...)
		sl.head = 0
	}
}

func (sl *SlidingWindowLimiter) countLocked() int {
	return len(sl.timestamps) - sl.head
}

// TryAcquire admits permits requests if the window has room for all of
// them; partial admission never happens.
func (sl *SlidingWindowLimiter) TryAcquire(permits int) bool {
	if permits <= 0 {
		return true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	now := sl.now()
	sl.purgeLocked(now)
	if sl.countLocked()+permits > sl.maxRequests {
		sl.rejected.Add(uint64(permits))
		return false
	}
	for i := 0; i < permits; i++ {
		sl.timestamps = append(sl.timestamps, now)
	}
	sl.accepted.Add(uint64(permits))
	return true
}

// AvailablePermits returns the remaining admissions in the current window.
func (sl *SlidingWindowLimiter) AvailablePermits() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.purgeLocked(sl.now())
	return sl.maxRequests - sl.countLocked()
}

// Reset clears the window.
func (sl *SlidingWindowLimiter) Reset() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.timestamps = nil
	sl.head = 0
}

// Metrics returns accept/reject counters and utilization.
func (sl *SlidingWindowLimiter) Metrics() LimiterMetrics {
	sl.mu.Lock()
	sl.purgeLocked(sl.now())
	util := float64(sl.countLocked()) / float64(sl.maxRequests)
	sl.mu.Unlock()
	return LimiterMetrics{
		Accepted:    sl.accepted.Load(),
		Rejected:    sl.rejected.Load(),
		Utilization: util,
	}
}

// KeyedLimiters maintains one limiter per key, typically
// "provider:tenant", created on demand by the factory.
type KeyedLimiters struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	factory  func() (Limiter, error)
}

// NewKeyedLimiters creates a keyed set. The factory builds the limiter for
// each new key.
func NewKeyedLimiters(factory func() (Limiter, error)) (*KeyedLimiters, error) {
	if factory == nil {
		return nil, errors.New("limiter factory cannot be nil")
	}
	// Fail fast on a misconfigured factory.
	if _, err := factory(); err != nil {
		return nil, fmt.Errorf("limiter factory: %w", err)
	}
	return &KeyedLimiters{
		limiters: make(map[string]Limiter),
		factory:  factory,
	}, nil
}

// For returns the limiter for key, creating it if needed.
func (k *KeyedLimiters) For(key string) Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[key]; ok {
		return l
	}
	l, err := k.factory()
	if err != nil {
		// Factory succeeded at construction time; treat a later failure
		// as exceptional and fail open with an unlimited pass-through.
		l = passThroughLimiter{}
	}
	k.limiters[key] = l
	return l
}

// passThroughLimiter admits everything. Used only when a limiter factory
// fails after construction-time validation.
type passThroughLimiter struct{}

func (passThroughLimiter) TryAcquire(int) bool     { return true }
func (passThroughLimiter) AvailablePermits() int   { return 1 }
func (passThroughLimiter) Reset()                  {}
func (passThroughLimiter) Metrics() LimiterMetrics { return LimiterMetrics{} }
