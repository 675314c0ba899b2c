package resilience

import (
	"context"
	"math/rand"
	"time"
)

// maxBackoffDelay caps exponential growth.
const maxBackoffDelay = 30 * time.Second

// BackoffConfig controls failover retry pacing: delays start at
// InitialDelay, double per attempt, cap at 30s, and carry ±20% jitter to
// avoid synchronized retries across clients.
type BackoffConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// DefaultBackoffConfig provides sensible defaults.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		MaxRetries:   2,
		InitialDelay: 250 * time.Millisecond,
	}
}

// DelayFor returns the backoff delay before retry attempt n (1-based).
func (c *BackoffConfig) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			delay = maxBackoffDelay
			break
		}
	}
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	// ±20% jitter
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // #nosec G404 - jitter, not crypto
	return time.Duration(float64(delay) * jitter)
}

// Sleep waits for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
