package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openfluxai/fluxgate/core"
)

// Limits caps a tenant's consumption per fixed window. Zero caps mean
// unlimited.
type Limits struct {
	RequestsPerWindow int64         `yaml:"requestsPerWindow"`
	TokensPerWindow   int64         `yaml:"tokensPerWindow"`
	Window            time.Duration `yaml:"window"`
}

// Validate checks the limits.
func (l *Limits) Validate() error {
	if l.RequestsPerWindow < 0 || l.TokensPerWindow < 0 {
		return fmt.Errorf("quota caps must be non-negative")
	}
	if (l.RequestsPerWindow > 0 || l.TokensPerWindow > 0) && l.Window <= 0 {
		return fmt.Errorf("quota window must be positive when caps are set")
	}
	return nil
}

// QuotaStore accounts tenant consumption. Consume is all-or-nothing: when
// either cap would be exceeded, nothing is charged and the error wraps
// core.ErrQuotaExceeded with a retry hint for the window reset.
type QuotaStore interface {
	Consume(ctx context.Context, tenantID string, requests, tokens int64) error
}

func quotaErr(tenantID string, resetIn time.Duration) error {
	return &core.GatewayError{
		Op:         "quota.Consume",
		Kind:       core.KindAuthorization,
		RetryAfter: resetIn,
		Message:    fmt.Sprintf("tenant %q quota exceeded", tenantID),
		Err:        core.ErrQuotaExceeded,
	}
}

// window tracks one tenant's consumption in the current fixed window.
type window struct {
	start    time.Time
	requests int64
	tokens   int64
}

// InMemoryQuotaStore implements fixed-window quota accounting in process
// memory. Limits may vary per tenant; unknown tenants use the defaults.
type InMemoryQuotaStore struct {
	defaults  Limits
	mu        sync.Mutex
	perTenant map[string]Limits
	windows   map[string]*window
	now       func() time.Time
}

// NewInMemoryQuotaStore creates a store with the default limits.
func NewInMemoryQuotaStore(defaults Limits) (*InMemoryQuotaStore, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("quota limits: %w", err)
	}
	return &InMemoryQuotaStore{
		defaults:  defaults,
		perTenant: make(map[string]Limits),
		windows:   make(map[string]*window),
		now:       time.Now,
	}, nil
}

// SetLimits overrides the limits for one tenant.
func (s *InMemoryQuotaStore) SetLimits(tenantID string, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("quota limits for %q: %w", tenantID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perTenant[tenantID] = limits
	return nil
}

func (s *InMemoryQuotaStore) limitsFor(tenantID string) Limits {
	if l, ok := s.perTenant[tenantID]; ok {
		return l
	}
	return s.defaults
}

// Consume charges the tenant, rejecting atomically when a cap would be
// exceeded.
func (s *InMemoryQuotaStore) Consume(_ context.Context, tenantID string, requests, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits := s.limitsFor(tenantID)
	if limits.RequestsPerWindow == 0 && limits.TokensPerWindow == 0 {
		return nil
	}

	now := s.now()
	w, ok := s.windows[tenantID]
	if !ok || now.Sub(w.start) >= limits.Window {
		w = &window{start: now}
		s.windows[tenantID] = w
	}

	if limits.RequestsPerWindow > 0 && w.requests+requests > limits.RequestsPerWindow {
		return quotaErr(tenantID, limits.Window-now.Sub(w.start))
	}
	if limits.TokensPerWindow > 0 && w.tokens+tokens > limits.TokensPerWindow {
		return quotaErr(tenantID, limits.Window-now.Sub(w.start))
	}
	w.requests += requests
	w.tokens += tokens
	return nil
}

// quotaKeyPrefix namespaces quota counters in Redis.
const quotaKeyPrefix = "fluxgate:quota:"

// RedisQuotaStore implements fixed-window quota accounting shared across
// gateway instances. Counters are INCRBY'd with the window as TTL; the
// check-then-charge race between instances can overshoot by at most one
// in-flight batch per instance, which fixed-window accounting tolerates.
type RedisQuotaStore struct {
	client   *redis.Client
	defaults Limits
}

// NewRedisQuotaStore creates a Redis-backed store with the default limits.
func NewRedisQuotaStore(client *redis.Client, defaults Limits) (*RedisQuotaStore, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("quota limits: %w", err)
	}
	return &RedisQuotaStore{client: client, defaults: defaults}, nil
}

func (s *RedisQuotaStore) consumeOne(ctx context.Context, key string, amount, cap int64) (bool, error) {
	if cap == 0 || amount == 0 {
		return true, nil
	}
	total, err := s.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing quota counter: %w", err)
	}
	if total == amount {
		// First charge in this window starts the clock.
		if err := s.client.Expire(ctx, key, s.defaults.Window).Err(); err != nil {
			return false, fmt.Errorf("setting quota window: %w", err)
		}
	}
	if total > cap {
		// Refund so a rejected request does not consume budget.
		if err := s.client.DecrBy(ctx, key, amount).Err(); err != nil {
			return false, fmt.Errorf("refunding quota counter: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Consume charges the tenant against the shared counters.
func (s *RedisQuotaStore) Consume(ctx context.Context, tenantID string, requests, tokens int64) error {
	reqKey := quotaKeyPrefix + tenantID + ":requests"
	tokKey := quotaKeyPrefix + tenantID + ":tokens"

	ok, err := s.consumeOne(ctx, reqKey, requests, s.defaults.RequestsPerWindow)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejected(ctx, tenantID, reqKey)
	}

	ok, err = s.consumeOne(ctx, tokKey, tokens, s.defaults.TokensPerWindow)
	if err != nil {
		return err
	}
	if !ok {
		// Undo the request charge so the rejection is all-or-nothing.
		if requests > 0 && s.defaults.RequestsPerWindow > 0 {
			_ = s.client.DecrBy(ctx, reqKey, requests).Err()
		}
		return s.rejected(ctx, tenantID, tokKey)
	}
	return nil
}

func (s *RedisQuotaStore) rejected(ctx context.Context, tenantID, key string) error {
	resetIn := s.defaults.Window
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		resetIn = ttl
	}
	return quotaErr(tenantID, resetIn)
}
