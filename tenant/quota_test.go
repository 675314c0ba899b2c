package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

func testStore(t *testing.T, defaults Limits) (*InMemoryQuotaStore, *time.Time) {
	t.Helper()
	s, err := NewInMemoryQuotaStore(defaults)
	if err != nil {
		t.Fatalf("NewInMemoryQuotaStore: %v", err)
	}
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestQuotaFixedWindow(t *testing.T) {
	s, now := testStore(t, Limits{RequestsPerWindow: 2, Window: time.Minute})
	ctx := context.Background()

	if err := s.Consume(ctx, "t1", 1, 0); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := s.Consume(ctx, "t1", 1, 0); err != nil {
		t.Fatalf("second request: %v", err)
	}
	err := s.Consume(ctx, "t1", 1, 0)
	if !errors.Is(err, core.ErrQuotaExceeded) {
		t.Fatalf("third request should exceed quota, got %v", err)
	}
	if core.KindOf(err) != core.KindAuthorization {
		t.Errorf("kind = %s, want authorization", core.KindOf(err))
	}

	// Window reset restores the budget.
	*now = now.Add(61 * time.Second)
	if err := s.Consume(ctx, "t1", 1, 0); err != nil {
		t.Errorf("request after window reset rejected: %v", err)
	}
}

func TestQuotaRetryHintMatchesWindowReset(t *testing.T) {
	s, now := testStore(t, Limits{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	_ = s.Consume(ctx, "t1", 1, 0)
	*now = now.Add(20 * time.Second)
	err := s.Consume(ctx, "t1", 1, 0)
	if err == nil {
		t.Fatal("expected quota rejection")
	}
	if got := core.RetryAfterOf(err); got != 40*time.Second {
		t.Errorf("retryAfter = %v, want 40s", got)
	}
}

func TestQuotaAllOrNothing(t *testing.T) {
	s, _ := testStore(t, Limits{RequestsPerWindow: 10, TokensPerWindow: 100, Window: time.Minute})
	ctx := context.Background()

	if err := s.Consume(ctx, "t1", 1, 90); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	// Token cap rejects; the request charge must not land either.
	if err := s.Consume(ctx, "t1", 1, 50); err == nil {
		t.Fatal("token cap should reject")
	}
	// 10 tokens of headroom remain, proving the rejected batch charged
	// nothing.
	if err := s.Consume(ctx, "t1", 1, 10); err != nil {
		t.Errorf("remaining headroom rejected: %v", err)
	}
}

func TestQuotaTenantsAreIsolated(t *testing.T) {
	s, _ := testStore(t, Limits{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	if err := s.Consume(ctx, "t1", 1, 0); err != nil {
		t.Fatalf("t1: %v", err)
	}
	if err := s.Consume(ctx, "t2", 1, 0); err != nil {
		t.Errorf("t2 shares t1's budget: %v", err)
	}
}

func TestQuotaPerTenantOverride(t *testing.T) {
	s, _ := testStore(t, Limits{RequestsPerWindow: 1, Window: time.Minute})
	if err := s.SetLimits("vip", Limits{RequestsPerWindow: 5, Window: time.Minute}); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Consume(ctx, "vip", 1, 0); err != nil {
			t.Fatalf("vip request %d rejected: %v", i+1, err)
		}
	}
	if err := s.Consume(ctx, "vip", 1, 0); err == nil {
		t.Error("override cap should still bound the tenant")
	}
}

func TestQuotaUnlimitedByDefault(t *testing.T) {
	s, _ := testStore(t, Limits{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := s.Consume(ctx, "t1", 1, 1000); err != nil {
			t.Fatalf("unlimited store rejected request %d: %v", i, err)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	bad := []Limits{
		{RequestsPerWindow: -1},
		{TokensPerWindow: -1},
		{RequestsPerWindow: 1}, // caps without a window
		{TokensPerWindow: 1},
	}
	for i, l := range bad {
		if err := l.Validate(); err == nil {
			t.Errorf("limits %d should be invalid", i)
		}
	}
	good := []Limits{
		{},
		{RequestsPerWindow: 1, Window: time.Minute},
	}
	for i, l := range good {
		if err := l.Validate(); err != nil {
			t.Errorf("limits %d should be valid: %v", i, err)
		}
	}
}
