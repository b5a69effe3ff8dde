package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/storage/sqlite"
)

func testLimits() Limits {
	return Limits{
		Global:        Limit{LimitUSD: 100, Period: PeriodDaily},
		TenantDefault: Limit{LimitUSD: 10, Period: PeriodDaily},
		UserDefault:   Limit{LimitUSD: 1, Period: PeriodDaily},
	}
}

func consumedOf(m *Manager, scopeKey string) float64 {
	for _, s := range m.Snapshot() {
		if s.Scope == scopeKey {
			return s.Consumed
		}
	}
	return 0
}

func TestManager_ReserveCommitRelease(t *testing.T) {
	m := NewManager(testLimits())
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	id, err := m.Reserve(ctx, chain, 0.5)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := consumedOf(m, "tenant:t1"); got != 0.5 {
		t.Errorf("tenant consumed after reserve = %f, want 0.5", got)
	}

	// Actual came in under the estimate: delta is negative.
	if err := m.Commit(ctx, id, 0.3); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	for _, key := range []string{"user:t1/u1", "tenant:t1", "global"} {
		if got := consumedOf(m, key); got != 0.3 {
			t.Errorf("%s consumed after commit = %f, want 0.3", key, got)
		}
	}

	// Settled reservations cannot be settled again.
	if err := m.Commit(ctx, id, 0.3); err == nil {
		t.Error("second Commit() on same reservation should fail")
	}
}

func TestManager_DeniedAtTenantScopeLeavesUserUnchanged(t *testing.T) {
	limits := testLimits()
	limits.TenantOverrides = map[string]Limit{"t1": {LimitUSD: 0.05, Period: PeriodDaily}}
	m := NewManager(limits)
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	// Consume $0.04 at the tenant scope.
	id, err := m.Reserve(ctx, chain, 0.04)
	if err != nil {
		t.Fatalf("seed Reserve() error = %v", err)
	}
	if err := m.Commit(ctx, id, 0.04); err != nil {
		t.Fatalf("seed Commit() error = %v", err)
	}

	userBefore := consumedOf(m, "user:t1/u1")

	// $0.02 against limit $0.05 consumed $0.04: denied at the tenant scope.
	_, err = m.Reserve(ctx, chain, 0.02)
	if err == nil {
		t.Fatal("Reserve() should be denied")
	}
	ge, ok := err.(*domain.GatewayError)
	if !ok {
		t.Fatalf("error type = %T, want *domain.GatewayError", err)
	}
	if ge.Kind != domain.KindBudgetExceeded {
		t.Errorf("error kind = %s, want budget_exceeded", ge.Kind)
	}
	if ge.Scope != "tenant:t1" {
		t.Errorf("exhausted scope = %s, want tenant:t1", ge.Scope)
	}

	// All-or-nothing: the user scope must be untouched by the denial.
	if got := consumedOf(m, "user:t1/u1"); got != userBefore {
		t.Errorf("user consumed after denial = %f, want %f", got, userBefore)
	}
	if got := consumedOf(m, "tenant:t1"); got != 0.04 {
		t.Errorf("tenant consumed after denial = %f, want 0.04", got)
	}
}

func TestManager_ReleaseRestoresExactly(t *testing.T) {
	m := NewManager(testLimits())
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	seed, _ := m.Reserve(ctx, chain, 0.25)
	if err := m.Commit(ctx, seed, 0.25); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	id, err := m.Reserve(ctx, chain, 0.4)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := m.Release(ctx, id); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	for _, key := range []string{"user:t1/u1", "tenant:t1", "global"} {
		if got := consumedOf(m, key); got != 0.25 {
			t.Errorf("%s consumed after release = %f, want pre-reservation 0.25", key, got)
		}
	}
}

func TestManager_CommitClampsAtZero(t *testing.T) {
	m := NewManager(testLimits())
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	id, _ := m.Reserve(ctx, chain, 0.1)
	// Actual of zero: the negative delta must not push consumed below zero.
	if err := m.Commit(ctx, id, 0); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := consumedOf(m, "tenant:t1"); got != 0 {
		t.Errorf("tenant consumed = %f, want 0 (clamped)", got)
	}
}

func TestManager_ConsumedNeverExceedsLimit(t *testing.T) {
	limits := testLimits()
	limits.UserDefault = Limit{LimitUSD: 1, Period: PeriodDaily}
	m := NewManager(limits)
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Reserve(ctx, chain, 0.03)
			if err != nil {
				return
			}
			_ = m.Commit(ctx, id, 0.03)
		}()
	}
	wg.Wait()

	if got := consumedOf(m, "user:t1/u1"); got > 1.0000001 {
		t.Errorf("user consumed = %f, exceeds limit 1.0", got)
	}
}

func TestManager_PeriodRollover(t *testing.T) {
	m := NewManager(testLimits())
	current := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	id, _ := m.Reserve(ctx, chain, 0.9)
	if err := m.Commit(ctx, id, 0.9); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// At $0.9 of a $1 user limit, another $0.5 is denied today.
	if _, err := m.Reserve(ctx, chain, 0.5); err == nil {
		t.Fatal("Reserve() should be denied before rollover")
	}

	// Cross the daily boundary: consumed resets exactly once.
	current = time.Date(2026, 8, 26, 0, 1, 0, 0, time.UTC)
	id, err := m.Reserve(ctx, chain, 0.5)
	if err != nil {
		t.Fatalf("Reserve() after rollover error = %v", err)
	}
	if err := m.Commit(ctx, id, 0.5); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := consumedOf(m, "user:t1/u1"); got != 0.5 {
		t.Errorf("user consumed after rollover = %f, want 0.5", got)
	}
}

func TestManager_PersistAndRestore(t *testing.T) {
	store, err := sqlite.New("file:budgetdb1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	chain := domain.ScopeChain("t1", "u1")

	m1 := NewManager(testLimits(), WithStore(store))
	id, err := m1.Reserve(ctx, chain, 0.4)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := m1.Commit(ctx, id, 0.4); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// A fresh manager over the same store sees the consumed totals.
	m2 := NewManager(testLimits(), WithStore(store))
	if err := m2.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := consumedOf(m2, "tenant:t1"); got != 0.4 {
		t.Errorf("restored tenant consumed = %f, want 0.4", got)
	}
}
