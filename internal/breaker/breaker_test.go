package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	current := time.Unix(1700000000, 0)
	b := New("openai", Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		BackoffFactor:    2,
		MaxCooldown:      time.Hour,
	})
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %s, want closed", i+1, b.State())
		}
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after threshold = %s, want open", b.State())
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("Allow() while open should fail fast")
	}
	if domain.KindOf(err) != domain.KindCircuitOpen {
		t.Errorf("Allow() error kind = %s, want circuit_open", domain.KindOf(err))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed (success should reset the counter)", b.State())
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, current := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	*current = current.Add(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown should admit a trial, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// Concurrent callers during the trial are rejected.
	if err := b.Allow(); err == nil {
		t.Error("second Allow() during half_open trial should be rejected")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after trial success = %s, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after close = %v, want nil", err)
	}
}

func TestBreaker_FailedTrialExtendsCooldown(t *testing.T) {
	b, current := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*current = current.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want trial admitted", err)
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after failed trial = %s, want open", b.State())
	}
	if got := b.Snapshot().Cooldown; got != 60*time.Second {
		t.Errorf("cooldown after failed trial = %s, want 60s", got)
	}

	// The original cooldown is no longer enough.
	*current = current.Add(31 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("Allow() before extended cooldown elapsed should be rejected")
	}

	*current = current.Add(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after extended cooldown = %v, want trial admitted", err)
	}
}

func TestBreaker_ConcurrentHalfOpenAdmitsOne(t *testing.T) {
	b, current := newTestBreaker(1, time.Second)
	b.RecordFailure()
	*current = current.Add(2 * time.Second)

	var admitted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Allow(); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("admitted %d concurrent half_open callers, want exactly 1", admitted)
	}
}

func TestRegistry_PerProviderIsolation(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1})

	reg.Get("openai").RecordFailure()

	if got := reg.Get("openai").State(); got != StateOpen {
		t.Errorf("openai state = %s, want open", got)
	}
	if got := reg.Get("anthropic").State(); got != StateClosed {
		t.Errorf("anthropic state = %s, want closed", got)
	}

	if len(reg.Snapshots()) != 2 {
		t.Errorf("Snapshots() len = %d, want 2", len(reg.Snapshots()))
	}
}
