// Package breaker implements the per-provider circuit breaker state machine
// that sheds load from a failing provider.
package breaker

import (
	"sync"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before permitting a trial.
	Cooldown time.Duration

	// BackoffFactor multiplies the cooldown on each repeated trip.
	BackoffFactor float64

	// MaxCooldown caps the backed-off cooldown.
	MaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// Breaker tracks failures for one provider. All transitions happen under the
// breaker's own mutex; unrelated providers never contend.
type Breaker struct {
	provider string
	cfg      Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	trialInFlight       bool

	now func() time.Time
}

// New creates a closed breaker for a provider.
func New(provider string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it fails fast
// with CircuitOpen until the cooldown elapses, then admits exactly one trial
// in half_open; concurrent callers during the trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return domain.ErrCircuitOpen(b.provider)
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return domain.ErrCircuitOpen(b.provider)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count; a successful half_open trial closes
// the breaker and restores the base cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.cooldown = b.cfg.Cooldown
	}
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker at the threshold. A failed half_open trial reopens with an
// extended cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.extendCooldown()
		b.open()
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateOpen:
		// Late failure from a call dispatched before the trip; the breaker
		// is already open.
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
}

func (b *Breaker) extendCooldown() {
	next := time.Duration(float64(b.cooldown) * b.cfg.BackoffFactor)
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	b.cooldown = next
}

// State returns the current position without transitioning it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is the breaker's observable state for the metrics surface.
type Snapshot struct {
	Provider            string        `json:"provider"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"-"`
	CooldownSeconds     float64       `json:"cooldown_seconds"`
}

// Snapshot returns the current observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Provider:            b.provider,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
		CooldownSeconds:     b.cooldown.Seconds(),
	}
}

// Registry holds one breaker per provider, created lazily.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = New(provider, r.cfg)
	r.breakers[provider] = b
	return b
}

// Snapshots returns the observable state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
