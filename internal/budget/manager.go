// Package budget enforces per-scope spend limits through a
// reserve/commit/release protocol. Correctness depends on the protocol, not
// on estimate precision: estimates are upper bounds reconciled at commit.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/storage"
)

// Period is the ledger reset cadence.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// periodStart returns the UTC boundary of the active period.
func periodStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	if p == PeriodMonthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Limit is one scope's configured budget. A zero LimitUSD means unlimited;
// consumption is still tracked for the metrics surface.
type Limit struct {
	LimitUSD float64
	Period   Period
}

// Limits resolves a Limit for every scope kind, with per-tenant overrides.
type Limits struct {
	Global          Limit
	TenantDefault   Limit
	UserDefault     Limit
	TenantOverrides map[string]Limit
}

func (l Limits) forScope(s domain.Scope) Limit {
	var lim Limit
	switch s.Kind {
	case domain.ScopeGlobal:
		lim = l.Global
	case domain.ScopeTenant:
		if override, ok := l.TenantOverrides[s.ID]; ok {
			lim = override
		} else {
			lim = l.TenantDefault
		}
	case domain.ScopeUser:
		lim = l.UserDefault
	}
	if lim.Period == "" {
		lim.Period = PeriodDaily
	}
	return lim
}

// scopeState is one scope's live ledger entry. Every mutation happens under
// the scope's own mutex so unrelated tenants never serialize on each other;
// period rollover and deduction are therefore mutually exclusive.
type scopeState struct {
	mu        sync.Mutex
	scope     domain.Scope
	limit     Limit
	consumed  float64
	lastReset time.Time
}

// rollover resets consumed exactly once per period boundary. Caller holds mu.
func (s *scopeState) rollover(now time.Time) {
	start := periodStart(s.limit.Period, now)
	if s.lastReset.Before(start) {
		s.consumed = 0
		s.lastReset = start
	}
}

func (s *scopeState) snapshot() storage.LedgerSnapshot {
	return storage.LedgerSnapshot{
		ScopeKey:  s.scope.Key(),
		Period:    string(s.limit.Period),
		LimitUSD:  s.limit.LimitUSD,
		Consumed:  s.consumed,
		LastReset: s.lastReset,
	}
}

type reservation struct {
	mu      sync.Mutex
	keys    []string
	amount  float64
	settled bool
}

// Manager tracks cumulative spend per scope and approves or denies forecasted
// costs before execution.
type Manager struct {
	limits Limits
	store  storage.Store // optional durable backing
	logger *slog.Logger

	mu           sync.RWMutex
	scopes       map[string]*scopeState
	reservations map[string]*reservation

	now func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithStore persists ledger snapshots after each mutation and is consulted by
// NewManager callers through Restore.
func WithStore(store storage.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager enforcing the given limits.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:       limits,
		logger:       slog.Default(),
		scopes:       make(map[string]*scopeState),
		reservations: make(map[string]*reservation),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore seeds live ledger state from persisted snapshots. Limits come from
// configuration, not from the snapshot, so operators can change them between
// restarts; consumed totals and reset markers survive.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.LoadLedgers(ctx)
	if err != nil {
		return fmt.Errorf("restore ledgers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snaps {
		scope := scopeFromKey(snap.ScopeKey)
		state := &scopeState{
			scope:     scope,
			limit:     m.limits.forScope(scope),
			consumed:  snap.Consumed,
			lastReset: snap.LastReset,
		}
		m.scopes[snap.ScopeKey] = state
	}
	return nil
}

func scopeFromKey(key string) domain.Scope {
	for _, kind := range []domain.ScopeKind{domain.ScopeUser, domain.ScopeTenant, domain.ScopeGlobal} {
		prefix := string(kind) + ":"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return domain.Scope{Kind: kind, ID: key[len(prefix):]}
		}
		if key == string(kind) {
			return domain.Scope{Kind: kind}
		}
	}
	return domain.Scope{Kind: domain.ScopeKind(key)}
}

func (m *Manager) state(scope domain.Scope) *scopeState {
	key := scope.Key()

	m.mu.RLock()
	s, ok := m.scopes[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scopes[key]; ok {
		return s
	}
	s = &scopeState{
		scope:     scope,
		limit:     m.limits.forScope(scope),
		lastReset: periodStart(m.limits.forScope(scope).Period, m.now()),
	}
	m.scopes[key] = s
	return s
}

// lockAll acquires every scope's mutex in a deterministic order so two
// overlapping chains cannot deadlock.
func lockAll(states []*scopeState) func() {
	ordered := make([]*scopeState, len(states))
	copy(ordered, states)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].scope.Key() < ordered[j].scope.Key()
	})
	for _, s := range ordered {
		s.mu.Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}
}

// Reserve walks the scope chain and atomically checks
// consumed + estimate <= limit for every scope with a configured limit. The
// reservation is all-or-nothing: any denial leaves every scope untouched and
// names the exhausted scope. On success every scope's consumed is increased
// by the estimate and a reservation handle is returned.
func (m *Manager) Reserve(ctx context.Context, chain []domain.Scope, estimate float64) (string, error) {
	if estimate < 0 {
		return "", fmt.Errorf("negative estimate %f", estimate)
	}

	states := make([]*scopeState, len(chain))
	for i, scope := range chain {
		states[i] = m.state(scope)
	}

	unlock := lockAll(states)
	now := m.now()

	// Check in chain order so the innermost exhausted scope is reported.
	for _, s := range states {
		s.rollover(now)
		if s.limit.LimitUSD > 0 && s.consumed+estimate > s.limit.LimitUSD {
			unlock()
			return "", domain.ErrBudgetExceeded(s.scope.Key(),
				fmt.Sprintf("reserving $%.4f would exceed %s limit of $%.2f (consumed $%.4f)",
					estimate, s.limit.Period, s.limit.LimitUSD, s.consumed))
		}
	}

	for _, s := range states {
		s.consumed += estimate
	}
	snaps := snapshotAll(states)
	unlock()

	id := uuid.New().String()
	res := &reservation{amount: estimate, keys: keysOf(states)}
	m.mu.Lock()
	m.reservations[id] = res
	m.mu.Unlock()

	m.persist(ctx, snaps)
	return id, nil
}

// Commit settles a reservation with the actual cost, adjusting each scope by
// the delta between actual and estimated. A scope is never pushed durably
// negative; the adjustment clamps at zero.
func (m *Manager) Commit(ctx context.Context, reservationID string, actual float64) error {
	res, err := m.takeReservation(reservationID)
	if err != nil {
		return err
	}
	m.adjust(ctx, res.keys, actual-res.amount)
	return nil
}

// Release reverses a reservation fully, restoring each scope's consumed to
// its pre-reservation value. Used when no provider could be reached.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	res, err := m.takeReservation(reservationID)
	if err != nil {
		return err
	}
	m.adjust(ctx, res.keys, -res.amount)
	return nil
}

func (m *Manager) takeReservation(id string) (*reservation, error) {
	m.mu.RLock()
	res, ok := m.reservations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown reservation %s", id)
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if res.settled {
		return nil, fmt.Errorf("reservation %s already settled", id)
	}
	res.settled = true

	m.mu.Lock()
	delete(m.reservations, id)
	m.mu.Unlock()
	return res, nil
}

func (m *Manager) adjust(ctx context.Context, keys []string, delta float64) {
	states := make([]*scopeState, 0, len(keys))
	m.mu.RLock()
	for _, key := range keys {
		if s, ok := m.scopes[key]; ok {
			states = append(states, s)
		}
	}
	m.mu.RUnlock()

	unlock := lockAll(states)
	now := m.now()
	for _, s := range states {
		s.rollover(now)
		s.consumed += delta
		if s.consumed < 0 {
			s.consumed = 0
		}
	}
	snaps := snapshotAll(states)
	unlock()

	m.persist(ctx, snaps)
}

func keysOf(states []*scopeState) []string {
	keys := make([]string, len(states))
	for i, s := range states {
		keys[i] = s.scope.Key()
	}
	return keys
}

func snapshotAll(states []*scopeState) []storage.LedgerSnapshot {
	snaps := make([]storage.LedgerSnapshot, len(states))
	for i, s := range states {
		snaps[i] = s.snapshot()
	}
	return snaps
}

// persist writes snapshots outside the scope locks. Persistence is
// best-effort: a storage failure is logged, not surfaced, since the live
// ledger remains authoritative for this instance.
func (m *Manager) persist(ctx context.Context, snaps []storage.LedgerSnapshot) {
	if m.store == nil {
		return
	}
	for _, snap := range snaps {
		if err := m.store.SaveLedger(ctx, snap); err != nil {
			m.logger.Error("failed to persist ledger",
				slog.String("scope", snap.ScopeKey),
				slog.String("error", err.Error()))
		}
	}
}

// ScopeStatus is one scope's consumption for the metrics surface.
type ScopeStatus struct {
	Scope     string  `json:"scope"`
	Period    string  `json:"period"`
	LimitUSD  float64 `json:"limit_usd"`
	Consumed  float64 `json:"consumed_usd"`
	Remaining float64 `json:"remaining_usd"`
}

// Snapshot returns the current consumption of every known scope.
func (m *Manager) Snapshot() []ScopeStatus {
	m.mu.RLock()
	states := make([]*scopeState, 0, len(m.scopes))
	for _, s := range m.scopes {
		states = append(states, s)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]ScopeStatus, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		s.rollover(now)
		status := ScopeStatus{
			Scope:    s.scope.Key(),
			Period:   string(s.limit.Period),
			LimitUSD: s.limit.LimitUSD,
			Consumed: s.consumed,
		}
		s.mu.Unlock()
		if status.LimitUSD > 0 {
			status.Remaining = status.LimitUSD - status.Consumed
			if status.Remaining < 0 {
				status.Remaining = 0
			}
		}
		out = append(out, status)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
