// Package gateway orchestrates one generation end to end: validation, cache
// lookup, budget reservation, candidate iteration with fallback, and usage
// accounting.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wayfarerhq/llm-gateway/internal/breaker"
	"github.com/wayfarerhq/llm-gateway/internal/budget"
	"github.com/wayfarerhq/llm-gateway/internal/cache"
	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/fingerprint"
	"github.com/wayfarerhq/llm-gateway/internal/provider"
	"github.com/wayfarerhq/llm-gateway/internal/routing"
	"github.com/wayfarerhq/llm-gateway/internal/storage"
)

// Engine wires the routing, budget, breaker, cache, and provider layers into
// the request lifecycle. It is safe for concurrent use.
type Engine struct {
	router   *routing.Engine
	adapters *provider.Registry
	breakers *breaker.Registry
	budgets  *budget.Manager
	cache    *cache.Cache
	store    storage.Store // optional usage log
	logger   *slog.Logger
	cacheTTL time.Duration

	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	degraded  atomic.Int64

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithStore enables the append-only usage log.
func WithStore(store storage.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCacheTTL overrides the TTL applied to cached responses. Zero uses the
// cache's default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// NewEngine creates an orchestration engine.
func NewEngine(router *routing.Engine, adapters *provider.Registry, breakers *breaker.Registry, budgets *budget.Manager, respCache *cache.Cache, opts ...Option) *Engine {
	e := &Engine{
		router:   router,
		adapters: adapters,
		breakers: breakers,
		budgets:  budgets,
		cache:    respCache,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats is the engine's request counters for the metrics surface.
type Stats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Degraded  int64 `json:"degraded_routings"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:  e.requests.Load(),
		Successes: e.successes.Load(),
		Failures:  e.failures.Load(),
		Degraded:  e.degraded.Load(),
	}
}

func validate(req *domain.Request) error {
	if !domain.IsKnownTaskType(req.TaskType) {
		return domain.ErrInvalidRequest("unknown task type " + string(req.TaskType))
	}
	if req.Prompt == "" {
		return domain.ErrInvalidRequest("prompt must not be empty")
	}
	if req.TenantID == "" || req.UserID == "" {
		return domain.ErrInvalidRequest("tenant_id and user_id are required")
	}
	return nil
}

// estimate forecasts a request's cost on a profile via its adapter. Profiles
// whose adapter type is unregistered are priced out of eligibility.
func (e *Engine) estimate(p *domain.ProviderProfile, req *domain.Request) float64 {
	a, err := e.adapters.Get(p.Type)
	if err != nil {
		return math.Inf(1)
	}
	return a.EstimateCost(p, req)
}

// reserve places the budget hold for the top candidate. A denial with
// AllowDegraded set retries with the cheapest eligible candidate; the
// returned slice is the order the caller should iterate.
func (e *Engine) reserve(ctx context.Context, req *domain.Request, cands []routing.Candidate) (string, []routing.Candidate, error) {
	chain := domain.ScopeChain(req.TenantID, req.UserID)

	resID, err := e.budgets.Reserve(ctx, chain, cands[0].EstimatedCost)
	if err == nil {
		return resID, cands, nil
	}
	if domain.KindOf(err) != domain.KindBudgetExceeded || !req.AllowDegraded {
		return "", nil, err
	}

	cheap := e.router.SelectDegraded(req, e.estimate)
	if len(cheap) == 0 || cheap[0].EstimatedCost >= cands[0].EstimatedCost {
		return "", nil, err
	}
	resID, degradedErr := e.budgets.Reserve(ctx, chain, cheap[0].EstimatedCost)
	if degradedErr != nil {
		return "", nil, err
	}
	e.degraded.Add(1)
	e.logger.Info("degraded routing after budget denial",
		slog.String("request_id", req.RequestID),
		slog.Float64("estimate_usd", cheap[0].EstimatedCost))
	return resID, cheap, nil
}

// Execute runs a unary generation through the full lifecycle and returns the
// normalized response. Exactly one terminal usage record is written per call;
// each failed provider attempt adds a zero-cost record of its own.
func (e *Engine) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	e.requests.Add(1)

	if err := validate(req); err != nil {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeInvalid, domain.Usage{}, 0, false)
		return nil, err
	}

	fp := fingerprint.Compute(req)
	if resp, ok := e.cache.Get(fp); ok {
		e.successes.Add(1)
		e.recordUsage(ctx, req, resp.Provider, domain.OutcomeCacheHit, resp.Usage, 0, resp.Estimated)
		return resp, nil
	}

	cands := e.router.SelectCandidates(req, e.estimate)
	if len(cands) == 0 {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeNoProvider, domain.Usage{}, 0, false)
		return nil, domain.ErrNoEligibleProvider(req.TaskType)
	}

	resID, cands, err := e.reserve(ctx, req, cands)
	if err != nil {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeBudget, domain.Usage{}, 0, false)
		return nil, err
	}

	var attempts []domain.Attempt
	for _, c := range cands {
		if ctx.Err() != nil {
			return nil, e.abort(ctx, req, resID, domain.OutcomeDeadline, domain.ErrDeadlineExceeded(attempts))
		}

		br := e.breakers.Get(c.Profile.ID)
		if allowErr := br.Allow(); allowErr != nil {
			attempts = append(attempts, attemptOf(c.Profile.ID, allowErr))
			continue
		}

		a, adapterErr := e.adapters.Get(c.Profile.Type)
		if adapterErr != nil {
			attempts = append(attempts, attemptOf(c.Profile.ID, adapterErr))
			e.recordAttemptFailure(ctx, req, c.Profile.ID)
			continue
		}

		// A dispatched call runs to completion even if the caller goes away;
		// the provider bills for it, so its cost must still be committed. The
		// adapter's connect/read timeouts keep the detached context bounded.
		callCtx, cancelCall := context.WithTimeout(context.WithoutCancel(ctx), provider.CallTimeout(c.Profile))
		start := e.now()
		resp, callErr := a.Call(callCtx, c.Profile, req)
		cancelCall()
		e.router.ObserveLatency(c.Profile.ID, e.now().Sub(start))

		if callErr != nil {
			if domain.KindOf(callErr) != domain.KindCanceled {
				br.RecordFailure()
			}
			attempts = append(attempts, attemptOf(c.Profile.ID, callErr))
			e.recordAttemptFailure(ctx, req, c.Profile.ID)
			e.logger.Warn("provider call failed",
				slog.String("request_id", req.RequestID),
				slog.String("provider", c.Profile.ID),
				slog.String("error", callErr.Error()))
			continue
		}

		br.RecordSuccess()
		if commitErr := e.budgets.Commit(context.WithoutCancel(ctx), resID, resp.CostUSD); commitErr != nil {
			e.logger.Error("failed to commit reservation",
				slog.String("request_id", req.RequestID),
				slog.String("error", commitErr.Error()))
		}
		e.cache.Put(fp, resp, e.cacheTTL)
		e.successes.Add(1)
		e.recordUsage(ctx, req, resp.Provider, domain.OutcomeSuccess, resp.Usage, resp.CostUSD, resp.Estimated)
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, e.abort(ctx, req, resID, domain.OutcomeDeadline, domain.ErrDeadlineExceeded(attempts))
	}
	return nil, e.abort(ctx, req, resID, domain.OutcomeAllFailed, domain.ErrAllProvidersUnavailable(attempts))
}

// abort releases the reservation and records the failure terminal. The
// caller's context may already be dead, so settlement runs detached from it.
func (e *Engine) abort(ctx context.Context, req *domain.Request, resID string, outcome domain.Outcome, gerr *domain.GatewayError) error {
	ctx = context.WithoutCancel(ctx)
	if releaseErr := e.budgets.Release(ctx, resID); releaseErr != nil {
		e.logger.Error("failed to release reservation",
			slog.String("request_id", req.RequestID),
			slog.String("error", releaseErr.Error()))
	}
	e.failures.Add(1)
	e.recordUsage(ctx, req, "", outcome, domain.Usage{}, 0, false)
	return gerr
}

// ExecuteStream runs a streaming generation. Fallback across candidates only
// happens before the first byte; once delivery starts the stream is bound to
// its provider. Streamed responses are not cached.
func (e *Engine) ExecuteStream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error) {
	e.requests.Add(1)

	if err := validate(req); err != nil {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeInvalid, domain.Usage{}, 0, false)
		return nil, err
	}

	fp := fingerprint.Compute(req)
	if resp, ok := e.cache.Get(fp); ok {
		e.successes.Add(1)
		e.recordUsage(ctx, req, resp.Provider, domain.OutcomeCacheHit, resp.Usage, 0, resp.Estimated)
		return replayCached(resp), nil
	}

	cands := e.router.SelectCandidates(req, e.estimate)
	if len(cands) == 0 {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeNoProvider, domain.Usage{}, 0, false)
		return nil, domain.ErrNoEligibleProvider(req.TaskType)
	}

	resID, cands, err := e.reserve(ctx, req, cands)
	if err != nil {
		e.failures.Add(1)
		e.recordUsage(ctx, req, "", domain.OutcomeBudget, domain.Usage{}, 0, false)
		return nil, err
	}

	var attempts []domain.Attempt
	for _, c := range cands {
		if ctx.Err() != nil {
			return nil, e.abort(ctx, req, resID, domain.OutcomeDeadline, domain.ErrDeadlineExceeded(attempts))
		}

		br := e.breakers.Get(c.Profile.ID)
		if allowErr := br.Allow(); allowErr != nil {
			attempts = append(attempts, attemptOf(c.Profile.ID, allowErr))
			continue
		}

		a, adapterErr := e.adapters.Get(c.Profile.Type)
		if adapterErr != nil {
			attempts = append(attempts, attemptOf(c.Profile.ID, adapterErr))
			e.recordAttemptFailure(ctx, req, c.Profile.ID)
			continue
		}

		start := e.now()
		upstream, streamErr := a.Stream(ctx, c.Profile, req)
		if streamErr != nil {
			if domain.KindOf(streamErr) != domain.KindCanceled {
				br.RecordFailure()
			}
			e.router.ObserveLatency(c.Profile.ID, e.now().Sub(start))
			attempts = append(attempts, attemptOf(c.Profile.ID, streamErr))
			e.recordAttemptFailure(ctx, req, c.Profile.ID)
			continue
		}

		out := make(chan domain.StreamEvent)
		go e.relayStream(ctx, req, c, br, resID, start, upstream, out)
		return out, nil
	}

	if ctx.Err() != nil {
		return nil, e.abort(ctx, req, resID, domain.OutcomeDeadline, domain.ErrDeadlineExceeded(attempts))
	}
	return nil, e.abort(ctx, req, resID, domain.OutcomeAllFailed, domain.ErrAllProvidersUnavailable(attempts))
}

// relayStream forwards upstream events, settling the reservation and usage
// log from the terminal event.
func (e *Engine) relayStream(ctx context.Context, req *domain.Request, c routing.Candidate, br *breaker.Breaker, resID string, start time.Time, upstream <-chan domain.StreamEvent, out chan<- domain.StreamEvent) {
	defer close(out)

	// Settlement must land even when the caller disconnected mid-stream.
	ctx = context.WithoutCancel(ctx)

	settled := false
	for ev := range upstream {
		if ev.Err != nil {
			if domain.KindOf(ev.Err) != domain.KindCanceled {
				br.RecordFailure()
			}
			e.router.ObserveLatency(c.Profile.ID, e.now().Sub(start))
			// Tokens may have been consumed before the failure; the reserved
			// estimate stays charged.
			if commitErr := e.budgets.Commit(ctx, resID, c.EstimatedCost); commitErr != nil {
				e.logger.Error("failed to settle aborted stream",
					slog.String("request_id", req.RequestID),
					slog.String("error", commitErr.Error()))
			}
			e.failures.Add(1)
			e.recordUsage(ctx, req, c.Profile.ID, domain.OutcomeStreamAborted, domain.Usage{}, c.EstimatedCost, true)
			settled = true
			out <- ev
			return
		}

		if ev.Done {
			br.RecordSuccess()
			e.router.ObserveLatency(c.Profile.ID, e.now().Sub(start))
			if commitErr := e.budgets.Commit(ctx, resID, ev.CostUSD); commitErr != nil {
				e.logger.Error("failed to commit stream reservation",
					slog.String("request_id", req.RequestID),
					slog.String("error", commitErr.Error()))
			}
			usage := domain.Usage{}
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			e.successes.Add(1)
			e.recordUsage(ctx, req, c.Profile.ID, domain.OutcomeSuccess, usage, ev.CostUSD, ev.Estimated)
			settled = true
		}
		out <- ev
	}

	// Upstream closed without a terminal event: treat as an aborted stream.
	if !settled {
		br.RecordFailure()
		if commitErr := e.budgets.Commit(ctx, resID, c.EstimatedCost); commitErr != nil {
			e.logger.Error("failed to settle truncated stream",
				slog.String("request_id", req.RequestID),
				slog.String("error", commitErr.Error()))
		}
		e.failures.Add(1)
		e.recordUsage(ctx, req, c.Profile.ID, domain.OutcomeStreamAborted, domain.Usage{}, c.EstimatedCost, true)
	}
}

// replayCached turns a cached response into a two-event stream.
func replayCached(resp *domain.Response) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, 2)
	out <- domain.StreamEvent{ContentDelta: resp.Content}
	usage := resp.Usage
	out <- domain.StreamEvent{Done: true, Usage: &usage, CostUSD: 0, Estimated: resp.Estimated}
	close(out)
	return out
}

func attemptOf(providerID string, err error) domain.Attempt {
	att := domain.Attempt{Provider: providerID, Kind: domain.KindOf(err), Message: err.Error()}
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		att.Message = ge.Message
	}
	return att
}

// recordAttemptFailure logs one failed provider attempt so the audit trail
// shows every provider tried, not only the one that answered.
func (e *Engine) recordAttemptFailure(ctx context.Context, req *domain.Request, providerID string) {
	e.recordUsage(ctx, req, providerID, domain.OutcomeProviderFailure, domain.Usage{}, 0, false)
}

// recordUsage appends one audit entry. Failures here are logged, never
// surfaced; the response has already been decided.
func (e *Engine) recordUsage(ctx context.Context, req *domain.Request, providerID string, outcome domain.Outcome, usage domain.Usage, cost float64, estimated bool) {
	if e.store == nil {
		return
	}
	// Audit writes survive caller cancellation.
	ctx = context.WithoutCancel(ctx)
	rec := &domain.UsageRecord{
		ID:         uuid.New().String(),
		RequestID:  req.RequestID,
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		ProviderID: providerID,
		TaskType:   string(req.TaskType),
		Tokens:     usage.TotalTokens,
		CostUSD:    cost,
		Estimated:  estimated,
		Outcome:    outcome,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AppendUsage(ctx, rec); err != nil {
		e.logger.Error("failed to append usage record",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
}
