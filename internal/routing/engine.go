// Package routing selects and orders candidate providers for a request:
// weight-ordered, breaker-aware, and within the request's cost ceiling.
package routing

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/breaker"
	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

// ewmaAlpha weights the newest latency sample in the rolling average.
const ewmaAlpha = 0.2

// EstimateFunc forecasts the cost of a request on a given profile.
type EstimateFunc func(profile *domain.ProviderProfile, req *domain.Request) float64

// Candidate is one eligible provider with its forecast cost for the request.
type Candidate struct {
	Profile       *domain.ProviderProfile
	EstimatedCost float64
}

// Option configures the engine.
type Option func(*Engine)

// WithABSplit routes the given fraction of requests (by request id hash) to
// the second-ranked candidate first. Zero disables the split.
func WithABSplit(fraction float64) Option {
	return func(e *Engine) {
		e.abSplit = fraction
	}
}

// Engine holds the provider inventory and the per-provider latency averages
// used as the ordering tie-break.
type Engine struct {
	profiles []*domain.ProviderProfile
	breakers *breaker.Registry
	abSplit  float64

	mu      sync.RWMutex
	latency map[string]float64 // EWMA in milliseconds
}

// NewEngine creates a routing engine over a fixed provider inventory.
func NewEngine(profiles []*domain.ProviderProfile, breakers *breaker.Registry, opts ...Option) *Engine {
	e := &Engine{
		profiles: profiles,
		breakers: breakers,
		latency:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Profiles returns the configured provider inventory.
func (e *Engine) Profiles() []*domain.ProviderProfile {
	return e.profiles
}

// ObserveLatency folds a completed call's duration into the provider's
// rolling average.
func (e *Engine) ObserveLatency(providerID string, d time.Duration) {
	ms := float64(d.Milliseconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.latency[providerID]
	if !ok {
		e.latency[providerID] = ms
		return
	}
	e.latency[providerID] = ewmaAlpha*ms + (1-ewmaAlpha)*prev
}

func (e *Engine) avgLatency(providerID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latency[providerID]
}

// LatencySnapshot returns the rolling latency averages in milliseconds.
func (e *Engine) LatencySnapshot() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]float64, len(e.latency))
	for k, v := range e.latency {
		out[k] = v
	}
	return out
}

// eligible filters the inventory down to providers that support the task,
// whose breaker is not open, and whose forecast cost fits the request's
// ceiling.
func (e *Engine) eligible(req *domain.Request, estimate EstimateFunc) []Candidate {
	var out []Candidate
	for _, p := range e.profiles {
		if !p.Supports(req.TaskType) {
			continue
		}
		if e.breakers.Get(p.ID).State() == breaker.StateOpen {
			continue
		}
		cost := estimate(p, req)
		if math.IsInf(cost, 1) || math.IsNaN(cost) {
			// Unpriceable profiles (no adapter can serve them) are never
			// eligible, ceiling or not.
			continue
		}
		if req.MaxCostUSD > 0 && cost > req.MaxCostUSD {
			continue
		}
		out = append(out, Candidate{Profile: p, EstimatedCost: cost})
	}
	return out
}

// SelectCandidates returns the ordered candidate list for a request: weight
// descending, average latency ascending as the tie-break, with the preferred
// model (if any) promoted to the front and the rest preserved as fallback.
func (e *Engine) SelectCandidates(req *domain.Request, estimate EstimateFunc) []Candidate {
	cands := e.eligible(req, estimate)

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Profile.Weight != b.Profile.Weight {
			return a.Profile.Weight > b.Profile.Weight
		}
		la, lb := e.avgLatency(a.Profile.ID), e.avgLatency(b.Profile.ID)
		if la != lb {
			return la < lb
		}
		return a.Profile.ID < b.Profile.ID
	})

	if req.PreferredModel != "" {
		if promoted := promotePreferred(cands, req); promoted {
			return cands
		}
	}

	if e.abSplit > 0 && len(cands) >= 2 && splitFraction(req.RequestID) < e.abSplit {
		cands[0], cands[1] = cands[1], cands[0]
	}

	return cands
}

// SelectDegraded returns the same eligible set ordered by forecast cost
// ascending, for callers that opted into cheaper routing after a budget
// denial.
func (e *Engine) SelectDegraded(req *domain.Request, estimate EstimateFunc) []Candidate {
	cands := e.eligible(req, estimate)

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].EstimatedCost != cands[j].EstimatedCost {
			return cands[i].EstimatedCost < cands[j].EstimatedCost
		}
		return cands[i].Profile.ID < cands[j].Profile.ID
	})
	return cands
}

// promotePreferred moves the first candidate serving the preferred model to
// the front, keeping the relative order of the rest. Reports whether a match
// was found.
func promotePreferred(cands []Candidate, req *domain.Request) bool {
	for i, c := range cands {
		if c.Profile.ModelFor(req.TaskType) != req.PreferredModel {
			continue
		}
		if i > 0 {
			promoted := cands[i]
			copy(cands[1:i+1], cands[0:i])
			cands[0] = promoted
		}
		return true
	}
	return false
}

// splitFraction maps a request id to a stable value in [0, 1) so the A/B
// assignment is deterministic per request.
func splitFraction(requestID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return float64(h.Sum32()%10000) / 10000
}
