// Package domain holds the canonical types shared across the gateway:
// requests, responses, provider profiles, budget scopes, and usage records.
package domain

import (
	"time"
)

// TaskType classifies the kind of generation work a request carries.
type TaskType string

const (
	TaskItinerary   TaskType = "itinerary"
	TaskChat        TaskType = "chat"
	TaskSummary     TaskType = "summary"
	TaskTranslation TaskType = "translation"
)

// KnownTaskTypes lists every task type the gateway accepts.
var KnownTaskTypes = []TaskType{TaskItinerary, TaskChat, TaskSummary, TaskTranslation}

// IsKnownTaskType reports whether t is a task type the gateway can route.
func IsKnownTaskType(t TaskType) bool {
	for _, known := range KnownTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Request is the unit of work submitted to the gateway. It is immutable once
// submitted; the engine never mutates it while iterating candidates.
type Request struct {
	RequestID   string   `json:"request_id"`
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	TaskType    TaskType `json:"task_type"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`

	// MaxCostUSD is the per-request cost ceiling. Zero means no ceiling.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`

	// PreferredModel pins the request to a provider model when that provider
	// is healthy and within the cost ceiling. The rest of the candidate order
	// is preserved as fallback.
	PreferredModel string `json:"model,omitempty"`

	// AllowDegraded opts the caller into cheaper routing when the estimated
	// cost is denied by a budget scope.
	AllowDegraded bool `json:"allow_degraded,omitempty"`
}

// Usage is the token accounting reported (or estimated) for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized result of a generation, whatever provider
// produced it.
type Response struct {
	GenerationID string  `json:"generation_id"`
	Content      string  `json:"response"`
	Provider     string  `json:"provider"`
	ModelUsed    string  `json:"model_used"`
	Usage        Usage   `json:"usage"`
	CostUSD      float64 `json:"cost_usd"`

	// Estimated is true when the provider did not report usage and the cost
	// was derived from payload size instead.
	Estimated bool `json:"estimated,omitempty"`

	// FromCache is true when the response was served from the fingerprint
	// cache without reaching a provider.
	FromCache bool `json:"from_cache"`
}

// StreamEvent is one chunk of a streamed generation. The final event carries
// Usage; an Err event terminates the stream.
type StreamEvent struct {
	ContentDelta string
	Usage        *Usage
	CostUSD      float64
	Estimated    bool
	Done         bool
	Err          error
}

// ProviderProfile describes one configured upstream provider: what it can do
// and what it charges. Health is tracked separately by the circuit breaker;
// latency averages are rolled up by the routing engine.
type ProviderProfile struct {
	ID             string
	Type           string // adapter type: "openai", "anthropic"
	BaseURL        string
	APIKey         string
	SupportedTasks []TaskType

	// Models maps a task type to the upstream model used for it.
	Models map[TaskType]string

	// Weight is the configured traffic-allocation weight used by the routing
	// engine's primary ordering.
	Weight float64

	InputCostPer1K  float64
	OutputCostPer1K float64

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Supports reports whether the profile can serve the given task type.
func (p *ProviderProfile) Supports(t TaskType) bool {
	for _, s := range p.SupportedTasks {
		if s == t {
			return true
		}
	}
	return false
}

// ModelFor returns the upstream model configured for a task type.
func (p *ProviderProfile) ModelFor(t TaskType) string {
	return p.Models[t]
}

// ScopeKind identifies a level of the budget hierarchy.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeTenant ScopeKind = "tenant"
	ScopeGlobal ScopeKind = "global"
)

// Scope is one budget scope: a kind plus its identifier. The global scope has
// an empty ID.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Key returns the stable identifier used for ledger storage and locking.
func (s Scope) Key() string {
	if s.ID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}

// ScopeChain builds the ordered chain (user, tenant, global) checked together
// for a single request.
func ScopeChain(tenantID, userID string) []Scope {
	return []Scope{
		{Kind: ScopeUser, ID: tenantID + "/" + userID},
		{Kind: ScopeTenant, ID: tenantID},
		{Kind: ScopeGlobal},
	}
}

// Outcome classifies the terminal result of a gateway call for the usage log.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeCacheHit   Outcome = "cache_hit"
	OutcomeInvalid    Outcome = "invalid_request"
	OutcomeBudget     Outcome = "budget_exceeded"
	OutcomeNoProvider Outcome = "no_eligible_provider"
	OutcomeAllFailed  Outcome = "all_providers_unavailable"
	OutcomeDeadline   Outcome = "deadline_exceeded"

	// OutcomeStreamAborted marks a stream that failed after delivery began;
	// the reserved estimate stays charged because tokens were consumed.
	OutcomeStreamAborted Outcome = "stream_aborted"

	// OutcomeProviderFailure marks one failed provider attempt during
	// fallback. Zero cost; written alongside the call's terminal record.
	OutcomeProviderFailure Outcome = "provider_failure"
)

// UsageRecord is one append-only audit entry. Every gateway call writes
// exactly one terminal record; failed provider attempts during fallback add
// zero-cost provider_failure records. Records are never mutated after write.
type UsageRecord struct {
	ID         string    `db:"id"`
	RequestID  string    `db:"request_id"`
	TenantID   string    `db:"tenant_id"`
	UserID     string    `db:"user_id"`
	ProviderID string    `db:"provider_id"`
	TaskType   string    `db:"task_type"`
	Tokens     int       `db:"tokens"`
	CostUSD    float64   `db:"cost_usd"`
	Estimated  bool      `db:"estimated"`
	Outcome    Outcome   `db:"outcome"`
	CreatedAt  time.Time `db:"created_at"`
}
