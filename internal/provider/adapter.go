// Package provider defines the adapter contract each upstream AI provider
// implements, plus the shared HTTP plumbing and cost arithmetic.
package provider

import (
	"context"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/tokens"
)

// defaultMaxTokens bounds the output estimate when the caller sets no limit.
const defaultMaxTokens = 1024

// Adapter normalizes request/response shape and error semantics for one
// provider type. Errors returned by Call and Stream are *domain.GatewayError
// values using the shared vocabulary (RateLimited, Timeout,
// InvalidCredentials, ProviderInternalError).
type Adapter interface {
	// Name returns the adapter type, e.g. "openai".
	Name() string

	// Call performs a unary generation against the profiled provider.
	Call(ctx context.Context, profile *domain.ProviderProfile, req *domain.Request) (*domain.Response, error)

	// Stream performs a streaming generation. The returned channel is closed
	// by the adapter when the stream ends; the final event carries usage.
	Stream(ctx context.Context, profile *domain.ProviderProfile, req *domain.Request) (<-chan domain.StreamEvent, error)

	// EstimateCost forecasts the request's cost against this profile. The
	// estimate is an upper bound; budget correctness never depends on it.
	EstimateCost(profile *domain.ProviderProfile, req *domain.Request) float64
}

// EstimateCost is the shared forecast: estimated prompt tokens plus the full
// output ceiling, priced at the profile's per-1K rates.
func EstimateCost(est *tokens.Estimator, profile *domain.ProviderProfile, req *domain.Request) float64 {
	model := profile.ModelFor(req.TaskType)
	promptTokens, _ := est.Count(model, req.Prompt)

	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = defaultMaxTokens
	}

	return float64(promptTokens)/1000*profile.InputCostPer1K +
		float64(maxOut)/1000*profile.OutputCostPer1K
}

// ActualCost prices provider-reported usage at the profile's rates.
func ActualCost(profile *domain.ProviderProfile, usage domain.Usage) float64 {
	return float64(usage.PromptTokens)/1000*profile.InputCostPer1K +
		float64(usage.CompletionTokens)/1000*profile.OutputCostPer1K
}
