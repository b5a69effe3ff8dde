// Package tokens estimates token counts for cost forecasting. OpenAI-family
// models get real tiktoken counts; everything else falls back to a
// characters-per-token heuristic. Estimates are treated as upper bounds and
// reconciled against provider-reported usage after the call.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// fallbackCharsPerToken is the heuristic divisor for models without a known
// tokenizer. Four characters per token is a reasonable default across
// current model families.
const fallbackCharsPerToken = 4.0

// Estimator counts tokens for prompts ahead of dispatch.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count returns the estimated token count of text for a model, and whether
// the count is heuristic (true) or tokenizer-exact (false).
func (e *Estimator) Count(model, text string) (int, bool) {
	codec, err := e.codecFor(model)
	if err != nil {
		return heuristicCount(text), true
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return heuristicCount(text), true
	}
	return len(ids), false
}

func heuristicCount(text string) int {
	n := int(float64(len(text)) / fallbackCharsPerToken)
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func (e *Estimator) codecFor(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}

	encoding := encodingFor(model)

	e.mu.RLock()
	codec, ok := e.cache[encoding]
	e.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[encoding] = codec
	e.mu.Unlock()
	return codec, nil
}

// encodingFor maps model families to tiktoken encodings for fallback.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		// Anthropic and unknown models have no public tokenizer; o200k_base
		// is the closest stand-in for an upper-bound estimate.
		return tokenizer.O200kBase
	}
}
