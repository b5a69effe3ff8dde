// Package openai adapts the OpenAI Chat Completions API to the gateway's
// provider contract.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/provider"
	"github.com/wayfarerhq/llm-gateway/internal/tokens"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient forces a fixed HTTP client for every profile. Used in tests
// to inject recorded transports.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.fixedClient = client
	}
}

// Adapter implements provider.Adapter for OpenAI-compatible endpoints.
type Adapter struct {
	estimator   *tokens.Estimator
	fixedClient *http.Client

	mu      sync.Mutex
	clients map[string]*http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an OpenAI adapter.
func New(estimator *tokens.Estimator, opts ...Option) *Adapter {
	a := &Adapter{
		estimator: estimator,
		clients:   make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return "openai"
}

// client returns the profile's HTTP client, created once with the profile's
// connect/read timeouts.
func (a *Adapter) client(profile *domain.ProviderProfile) *http.Client {
	if a.fixedClient != nil {
		return a.fixedClient
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[profile.ID]; ok {
		return c
	}
	c := provider.NewHTTPClient(profile.ConnectTimeout, profile.ReadTimeout)
	a.clients[profile.ID] = c
	return c
}

func baseURL(profile *domain.ProviderProfile) string {
	if profile.BaseURL != "" {
		return strings.TrimSuffix(profile.BaseURL, "/")
	}
	return defaultBaseURL
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (a *Adapter) buildRequest(profile *domain.ProviderProfile, req *domain.Request, stream bool) *chatRequest {
	apiReq := &chatRequest{
		Model:    profile.ModelFor(req.TaskType),
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}
	if stream {
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return apiReq
}

func (a *Adapter) do(ctx context.Context, profile *domain.ProviderProfile, apiReq *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL(profile)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+profile.APIKey)

	resp, err := a.client(profile).Do(httpReq)
	if err != nil {
		return nil, provider.TranslateTransportError(err)
	}
	return resp, nil
}

// Call performs a unary chat completion and normalizes the result.
func (a *Adapter) Call(ctx context.Context, profile *domain.ProviderProfile, req *domain.Request) (*domain.Response, error) {
	resp, err := a.do(ctx, profile, a.buildRequest(profile, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TranslateTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.TranslateStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrProviderInternal(fmt.Sprintf("failed to unmarshal response: %v", err))
	}
	if len(result.Choices) == 0 {
		return nil, domain.ErrProviderInternal("response contained no choices")
	}

	out := &domain.Response{
		GenerationID: uuid.New().String(),
		Content:      result.Choices[0].Message.Content,
		Provider:     profile.ID,
		ModelUsed:    result.Model,
	}
	if out.ModelUsed == "" {
		out.ModelUsed = profile.ModelFor(req.TaskType)
	}

	if result.Usage != nil && result.Usage.TotalTokens > 0 {
		out.Usage = domain.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
		out.CostUSD = provider.ActualCost(profile, out.Usage)
	} else {
		// Provider reported no usage: estimate from payload size and flag it.
		promptTokens, _ := a.estimator.Count(out.ModelUsed, req.Prompt)
		completionTokens, _ := a.estimator.Count(out.ModelUsed, out.Content)
		out.Usage = domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		out.CostUSD = provider.ActualCost(profile, out.Usage)
		out.Estimated = true
	}

	return out, nil
}

// Stream performs a streaming chat completion, emitting deltas and a final
// usage-bearing event.
func (a *Adapter) Stream(ctx context.Context, profile *domain.ProviderProfile, req *domain.Request) (<-chan domain.StreamEvent, error) {
	resp, err := a.do(ctx, profile, a.buildRequest(profile, req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.TranslateStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := make(chan domain.StreamEvent)
	go a.streamReader(resp.Body, profile, req, out)
	return out, nil
}

func (a *Adapter) streamReader(body io.ReadCloser, profile *domain.ProviderProfile, req *domain.Request, out chan<- domain.StreamEvent) {
	defer close(out)
	defer body.Close()

	var usage *domain.Usage
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- domain.StreamEvent{Err: domain.ErrProviderInternal(fmt.Sprintf("failed to unmarshal chunk: %v", err))}
			return
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			content.WriteString(chunk.Choices[0].Delta.Content)
			out <- domain.StreamEvent{ContentDelta: chunk.Choices[0].Delta.Content}
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
			usage = &domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- domain.StreamEvent{Err: provider.TranslateTransportError(err)}
		return
	}

	final := domain.StreamEvent{Done: true}
	if usage != nil {
		final.Usage = usage
		final.CostUSD = provider.ActualCost(profile, *usage)
	} else {
		model := profile.ModelFor(req.TaskType)
		promptTokens, _ := a.estimator.Count(model, req.Prompt)
		completionTokens, _ := a.estimator.Count(model, content.String())
		final.Usage = &domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		final.CostUSD = provider.ActualCost(profile, *final.Usage)
		final.Estimated = true
	}
	out <- final
}

// EstimateCost forecasts the request's cost for this profile.
func (a *Adapter) EstimateCost(profile *domain.ProviderProfile, req *domain.Request) float64 {
	return provider.EstimateCost(a.estimator, profile, req)
}
