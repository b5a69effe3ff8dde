// Package anthropic adapts the Anthropic Messages API to the gateway's
// provider contract.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// The Messages API requires max_tokens; this is the ceiling applied when
	// the caller sets none.
	defaultMaxTokens = 1024
)

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient forces a fixed HTTP client for every profile.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.fixedClient = client
	}
}

// Adapter implements provider.Adapter for the Anthropic Messages API.
type Adapter struct {
	estimator   *tokens.Estimator
	fixedClient *http.Client

	mu      sync.Mutex
	clients map[string]*http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Anthropic adapter.
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
	return "anthropic"
}

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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage messagesUsage `json:"usage"`
}

func (a *Adapter) buildRequest(profile *domain.ProviderProfile, req *domain.Request, stream bool) *messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	apiReq := &messagesRequest{
		Model:     profile.ModelFor(req.TaskType),
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
		Stream:    stream,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}
	return apiReq
}

func (a *Adapter) do(ctx context.Context, profile *domain.ProviderProfile, apiReq *messagesRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL(profile)+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", profile.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client(profile).Do(httpReq)
	if err != nil {
		return nil, provider.TranslateTransportError(err)
	}
	return resp, nil
}

// Call performs a unary message generation and normalizes the result.
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

	var result messagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrProviderInternal(fmt.Sprintf("failed to unmarshal response: %v", err))
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &domain.Response{
		GenerationID: uuid.New().String(),
		Content:      text.String(),
		Provider:     profile.ID,
		ModelUsed:    result.Model,
	}
	if out.ModelUsed == "" {
		out.ModelUsed = profile.ModelFor(req.TaskType)
	}

	if result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0 {
		out.Usage = domain.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		}
		out.CostUSD = provider.ActualCost(profile, out.Usage)
	} else {
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

// streamEvent is the envelope for Anthropic SSE payloads; only the fields
// the gateway consumes are mapped.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage messagesUsage `json:"usage"`
	} `json:"message"`
	Usage messagesUsage `json:"usage"`
}

// Stream performs a streaming message generation.
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

	usage := messagesUsage{}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			out <- domain.StreamEvent{Err: domain.ErrProviderInternal(fmt.Sprintf("failed to unmarshal event: %v", err))}
			return
		}

		switch event.Type {
		case "message_start":
			usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				out <- domain.StreamEvent{ContentDelta: event.Delta.Text}
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			// Terminal event; usage already accumulated.
		}
	}

	if err := scanner.Err(); err != nil {
		out <- domain.StreamEvent{Err: provider.TranslateTransportError(err)}
		return
	}

	final := domain.StreamEvent{Done: true}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		final.Usage = &domain.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
		final.CostUSD = provider.ActualCost(profile, *final.Usage)
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
