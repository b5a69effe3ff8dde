package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wayfarerhq/llm-gateway/internal/breaker"
	"github.com/wayfarerhq/llm-gateway/internal/budget"
	"github.com/wayfarerhq/llm-gateway/internal/cache"
	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/gateway"
	"github.com/wayfarerhq/llm-gateway/internal/routing"
	"github.com/wayfarerhq/llm-gateway/internal/storage"
)

const maxBodyBytes = 1 << 20

// Executor is the orchestration surface the handlers depend on.
type Executor interface {
	Execute(ctx context.Context, req *domain.Request) (*domain.Response, error)
	ExecuteStream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error)
	Stats() gateway.Stats
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	Engine   Executor
	Cache    *cache.Cache
	Breakers *breaker.Registry
	Budgets  *budget.Manager
	Router   *routing.Engine
	Store    storage.Store // optional
	Logger   *slog.Logger
}

// Routes mounts the API on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/generate", h.handleGenerate)
	r.Post("/v1/generate/stream", h.handleGenerateStream)
	r.Get("/v1/budgets", h.handleBudgets)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/healthz", h.handleHealthz)
}

func (h *Handler) decodeRequest(r *http.Request) (*domain.Request, error) {
	var req domain.Request
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("malformed request body: %v", err))
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFrom(r.Context())
	}
	return &req, nil
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	AddLogField(r.Context(), "tenant_id", req.TenantID)
	AddLogField(r.Context(), "task_type", string(req.TaskType))

	resp, err := h.Engine.Execute(r.Context(), req)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}

	AddLogField(r.Context(), "provider", resp.Provider)
	writeJSON(w, http.StatusOK, resp)
}

// streamPayload is one SSE data frame.
type streamPayload struct {
	Delta     string               `json:"delta,omitempty"`
	Done      bool                 `json:"done,omitempty"`
	Usage     *domain.Usage        `json:"usage,omitempty"`
	CostUSD   float64              `json:"cost_usd,omitempty"`
	Estimated bool                 `json:"estimated,omitempty"`
	Error     *domain.GatewayError `json:"error,omitempty"`
}

func (h *Handler) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	AddLogField(r.Context(), "tenant_id", req.TenantID)
	AddLogField(r.Context(), "task_type", string(req.TaskType))

	events, err := h.Engine.ExecuteStream(r.Context(), req)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.ErrProviderInternal("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		var payload streamPayload
		switch {
		case ev.Err != nil:
			AddError(r.Context(), ev.Err)
			payload.Error = asGatewayError(ev.Err)
		case ev.Done:
			payload.Done = true
			payload.Usage = ev.Usage
			payload.CostUSD = ev.CostUSD
			payload.Estimated = ev.Estimated
		default:
			payload.Delta = ev.ContentDelta
		}

		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			break
		}
		if _, writeErr := fmt.Fprintf(w, "data: %s\n\n", data); writeErr != nil {
			return // client went away
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// metricsPayload is the operator-facing snapshot of the gateway's internals.
type metricsPayload struct {
	Engine      gateway.Stats           `json:"engine"`
	Cache       cacheMetrics            `json:"cache"`
	Breakers    []breaker.Snapshot      `json:"breakers"`
	Budgets     []budget.ScopeStatus    `json:"budgets"`
	LatencyMs   map[string]float64      `json:"latency_ms"`
	Providers   []storage.ProviderUsage `json:"providers,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
}

type cacheMetrics struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.Cache.Stats()
	payload := metricsPayload{
		Engine:      h.Engine.Stats(),
		Cache:       cacheMetrics{Stats: stats, HitRate: stats.HitRate()},
		Breakers:    h.Breakers.Snapshots(),
		Budgets:     h.Budgets.Snapshot(),
		LatencyMs:   h.Router.LatencySnapshot(),
		GeneratedAt: time.Now().UTC(),
	}

	if h.Store != nil {
		usage, err := h.Store.UsageByProvider(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			h.Logger.Error("failed to aggregate provider usage", slog.String("error", err.Error()))
		} else {
			payload.Providers = usage
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleBudgets(w http.ResponseWriter, r *http.Request) {
	statuses := h.Budgets.Snapshot()

	if scope := r.URL.Query().Get("scope"); scope != "" {
		for _, s := range statuses {
			if s.Scope == scope {
				writeJSON(w, http.StatusOK, s)
				return
			}
		}
		writeError(w, domain.ErrInvalidRequest(fmt.Sprintf("unknown scope %q", scope)))
		return
	}

	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func asGatewayError(err error) *domain.GatewayError {
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return domain.ErrProviderInternal(err.Error())
}

type errorResponse struct {
	Error *domain.GatewayError `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	ge := asGatewayError(err)
	writeJSON(w, ge.HTTPStatusCode(), errorResponse{Error: ge})
}
