package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/auth"
	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/provider"
	"github.com/vnmchuo/model-router/internal/router"
	"github.com/vnmchuo/model-router/internal/routercfg"
	"github.com/vnmchuo/model-router/pkg/ratelimit"
)

// Dispatcher is the routing engine surface the handler depends on.
type Dispatcher interface {
	Route(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error)
	RouteStream(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *router.Metadata, error)
}

// ConfigSource yields the routing policy for a router id.
type ConfigSource interface {
	GetByID(ctx context.Context, id string) (*routercfg.Config, error)
}

// Summarizer serves the per-tenant outcome aggregates.
type Summarizer interface {
	Summarize(ctx context.Context, tenantID string, from, to time.Time) (*outcome.Summary, error)
}

type Handler struct {
	dispatcher Dispatcher
	configs    ConfigSource
	outcomes   Summarizer
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewHandler(dispatcher Dispatcher, configs ConfigSource, outcomes Summarizer, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		configs:    configs,
		outcomes:   outcomes,
		limiter:    limiter,
		tracer:     tracer,
		logger:     logger,
	}
}

// completionRequest is the wire shape: an OpenAI-style completion body plus
// the router id naming which routing policy to apply.
type completionRequest struct {
	provider.Request
	RouterID string `json:"router_id"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]errorBody{"error": {Code: code, Message: msg}})
}

// routeError maps routing failures onto HTTP statuses: misconfiguration and
// malformed requests are the caller's fault, everything else is upstream.
func (h *Handler) routeError(w http.ResponseWriter, err error) {
	var cfgErr *router.ConfigurationError
	var valErr *routercfg.ValidationError
	var perr *provider.Error
	var exhausted *router.ExhaustedError

	switch {
	case errors.As(err, &cfgErr) || errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, "configuration_error", err.Error())
	case errors.As(err, &exhausted):
		writeError(w, http.StatusBadGateway, "all_models_failed", err.Error())
	case errors.As(err, &perr) && perr.Kind == provider.KindInvalidRequest:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("routing failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "routing_failed", err.Error())
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	cfg, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	resp, meta, err := h.dispatcher.Route(r.Context(), cfg, req)
	if err != nil {
		h.routeError(w, err)
		return
	}

	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	message := map[string]any{
		"role":    "assistant",
		"content": resp.Content,
	}
	if len(resp.ToolCalls) > 0 {
		message["tool_calls"] = resp.ToolCalls
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     respID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       message,
				"finish_reason": resp.FinishReason,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens(),
		},
		"routing_metadata": meta,
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	cfg, req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	req.Stream = true

	ch, meta, err := h.dispatcher.RouteStream(r.Context(), cfg, req)
	if err != nil {
		h.routeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Done {
			break
		}
		frame, _ := json.Marshal(map[string]any{
			"choices": []any{
				map[string]any{
					"index": 0,
					"delta": map[string]string{"content": chunk.Delta},
				},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	// Metadata is complete once the channel has delivered its terminal chunk.
	tail, _ := json.Marshal(map[string]any{"routing_metadata": meta})
	fmt.Fprintf(w, "data: %s\n\n", tail)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// prepare authenticates, decodes, rate-limits, and loads the router config.
// On failure it writes the error response and returns ok=false.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*routercfg.Config, *provider.Request, bool) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return nil, nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return nil, nil, false
	}
	if body.RouterID == "" {
		body.RouterID = r.Header.Get("X-Router-Id")
	}
	if body.RouterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "router_id is required")
		return nil, nil, false
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return nil, nil, false
	}

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("router_id", body.RouterID),
	)

	estimatedTokens := body.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return nil, nil, false
	}

	cfg, err := h.configs.GetByID(ctx, body.RouterID)
	if err != nil {
		if errors.Is(err, routercfg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "router_not_found", fmt.Sprintf("router %q not found", body.RouterID))
			return nil, nil, false
		}
		h.logger.Error("config load failed", zap.String("router_id", body.RouterID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load router config")
		return nil, nil, false
	}

	req := body.Request
	req.TenantID = tenantID
	req.RequestID = requestID
	return cfg, &req, true
}

// HandleOutcomes serves the per-tenant routing outcome summary.
func (h *Handler) HandleOutcomes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	summary, err := h.outcomes.Summarize(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("outcome summary failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize outcomes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":      tenantID,
		"from":           from,
		"to":             to,
		"total_requests": summary.TotalRequests,
		"total_cost_usd": summary.TotalCostUSD,
		"per_model":      summary.PerModel,
	})
}
