package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/auth"
	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/provider"
	"github.com/vnmchuo/model-router/internal/router"
	"github.com/vnmchuo/model-router/internal/routercfg"
	"github.com/vnmchuo/model-router/pkg/ratelimit"
)

// Mock Dispatcher
type mockDispatcher struct {
	routeFunc       func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error)
	routeStreamFunc func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *router.Metadata, error)
}

func (m *mockDispatcher) Route(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error) {
	return m.routeFunc(ctx, cfg, req)
}

func (m *mockDispatcher) RouteStream(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *router.Metadata, error) {
	return m.routeStreamFunc(ctx, cfg, req)
}

// Mock ConfigSource
type mockConfigs struct {
	configs map[string]*routercfg.Config
}

func (m *mockConfigs) GetByID(ctx context.Context, id string) (*routercfg.Config, error) {
	if cfg, ok := m.configs[id]; ok {
		return cfg, nil
	}
	return nil, routercfg.ErrNotFound
}

// Mock Summarizer
type mockSummarizer struct {
	summary *outcome.Summary
	err     error
}

func (m *mockSummarizer) Summarize(ctx context.Context, tenantID string, from, to time.Time) (*outcome.Summary, error) {
	return m.summary, m.err
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func testConfig() *routercfg.Config {
	return &routercfg.Config{
		ID:              "r1",
		Mode:            routercfg.ModeSmartRouter,
		AvailableModels: []string{"gpt-4o-mini"},
		Objective:       routercfg.Objective{Cost: 1.0},
	}
}

func setupTest(d Dispatcher, limiterAllowed bool) *Handler {
	configs := &mockConfigs{configs: map[string]*routercfg.Config{"r1": testConfig()}}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")
	summarizer := &mockSummarizer{summary: &outcome.Summary{}}
	return NewHandler(d, configs, summarizer, limiter, tracer, zap.NewNop())
}

func completionBody(routerID string) *bytes.Reader {
	body, _ := json.Marshal(map[string]any{
		"router_id": routerID,
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	return bytes.NewReader(body)
}

func authed(req *http.Request) *http.Request {
	ctx := auth.WithTenantID(req.Context(), "tenant-1")
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp map[string]errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	return resp["error"]
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	h := setupTest(&mockDispatcher{}, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("r1"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if decodeError(t, w).Code != "unauthorized" {
		t.Errorf("unexpected error body: %s", w.Body.String())
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h := setupTest(&mockDispatcher{}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid`)))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleComplete_MissingRouterID(t *testing.T) {
	h := setupTest(&mockDispatcher{}, true)
	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if got := decodeError(t, w); !strings.Contains(got.Message, "router_id") {
		t.Errorf("unexpected error: %+v", got)
	}
}

func TestHandleComplete_RouterIDFromHeader(t *testing.T) {
	d := &mockDispatcher{routeFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error) {
		return &provider.Response{Content: "ok", Model: "gpt-4o-mini"}, &router.Metadata{SelectedModel: "gpt-4o-mini"}, nil
	}}
	h := setupTest(d, true)

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
	req.Header.Set("X-Router-Id", "r1")
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h := setupTest(&mockDispatcher{}, false)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After header, got %q", w.Header().Get("Retry-After"))
	}
}

func TestHandleComplete_RouterNotFound(t *testing.T) {
	h := setupTest(&mockDispatcher{}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody("ghost")))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if decodeError(t, w).Code != "router_not_found" {
		t.Errorf("unexpected error body: %s", w.Body.String())
	}
}

func TestHandleComplete_Success(t *testing.T) {
	var gotReq *provider.Request
	d := &mockDispatcher{routeFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error) {
		gotReq = req
		return &provider.Response{
				ID:           "resp-1",
				Content:      "hello there",
				FinishReason: "stop",
				Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 5},
				Model:        "gpt-4o-mini",
				Provider:     "openai",
			}, &router.Metadata{
				SelectedModel:   "gpt-4o-mini",
				Provider:        "openai",
				SelectionReason: "lowest effective cost among 1 candidates (score 1.000)",
				CostUSD:         0.0001,
				LatencyMs:       42,
				CarbonG:         0.01,
			}, nil
	}}
	h := setupTest(d, true)

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotReq.TenantID != "tenant-1" || gotReq.RequestID != "req-1" {
		t.Errorf("identity not threaded through: %+v", gotReq)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	choices := resp["choices"].([]any)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	if message["content"] != "hello there" {
		t.Errorf("unexpected content: %v", message["content"])
	}
	usage := resp["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 15 {
		t.Errorf("unexpected usage: %v", usage)
	}
	meta := resp["routing_metadata"].(map[string]any)
	if meta["selected_model"] != "gpt-4o-mini" || meta["cost_usd"].(float64) != 0.0001 {
		t.Errorf("unexpected routing metadata: %v", meta)
	}
}

func TestHandleComplete_ConfigurationError(t *testing.T) {
	d := &mockDispatcher{routeFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error) {
		return nil, nil, &router.ConfigurationError{RouterID: cfg.ID, Err: errors.New("no available model satisfies the hard requirements")}
	}}
	h := setupTest(d, true)

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if decodeError(t, w).Code != "configuration_error" {
		t.Errorf("unexpected error body: %s", w.Body.String())
	}
}

func TestHandleComplete_Exhausted(t *testing.T) {
	d := &mockDispatcher{routeFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *router.Metadata, error) {
		last := &provider.Error{Provider: "openai", Kind: provider.KindUnavailable, Message: "down"}
		return nil, nil, &router.ExhaustedError{RouterID: cfg.ID, Attempts: 3, Err: last}
	}}
	h := setupTest(d, true)

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if decodeError(t, w).Code != "all_models_failed" {
		t.Errorf("unexpected error body: %s", w.Body.String())
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	meta := &router.Metadata{SelectedModel: "gpt-4o-mini", Provider: "openai"}
	d := &mockDispatcher{routeStreamFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *router.Metadata, error) {
		if !req.Stream {
			t.Error("stream flag should be set")
		}
		ch := make(chan *provider.Chunk, 3)
		ch <- &provider.Chunk{Delta: "hel"}
		ch <- &provider.Chunk{Delta: "lo"}
		ch <- &provider.Chunk{Done: true}
		close(ch)
		return ch, meta, nil
	}}
	h := setupTest(d, true)

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	body := w.Body.String()
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("unexpected content type: %s", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, `"content":"hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Errorf("deltas missing from stream: %s", body)
	}
	if !strings.Contains(body, "routing_metadata") {
		t.Errorf("terminal metadata frame missing: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream must end with [DONE]: %s", body)
	}
}

func TestHandleCompleteStream_MidStreamError(t *testing.T) {
	d := &mockDispatcher{routeStreamFunc: func(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *router.Metadata, error) {
		ch := make(chan *provider.Chunk, 2)
		ch <- &provider.Chunk{Delta: "par"}
		ch <- &provider.Chunk{Err: &provider.Error{Provider: "openai", Kind: provider.KindUnavailable, Message: "reset"}}
		close(ch)
		return ch, &router.Metadata{}, nil
	}}
	h := setupTest(d, true)

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("r1")))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event, got: %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("errored stream must not end with [DONE]: %s", body)
	}
}

func TestHandleOutcomes(t *testing.T) {
	summarizer := &mockSummarizer{summary: &outcome.Summary{
		TotalRequests: 12,
		TotalCostUSD:  0.34,
		PerModel: []outcome.ModelSummary{
			{Model: "gpt-4o-mini", Requests: 12, SuccessRate: 0.92, AvgLatencyMs: 480, TotalCostUSD: 0.34},
		},
	}}
	configs := &mockConfigs{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	h := NewHandler(&mockDispatcher{}, configs, summarizer, limiter, noop.NewTracerProvider().Tracer("test"), zap.NewNop())

	req := authed(httptest.NewRequest("GET", "/v1/outcomes?from=2026-01-01T00:00:00Z", nil))
	w := httptest.NewRecorder()

	h.HandleOutcomes(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp["total_requests"].(float64) != 12 {
		t.Errorf("unexpected totals: %v", resp)
	}
}

func TestHandleOutcomes_BadDate(t *testing.T) {
	h := setupTest(&mockDispatcher{}, true)
	req := authed(httptest.NewRequest("GET", "/v1/outcomes?from=yesterday", nil))
	w := httptest.NewRecorder()

	h.HandleOutcomes(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
