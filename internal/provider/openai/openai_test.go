package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/model-router/internal/provider"
)

func testPricing() map[string]provider.Pricing {
	return map[string]provider.Pricing{
		"gpt-4o-mini": {Input: 0.00000015, Output: 0.0000006},
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{
			ID: "test-id",
			Choices: []openAIChoice{
				{
					Message:      openAIMessage{Role: "assistant", Content: "Hello from mock!"},
					FinishReason: "stop",
				},
			},
			Usage: &openAIUsage{PromptTokens: 100, CompletionTokens: 50},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &OpenAIProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
		pricing: testPricing(),
		client:  http.DefaultClient,
	}

	req := &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from mock!" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.PromptTokens != 100 || resp.Usage.CompletionTokens != 50 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Provider != "openai" {
		t.Errorf("unexpected provider: %s", resp.Provider)
	}

	wantCost := 100*0.00000015 + 50*0.0000006
	if resp.CostUSD != wantCost {
		t.Errorf("cost = %g, want %g", resp.CostUSD, wantCost)
	}
}

func TestComplete_RateLimitClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
	}))
	defer server.Close()

	p := &OpenAIProvider{apiKey: "k", baseURL: server.URL, pricing: testPricing(), client: http.DefaultClient}

	_, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider.Error, got %v", err)
	}
	if perr.Kind != provider.KindRateLimited || perr.Status != 429 {
		t.Errorf("unexpected classification: %+v", perr)
	}
	if !perr.Retryable() {
		t.Error("rate limiting must be retryable")
	}
}

func TestComplete_BadRequestClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	p := &OpenAIProvider{apiKey: "k", baseURL: server.URL, pricing: testPricing(), client: http.DefaultClient}

	_, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if perr.Retryable() {
		t.Error("invalid request must not be retryable")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Error("stream requests must ask for usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", " world"} {
			resp := openAIResponse{Choices: []openAIChoice{{Delta: openAIDelta{Content: delta}}}}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		usage := openAIResponse{Usage: &openAIUsage{PromptTokens: 7, CompletionTokens: 2}}
		data, _ := json.Marshal(usage)
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := &OpenAIProvider{apiKey: "k", baseURL: server.URL, pricing: testPricing(), client: http.DefaultClient}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var final *provider.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk
			break
		}
		content += chunk.Delta
	}

	if content != "Hello world" {
		t.Errorf("unexpected stream content: %q", content)
	}
	if final == nil || final.Usage == nil {
		t.Fatal("terminal chunk must carry usage")
	}
	if final.Usage.PromptTokens != 7 || final.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage: %+v", final.Usage)
	}
}

func TestCompleteStream_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := &OpenAIProvider{apiKey: "k", baseURL: server.URL, pricing: testPricing(), client: http.DefaultClient}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	chunk := <-ch
	var perr *provider.Error
	if chunk.Err == nil || !errors.As(chunk.Err, &perr) || perr.Kind != provider.KindUnavailable {
		t.Fatalf("expected provider_unavailable error chunk, got %+v", chunk)
	}
}
