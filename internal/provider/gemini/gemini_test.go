package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/model-router/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.String(), "generateContent") {
			t.Errorf("unexpected path: %s", r.URL.String())
		}

		var body geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
			t.Errorf("system instruction not mapped: %+v", body.SystemInstruction)
		}

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: "Hello from Gemini mock!"}}},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 6},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GeminiProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
		pricing: map[string]provider.Pricing{"gemini-1.5-flash": {Input: 0.000000075, Output: 0.0000003}},
		client:  http.DefaultClient,
	}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model: "gemini-1.5-flash",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Gemini mock!" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.PromptTokens != 11 || resp.Usage.CompletionTokens != 6 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Provider != "google" {
		t.Errorf("unexpected provider: %s", resp.Provider)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.String(), "alt=sse") {
			t.Errorf("stream calls must request SSE: %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "text/event-stream")

		frames := []geminiResponse{
			{Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "Hel"}}}}}},
			{
				Candidates:    []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "lo"}}}}},
				UsageMetadata: geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 3},
			},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "k", baseURL: server.URL, client: http.DefaultClient}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "gemini-1.5-flash",
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

	if content != "Hello" {
		t.Errorf("unexpected stream content: %q", content)
	}
	if final == nil || final.Usage == nil {
		t.Fatal("terminal chunk must carry usage")
	}
	if final.Usage.PromptTokens != 5 || final.Usage.CompletionTokens != 3 {
		t.Errorf("unexpected usage: %+v", final.Usage)
	}
}
