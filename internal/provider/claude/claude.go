package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/model-router/internal/provider"
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	pricing map[string]provider.Pricing
	client  *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string       `json:"type"`
	Message *struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string, pricing map[string]provider.Pricing) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		pricing: pricing,
		client:  http.DefaultClient,
	}
}

func (p *ClaudeProvider) Name() string {
	return "anthropic"
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req, false))
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Classify(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.NewError(p.Name(), resp.StatusCode, string(respBody))
	}

	var apiResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, provider.Classify(p.Name(), err)
	}
	latency := time.Since(start)

	if len(apiResp.Content) == 0 {
		return nil, &provider.Error{Provider: p.Name(), Kind: provider.KindUnknown, Message: "api returned no content"}
	}

	usage := provider.Usage{PromptTokens: apiResp.Usage.InputTokens, CompletionTokens: apiResp.Usage.OutputTokens}

	return &provider.Response{
		ID:           apiResp.ID,
		Content:      apiResp.Content[0].Text,
		FinishReason: apiResp.StopReason,
		Usage:        usage,
		Model:        apiResp.Model,
		Provider:     p.Name(),
		CostUSD:      p.pricing[req.Model].Cost(usage),
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request, stream bool) claudeRequest {
	var system string
	var messages []claudeMessage

	// Anthropic takes the system prompt out of band and only knows user and
	// assistant turns; tool results fold into user turns.
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      messages,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.Classify(p.Name(), err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.NewError(p.Name(), resp.StatusCode, string(respBody))})
			return
		}

		usage := provider.Usage{}
		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, &provider.Chunk{Done: true, Usage: &usage})
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.Classify(p.Name(), err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "message_start":
				var ev claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message != nil {
					usage.PromptTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				var ev claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				var ev claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				emit(ctx, ch, &provider.Chunk{Done: true, Usage: &usage})
				return
			case "error":
				var ev claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Error != nil {
					emit(ctx, ch, &provider.Chunk{Err: &provider.Error{
						Provider: p.Name(),
						Kind:     provider.KindUnavailable,
						Message:  ev.Error.Message,
					}})
					return
				}
			}
		}
	}()

	return ch, nil
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, chunk *provider.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
