package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is the normalized chat-completion request shape. Adapters translate
// it into whatever their upstream API expects; nothing downstream of the
// proxy layer ever sees a provider-specific payload.
type Request struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      float64   `json:"temperature,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Tools            []Tool    `json:"tools,omitempty"`
	ToolChoice       any       `json:"tool_choice,omitempty"`

	// Metadata attached by the boundary layer, never forwarded upstream.
	TenantID  string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// PromptText flattens message contents into one string for embedding.
func (r *Request) PromptText() string {
	var b strings.Builder
	for _, m := range r.Messages {
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

type Response struct {
	ID           string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	Model        string
	Provider     string

	// Attached by the adapter on every successful call: cost computed from
	// the upstream usage fields and the adapter's pricing table, latency
	// measured as wall-clock time around the HTTP exchange.
	CostUSD   float64
	LatencyMs int64
}

// Chunk is one fragment of a streaming completion. The terminal chunk has
// Done set and, when the upstream reports usage in its stop signal, carries
// it so the caller can cost the stream. A chunk stream is finite and not
// restartable; retrying requires a fresh dispatch.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
	Usage *Usage
}

// Pricing is the per-token USD price for one model.
type Pricing struct {
	Input  float64
	Output float64
}

// Cost computes the billed cost for a usage report.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)*p.Input + float64(u.CompletionTokens)*p.Output
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
