package outcome

import (
	"context"
	"time"

	"github.com/vnmchuo/model-router/internal/registry"
)

// Record is one immutable fact about one dispatch attempt. Every attempt,
// successful or not, produces exactly one record; records are never mutated
// after write.
type Record struct {
	ID         string
	RouterID   string
	RequestID  string
	TenantID   string
	Model      string
	Provider   string
	Embedding  []float64
	CostUSD    float64
	LatencyMs  int64
	Quality    float64 // proxy score in 0..1, derived from completion outcome
	Success    bool
	Incomplete bool // caller cancelled mid-flight
	ErrorKind  string
	CreatedAt  time.Time
}

// Recorder accepts records fire-and-forget; delivery is at-least-once and
// may complete after the response has been returned to the caller.
type Recorder interface {
	Record(rec *Record)
}

// Summary is the aggregate view served to the analytics surface.
type Summary struct {
	TotalRequests int64
	TotalCostUSD  float64
	PerModel      []ModelSummary
}

type ModelSummary struct {
	Model        string
	Requests     int64
	SuccessRate  float64
	AvgLatencyMs float64
	TotalCostUSD float64
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	RecentByRouter(ctx context.Context, routerID string, limit int) ([]*Record, error)
	ModelStats(ctx context.Context, window time.Duration) (map[string]registry.Stats, error)
	Summarize(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error)
}
