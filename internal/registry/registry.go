package registry

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Capability labels for Descriptor.Capabilities.
const (
	CapChat      = "chat"
	CapStreaming = "streaming"
	CapFunctions = "functions"
	CapVision    = "vision"
)

// Descriptor is the static + rolling view of one model. It is immutable from
// the router's perspective: a request reads one snapshot and the snapshot is
// never mutated, only replaced wholesale by Refresh.
type Descriptor struct {
	ID                 string
	Provider           string
	Capabilities       []string
	InputCostPerToken  float64
	OutputCostPerToken float64
	ContextWindow      int
	MaxOutputTokens    int
	BaselineLatencyMs  float64 // rolling average, static seed until outcomes exist
	Quality            float64 // 0..1 rolling score
	CarbonGPerToken    float64 // static per-model constant, no finer data feed yet
}

func (d Descriptor) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CostPerToken is the single per-token figure used for hard-requirement
// checks and cost scoring, blended 3:1 prompt:completion which matches
// typical chat traffic shape.
func (d Descriptor) CostPerToken() float64 {
	return (3*d.InputCostPerToken + d.OutputCostPerToken) / 4
}

// Stats is the aggregate a Refresh folds into the snapshot.
type Stats struct {
	AvgLatencyMs float64
	SuccessRate  float64
	Samples      int
}

// StatsSource supplies rolling per-model aggregates, typically backed by the
// outcome fact log.
type StatsSource interface {
	ModelStats(ctx context.Context, window time.Duration) (map[string]Stats, error)
}

type snapshot struct {
	models map[string]Descriptor
}

// Registry serves model descriptors to unlimited concurrent readers. Writers
// (the periodic Refresh) build a fresh snapshot and swap it atomically, so a
// reader never observes a partially updated view.
type Registry struct {
	snap   atomic.Pointer[snapshot]
	seed   []Descriptor
	stats  StatsSource
	window time.Duration
	logger *zap.Logger
}

func New(seed []Descriptor, stats StatsSource, window time.Duration, logger *zap.Logger) *Registry {
	r := &Registry{
		seed:   seed,
		stats:  stats,
		window: window,
		logger: logger,
	}
	models := make(map[string]Descriptor, len(seed))
	for _, d := range seed {
		models[d.ID] = d
	}
	r.snap.Store(&snapshot{models: models})
	return r
}

// Lookup returns the descriptor for a model id from the current snapshot.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.snap.Load().models[id]
	return d, ok
}

// Descriptors resolves a list of model ids in order, skipping unknown ids.
func (r *Registry) Descriptors(ids []string) []Descriptor {
	models := r.snap.Load().models
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := models[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Refresh rebuilds the snapshot from the seed, folding per-model aggregates
// into the rolling latency and quality figures. Historical latency replaces
// the seed baseline outright once samples exist; quality moves toward the
// observed success rate but keeps the seed as a prior.
func (r *Registry) Refresh(ctx context.Context) error {
	stats, err := r.stats.ModelStats(ctx, r.window)
	if err != nil {
		return err
	}

	models := make(map[string]Descriptor, len(r.seed))
	for _, d := range r.seed {
		if s, ok := stats[d.ID]; ok && s.Samples > 0 {
			if s.AvgLatencyMs > 0 {
				d.BaselineLatencyMs = s.AvgLatencyMs
			}
			d.Quality = clamp01(d.Quality * (0.7 + 0.3*s.SuccessRate))
		}
		models[d.ID] = d
	}
	r.snap.Store(&snapshot{models: models})
	return nil
}

// Run refreshes on a fixed interval until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("registry refresh failed", zap.Error(err))
			}
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
