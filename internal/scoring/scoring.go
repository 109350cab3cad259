package scoring

import (
	"fmt"

	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/registry"
	"github.com/vnmchuo/model-router/internal/routercfg"
)

// Candidate is the scored view of one model, ephemeral to a single request.
type Candidate struct {
	Model      string
	Score      float64
	Components Components
}

// Components are the four per-objective scores, each in [0,1], higher is
// better.
type Components struct {
	Cost    float64
	Latency float64
	Quality float64
	Carbon  float64
}

// Engine ranks candidate models under an objective. Scoring is pure and
// deterministic: identical inputs always produce the identical order, with
// ties broken by the candidates' input order.
type Engine struct {
	// minSamples is how many similar outcomes a model needs before its
	// history outweighs the static registry figures.
	minSamples int
	// historyWeight is how much the historical latency counts in the blend
	// once minSamples is reached.
	historyWeight float64
}

func NewEngine() *Engine {
	return &Engine{minSamples: 3, historyWeight: 0.7}
}

// Filter applies the hard requirements, excluding any model that violates a
// latency ceiling, cost ceiling, or required capability. Filtering happens
// before scoring; an emptied candidate set is the caller's configuration
// error, never a silent fall-through to the unfiltered set.
func Filter(models []registry.Descriptor, req *routercfg.Requirements) []registry.Descriptor {
	if req == nil {
		return models
	}
	out := make([]registry.Descriptor, 0, len(models))
	for _, d := range models {
		if req.MaxLatencyMs > 0 && d.BaselineLatencyMs > req.MaxLatencyMs {
			continue
		}
		if req.MaxCostPerToken > 0 && d.CostPerToken() > req.MaxCostPerToken {
			continue
		}
		if !hasAll(d, req.RequiredCapabilities) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func hasAll(d registry.Descriptor, caps []string) bool {
	for _, c := range caps {
		if !d.HasCapability(c) {
			return false
		}
	}
	return true
}

// modelHistory is the per-model aggregate of the retrieved similar outcomes.
type modelHistory struct {
	latencySum float64
	latencyN   int
	successes  int
	attempts   int
}

func aggregate(history []*outcome.Record) map[string]*modelHistory {
	agg := make(map[string]*modelHistory)
	for _, rec := range history {
		if rec.Incomplete {
			continue
		}
		h := agg[rec.Model]
		if h == nil {
			h = &modelHistory{}
			agg[rec.Model] = h
		}
		h.attempts++
		if rec.Success {
			h.successes++
			h.latencySum += float64(rec.LatencyMs)
			h.latencyN++
		}
	}
	return agg
}

// Score computes the weighted composite per candidate and returns them best
// first. An empty history degrades every component to its static registry
// value; it is not an error.
func (e *Engine) Score(cands []registry.Descriptor, history []*outcome.Record, obj routercfg.Objective) []Candidate {
	if len(cands) == 0 {
		return nil
	}

	agg := aggregate(history)

	costs := make([]float64, len(cands))
	latencies := make([]float64, len(cands))
	carbons := make([]float64, len(cands))
	qualities := make([]float64, len(cands))

	for i, d := range cands {
		costs[i] = d.CostPerToken()
		carbons[i] = d.CarbonGPerToken

		latencies[i] = d.BaselineLatencyMs
		quality := d.Quality
		if h := agg[d.ID]; h != nil && h.attempts >= e.minSamples {
			if h.latencyN > 0 {
				hist := h.latencySum / float64(h.latencyN)
				latencies[i] = e.historyWeight*hist + (1-e.historyWeight)*d.BaselineLatencyMs
			}
			rate := float64(h.successes) / float64(h.attempts)
			quality *= rate
		}
		qualities[i] = clamp01(quality)
	}

	costScores := inverseNormalize(costs)
	latencyScores := inverseNormalize(latencies)
	carbonScores := inverseNormalize(carbons)

	out := make([]Candidate, len(cands))
	for i, d := range cands {
		comp := Components{
			Cost:    costScores[i],
			Latency: latencyScores[i],
			Quality: qualities[i],
			Carbon:  carbonScores[i],
		}
		out[i] = Candidate{
			Model:      d.ID,
			Score:      obj.Cost*comp.Cost + obj.Latency*comp.Latency + obj.Quality*comp.Quality + obj.Carbon*comp.Carbon,
			Components: comp,
		}
	}

	// Stable insertion sort by strict score: equal scores keep input order,
	// so ranking is reproducible run to run.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// inverseNormalize maps raw "lower is better" values into [0,1] scores:
// the cheapest/fastest/cleanest candidate gets 1.0 and scores decay
// linearly to 0 at the worst value. All-equal inputs all score 1.0.
func inverseNormalize(values []float64) []float64 {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if max == min {
			out[i] = 1.0
			continue
		}
		out[i] = clamp01(1 - (v-min)/(max-min))
	}
	return out
}

// Reason derives the short human-readable selection justification from the
// dominant weighted component of the winning candidate.
func Reason(best Candidate, obj routercfg.Objective, candidateCount int) string {
	type weighted struct {
		label string
		value float64
	}
	parts := []weighted{
		{"lowest effective cost", obj.Cost * best.Components.Cost},
		{"lowest expected latency", obj.Latency * best.Components.Latency},
		{"highest expected quality", obj.Quality * best.Components.Quality},
		{"lowest carbon footprint", obj.Carbon * best.Components.Carbon},
	}
	dominant := parts[0]
	for _, p := range parts[1:] {
		if p.value > dominant.value {
			dominant = p
		}
	}
	return fmt.Sprintf("%s among %d candidates (score %.3f)", dominant.label, candidateCount, best.Score)
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
