package routercfg

import (
	"encoding/json"
	"fmt"
	"math"
)

type Mode string

const (
	ModeSmartRouter Mode = "smartRouter"
	ModePassthrough Mode = "passthrough"
)

// WeightEpsilon is how far the objective weight sum may drift from 1.0.
const WeightEpsilon = 1e-3

// Objective holds the four non-negative weights the scoring engine combines.
// They must sum to 1.0 within WeightEpsilon.
type Objective struct {
	Cost    float64 `json:"cost"`
	Latency float64 `json:"latency"`
	Quality float64 `json:"quality"`
	Carbon  float64 `json:"carbon"`
}

func (o Objective) Sum() float64 {
	return o.Cost + o.Latency + o.Quality + o.Carbon
}

type Fallback struct {
	Enabled       bool     `json:"enabled"`
	RetryAttempts int      `json:"retryAttempts"`
	Models        []string `json:"fallbackModels"`
}

// Requirements are hard constraints that exclude candidates before scoring.
type Requirements struct {
	MaxLatencyMs         float64  `json:"maxLatencyMs,omitempty"`
	MaxCostPerToken      float64  `json:"maxCostPerToken,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
}

// Config is the routing policy fetched per request from the config store.
type Config struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Mode            Mode          `json:"mode"`
	PreferredModel  string        `json:"preferredModel,omitempty"`
	AvailableModels []string      `json:"availableModels"`
	Objective       Objective     `json:"objective"`
	Fallback        Fallback      `json:"fallback"`
	Requirements    *Requirements `json:"requirements,omitempty"`
}

// ValidationError reports an invalid router config. It is never retried and
// surfaces to the caller as a client error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid router config: %s: %s", e.Field, e.Reason)
}

// Validate checks every config invariant, failing fast on the first
// violation. It never coerces: a weight sum of 0.9 is an error, not a
// renormalization.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSmartRouter, ModePassthrough:
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}

	if len(c.AvailableModels) == 0 {
		return &ValidationError{Field: "availableModels", Reason: "must not be empty"}
	}
	available := make(map[string]struct{}, len(c.AvailableModels))
	for _, m := range c.AvailableModels {
		available[m] = struct{}{}
	}

	o := c.Objective
	for field, w := range map[string]float64{"cost": o.Cost, "latency": o.Latency, "quality": o.Quality, "carbon": o.Carbon} {
		if w < 0 {
			return &ValidationError{Field: "objective." + field, Reason: "weight must be non-negative"}
		}
	}
	if math.Abs(o.Sum()-1.0) > WeightEpsilon {
		return &ValidationError{Field: "objective", Reason: fmt.Sprintf("weights sum to %g, want 1.0", o.Sum())}
	}

	if c.Fallback.RetryAttempts < 0 {
		return &ValidationError{Field: "fallback.retryAttempts", Reason: "must be >= 0"}
	}
	for _, m := range c.Fallback.Models {
		if _, ok := available[m]; !ok {
			return &ValidationError{Field: "fallback.fallbackModels", Reason: fmt.Sprintf("model %q not in availableModels", m)}
		}
	}

	if c.Mode == ModePassthrough {
		if c.PreferredModel == "" {
			return &ValidationError{Field: "preferredModel", Reason: "required in passthrough mode"}
		}
		if _, ok := available[c.PreferredModel]; !ok {
			return &ValidationError{Field: "preferredModel", Reason: fmt.Sprintf("model %q not in availableModels", c.PreferredModel)}
		}
	}

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler for the redis cache.
func (c *Config) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for the redis cache.
func (c *Config) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}
