package registry

import "github.com/vnmchuo/model-router/internal/provider"

// DefaultCatalog is the static seed for the model registry: pricing from the
// published provider rate cards, latency baselines from observed p50s, and a
// per-model carbon constant pending a real data feed.
func DefaultCatalog() []Descriptor {
	return []Descriptor{
		{
			ID:                 "gpt-4o",
			Provider:           "openai",
			Capabilities:       []string{CapChat, CapStreaming, CapFunctions, CapVision},
			InputCostPerToken:  0.0000025,
			OutputCostPerToken: 0.00001,
			ContextWindow:      128000,
			MaxOutputTokens:    16384,
			BaselineLatencyMs:  900,
			Quality:            0.9,
			CarbonGPerToken:    0.004,
		},
		{
			ID:                 "gpt-4o-mini",
			Provider:           "openai",
			Capabilities:       []string{CapChat, CapStreaming, CapFunctions, CapVision},
			InputCostPerToken:  0.00000015,
			OutputCostPerToken: 0.0000006,
			ContextWindow:      128000,
			MaxOutputTokens:    16384,
			BaselineLatencyMs:  600,
			Quality:            0.78,
			CarbonGPerToken:    0.001,
		},
		{
			ID:                 "claude-3-5-sonnet-20241022",
			Provider:           "anthropic",
			Capabilities:       []string{CapChat, CapStreaming, CapFunctions, CapVision},
			InputCostPerToken:  0.000003,
			OutputCostPerToken: 0.000015,
			ContextWindow:      200000,
			MaxOutputTokens:    8192,
			BaselineLatencyMs:  1100,
			Quality:            0.92,
			CarbonGPerToken:    0.0045,
		},
		{
			ID:                 "claude-3-5-haiku-20241022",
			Provider:           "anthropic",
			Capabilities:       []string{CapChat, CapStreaming, CapFunctions},
			InputCostPerToken:  0.0000008,
			OutputCostPerToken: 0.000004,
			ContextWindow:      200000,
			MaxOutputTokens:    8192,
			BaselineLatencyMs:  700,
			Quality:            0.8,
			CarbonGPerToken:    0.0015,
		},
		{
			ID:                 "gemini-1.5-pro",
			Provider:           "google",
			Capabilities:       []string{CapChat, CapStreaming, CapVision},
			InputCostPerToken:  0.00000125,
			OutputCostPerToken: 0.000005,
			ContextWindow:      1000000,
			MaxOutputTokens:    8192,
			BaselineLatencyMs:  1200,
			Quality:            0.86,
			CarbonGPerToken:    0.003,
		},
		{
			ID:                 "gemini-1.5-flash",
			Provider:           "google",
			Capabilities:       []string{CapChat, CapStreaming, CapVision},
			InputCostPerToken:  0.000000075,
			OutputCostPerToken: 0.0000003,
			ContextWindow:      1000000,
			MaxOutputTokens:    8192,
			BaselineLatencyMs:  500,
			Quality:            0.74,
			CarbonGPerToken:    0.0008,
		},
	}
}

// PricingFor extracts the per-token pricing table for one provider family,
// which is what the adapters consume.
func PricingFor(catalog []Descriptor, providerName string) map[string]provider.Pricing {
	out := make(map[string]provider.Pricing)
	for _, d := range catalog {
		if d.Provider == providerName {
			out[d.ID] = provider.Pricing{Input: d.InputCostPerToken, Output: d.OutputCostPerToken}
		}
	}
	return out
}
