package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/auth"
	"github.com/vnmchuo/model-router/internal/routercfg"
)

const (
	DemoAPIKey   = "demo-api-key-12345"
	DemoTenantID = "00000000-0000-0000-0000-000000000001"

	DemoSmartRouterID  = "demo-smart"
	DemoPassthroughID  = "demo-passthrough"
	demoPreferredModel = "gpt-4o-mini"
)

// SeedDemoAPIKey creates the well-known dev API key. Safe to call on every
// boot: an existing key is left alone.
func SeedDemoAPIKey(ctx context.Context, store auth.Store, logger *zap.Logger) {
	h := sha256.New()
	h.Write([]byte(DemoAPIKey))

	apiKey := &auth.APIKey{
		TenantID:  DemoTenantID,
		KeyHash:   hex.EncodeToString(h.Sum(nil)),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("demo API key may already exist, skipping", zap.Error(err))
		return
	}
	logger.Info("demo API key created",
		zap.String("key", DemoAPIKey),
		zap.String("tenant_id", DemoTenantID))
}

// SeedDemoRouters saves one config per mode so a fresh install can route
// immediately.
func SeedDemoRouters(ctx context.Context, store routercfg.Store, logger *zap.Logger) {
	configs := []*routercfg.Config{
		{
			ID:              DemoSmartRouterID,
			Name:            "Demo smart router",
			Mode:            routercfg.ModeSmartRouter,
			AvailableModels: []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "gemini-1.5-flash"},
			Objective:       routercfg.Objective{Cost: 0.4, Latency: 0.2, Quality: 0.3, Carbon: 0.1},
			Fallback: routercfg.Fallback{
				Enabled:       true,
				RetryAttempts: 2,
				Models:        []string{"gpt-4o-mini", "gemini-1.5-flash"},
			},
		},
		{
			ID:              DemoPassthroughID,
			Name:            "Demo passthrough router",
			Mode:            routercfg.ModePassthrough,
			PreferredModel:  demoPreferredModel,
			AvailableModels: []string{demoPreferredModel},
			Objective:       routercfg.Objective{Quality: 1.0},
		},
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			logger.Error("demo router config invalid", zap.String("router_id", cfg.ID), zap.Error(err))
			continue
		}
		if err := store.Save(ctx, cfg); err != nil {
			logger.Warn("demo router config not saved", zap.String("router_id", cfg.ID), zap.Error(err))
			continue
		}
		logger.Info("demo router config saved", zap.String("router_id", cfg.ID), zap.String("mode", string(cfg.Mode)))
	}
}
