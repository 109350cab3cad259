package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/embedding"
	"github.com/vnmchuo/model-router/internal/fallback"
	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/provider"
	"github.com/vnmchuo/model-router/internal/registry"
	"github.com/vnmchuo/model-router/internal/routercfg"
	"github.com/vnmchuo/model-router/internal/scoring"
)

// Metadata describes how a request was routed. For streaming requests it is
// fully populated only after the chunk channel closes.
type Metadata struct {
	SelectedModel   string  `json:"selected_model"`
	Provider        string  `json:"provider"`
	SelectionReason string  `json:"selection_reason"`
	CostUSD         float64 `json:"cost_usd"`
	LatencyMs       int64   `json:"latency_ms"`
	CarbonG         float64 `json:"carbon_g"`
	FallbackUsed    bool    `json:"fallback_used"`
	RetryCount      int     `json:"retry_count"`
}

// SimilaritySearcher finds prior outcomes whose request embeddings are close
// to the given one.
type SimilaritySearcher interface {
	FindSimilar(ctx context.Context, emb []float64, topK int, routerID string) ([]*outcome.Record, error)
}

type Options struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	TopK           int
}

func (o *Options) defaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 60 * time.Second
	}
	if o.TopK <= 0 {
		o.TopK = 50
	}
}

// Router picks a model for each request and drives dispatch with fallback.
type Router struct {
	registry  *registry.Registry
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	embedder  embedding.Embedder
	index     SimilaritySearcher
	recorder  outcome.Recorder
	engine    *scoring.Engine
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer
}

func New(
	reg *registry.Registry,
	providers []provider.Provider,
	embedder embedding.Embedder,
	index SimilaritySearcher,
	recorder outcome.Recorder,
	opts Options,
	logger *zap.Logger,
) *Router {
	opts.defaults()

	byName := make(map[string]provider.Provider, len(providers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return &Router{
		registry:  reg,
		providers: byName,
		breakers:  breakers,
		embedder:  embedder,
		index:     index,
		recorder:  recorder,
		engine:    scoring.NewEngine(),
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("router"),
	}
}

// selection carries everything the dispatch phase needs from the selection
// phase.
type selection struct {
	primary   string
	reason    string
	embedding []float64
}

// Route selects a model per the config, dispatches it with fallback, and
// returns the response plus routing metadata.
func (r *Router) Route(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*provider.Response, *Metadata, error) {
	ctx, span := r.tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("router.id", cfg.ID),
			attribute.String("router.mode", string(cfg.Mode)),
		))
	defer span.End()

	sel, err := r.selectModel(ctx, cfg, req)
	if err != nil {
		return nil, nil, err
	}

	ctrl := fallback.New(r.policy(cfg), r.logger)
	resp, result, err := ctrl.Run(ctx, sel.primary,
		r.dispatch(req),
		r.observer(cfg, req, sel.embedding))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Kind == provider.KindInvalidRequest {
			return nil, nil, err
		}
		return nil, nil, &ExhaustedError{RouterID: cfg.ID, Attempts: result.Retries + 1, Err: err}
	}

	meta := r.metadata(sel, result, resp.Provider, resp.CostUSD, resp.LatencyMs, resp.Usage)
	span.SetAttributes(
		attribute.String("router.selected_model", meta.SelectedModel),
		attribute.Bool("router.fallback_used", meta.FallbackUsed),
	)
	return resp, meta, nil
}

// selectModel runs the full selection phase: validation, embedding lookup,
// similarity search, hard filtering, and scoring. In passthrough mode it
// short-circuits to the preferred model.
func (r *Router) selectModel(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (*selection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{RouterID: cfg.ID, Err: err}
	}

	if cfg.Mode == routercfg.ModePassthrough {
		if _, ok := r.registry.Lookup(cfg.PreferredModel); !ok {
			return nil, &ConfigurationError{
				RouterID: cfg.ID,
				Err:      fmt.Errorf("preferred model %q not in registry", cfg.PreferredModel),
			}
		}
		return &selection{
			primary: cfg.PreferredModel,
			reason:  fmt.Sprintf("passthrough mode: preferred model %s", cfg.PreferredModel),
		}, nil
	}

	emb, err := r.embedder.Embed(ctx, req.PromptText())
	if err != nil {
		// Selection degrades to static scoring rather than failing the request.
		r.logger.Warn("embedding failed, scoring without history",
			zap.String("router_id", cfg.ID), zap.Error(err))
		emb = nil
	}

	var history []*outcome.Record
	if len(emb) > 0 {
		history, err = r.index.FindSimilar(ctx, emb, r.opts.TopK, cfg.ID)
		if err != nil {
			r.logger.Warn("similarity search failed, scoring without history",
				zap.String("router_id", cfg.ID), zap.Error(err))
			history = nil
		}
	}

	descs := r.registry.Descriptors(cfg.AvailableModels)
	filtered := scoring.Filter(descs, cfg.Requirements)
	if len(filtered) == 0 {
		return nil, &ConfigurationError{
			RouterID: cfg.ID,
			Err:      errors.New("no available model satisfies the hard requirements"),
		}
	}

	// Drop models whose provider breaker is open; they would fail anyway.
	open := filtered[:0:0]
	for _, d := range filtered {
		if cb, ok := r.breakers[d.Provider]; ok && cb.State() == gobreaker.StateOpen {
			continue
		}
		open = append(open, d)
	}
	if len(open) == 0 {
		return nil, &ExhaustedError{
			RouterID: cfg.ID,
			Err:      &provider.Error{Kind: provider.KindUnavailable, Message: "all candidate providers are circuit-broken"},
		}
	}

	ranked := r.engine.Score(open, history, cfg.Objective)
	best := ranked[0]
	return &selection{
		primary:   best.Model,
		reason:    scoring.Reason(best, cfg.Objective, len(ranked)),
		embedding: emb,
	}, nil
}

func (r *Router) policy(cfg *routercfg.Config) fallback.Policy {
	return fallback.Policy{
		Enabled:       cfg.Fallback.Enabled,
		RetryAttempts: cfg.Fallback.RetryAttempts,
		Models:        cfg.Fallback.Models,
		BaseDelay:     r.opts.BaseDelay,
		MaxDelay:      r.opts.MaxDelay,
	}
}

// dispatch builds the per-attempt dispatch closure. Each attempt gets its
// own timeout and runs through the provider's circuit breaker.
func (r *Router) dispatch(req *provider.Request) fallback.DispatchFunc {
	return func(ctx context.Context, attempt fallback.Attempt) (*provider.Response, error) {
		desc, adapter, cb, err := r.resolve(attempt.Model)
		if err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		defer cancel()

		dreq := *req
		dreq.Model = desc.ID
		res, err := cb.Execute(func() (interface{}, error) {
			return adapter.Complete(attemptCtx, &dreq)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, &provider.Error{
					Provider: desc.Provider,
					Kind:     provider.KindUnavailable,
					Message:  "circuit breaker open",
				}
			}
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, &provider.Error{
					Provider: desc.Provider,
					Kind:     provider.KindTimeout,
					Message:  fmt.Sprintf("attempt exceeded %s", r.opts.AttemptTimeout),
				}
			}
			return nil, err
		}
		return res.(*provider.Response), nil
	}
}

// observer builds the per-attempt outcome emitter. One record per dispatch
// attempt, failures included, so the fact log reflects every upstream call.
func (r *Router) observer(cfg *routercfg.Config, req *provider.Request, emb []float64) fallback.ObserveFunc {
	return func(attempt fallback.Attempt, resp *provider.Response, err error) {
		rec := &outcome.Record{
			RouterID:  cfg.ID,
			RequestID: req.RequestID,
			TenantID:  req.TenantID,
			Model:     attempt.Model,
			Embedding: emb,
			CreatedAt: time.Now().UTC(),
		}
		if desc, ok := r.registry.Lookup(attempt.Model); ok {
			rec.Provider = desc.Provider
		}
		if resp != nil {
			rec.Provider = resp.Provider
			rec.CostUSD = resp.CostUSD
			rec.LatencyMs = resp.LatencyMs
		}
		if err == nil {
			rec.Success = true
			rec.Quality = 1.0
		} else {
			rec.ErrorKind = errorKind(attempt.Model, err)
			if errors.Is(err, context.Canceled) {
				rec.Incomplete = true
			}
		}
		r.recorder.Record(rec)
	}
}

// metadata assembles the routing metadata for a finished request.
func (r *Router) metadata(sel *selection, result fallback.Result, providerName string, costUSD float64, latencyMs int64, usage provider.Usage) *Metadata {
	reason := sel.reason
	if result.FallbackUsed {
		reason = fmt.Sprintf("%s; fell back to %s after %d failed attempt(s)",
			reason, result.LastModel, result.Retries)
	}

	var carbon float64
	if desc, ok := r.registry.Lookup(result.LastModel); ok {
		carbon = desc.CarbonGPerToken * float64(usage.TotalTokens())
	}

	return &Metadata{
		SelectedModel:   result.LastModel,
		Provider:        providerName,
		SelectionReason: reason,
		CostUSD:         costUSD,
		LatencyMs:       latencyMs,
		CarbonG:         carbon,
		FallbackUsed:    result.FallbackUsed,
		RetryCount:      result.Retries,
	}
}

// resolve maps a model id to its descriptor, provider adapter, and breaker.
func (r *Router) resolve(model string) (registry.Descriptor, provider.Provider, *gobreaker.CircuitBreaker, error) {
	desc, ok := r.registry.Lookup(model)
	if !ok {
		return registry.Descriptor{}, nil, nil, &provider.Error{
			Kind:    provider.KindUnavailable,
			Message: fmt.Sprintf("model %q not in registry", model),
		}
	}
	adapter, ok := r.providers[desc.Provider]
	if !ok {
		return registry.Descriptor{}, nil, nil, &provider.Error{
			Provider: desc.Provider,
			Kind:     provider.KindUnavailable,
			Message:  fmt.Sprintf("no adapter for provider %q", desc.Provider),
		}
	}
	return desc, adapter, r.breakers[desc.Provider], nil
}

func errorKind(model string, err error) string {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		perr = provider.Classify(model, err)
	}
	return string(perr.Kind)
}
