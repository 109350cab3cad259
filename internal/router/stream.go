package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/fallback"
	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/provider"
	"github.com/vnmchuo/model-router/internal/registry"
	"github.com/vnmchuo/model-router/internal/routercfg"
)

// RouteStream is Route for streaming completions. Fallback applies only
// until the first chunk arrives; after that the provider is locked in and a
// failure terminates the stream. The returned Metadata has its selection
// fields populated immediately; cost, latency, and carbon are filled in
// before the chunk channel closes.
func (r *Router) RouteStream(ctx context.Context, cfg *routercfg.Config, req *provider.Request) (<-chan *provider.Chunk, *Metadata, error) {
	ctx, span := r.tracer.Start(ctx, "router.route_stream",
		trace.WithAttributes(
			attribute.String("router.id", cfg.ID),
			attribute.String("router.mode", string(cfg.Mode)),
		))
	defer span.End()

	sel, err := r.selectModel(ctx, cfg, req)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	ctrl := fallback.New(r.policy(cfg), r.logger)
	ch, result, err := ctrl.RunStream(ctx, sel.primary,
		r.dispatchStream(req),
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

	desc, _, cb, rerr := r.resolve(result.LastModel)
	if rerr != nil {
		// Cannot happen for a model that just dispatched; fail loudly if it does.
		return nil, nil, rerr
	}

	reason := sel.reason
	if result.FallbackUsed {
		reason = fmt.Sprintf("%s; fell back to %s after %d failed attempt(s)",
			reason, result.LastModel, result.Retries)
	}
	meta := &Metadata{
		SelectedModel:   result.LastModel,
		Provider:        desc.Provider,
		SelectionReason: reason,
		FallbackUsed:    result.FallbackUsed,
		RetryCount:      result.Retries,
	}
	span.SetAttributes(
		attribute.String("router.selected_model", meta.SelectedModel),
		attribute.Bool("router.fallback_used", meta.FallbackUsed),
	)

	out := r.monitorStream(ctx, ch, streamState{
		cfg:   cfg,
		req:   req,
		emb:   sel.embedding,
		desc:  desc,
		cb:    cb,
		meta:  meta,
		start: start,
	})
	return out, meta, nil
}

// dispatchStream opens a stream and holds it back until the first chunk
// arrives, so the fallback controller only ever sees committed streams.
func (r *Router) dispatchStream(req *provider.Request) fallback.StreamDispatchFunc {
	return func(ctx context.Context, attempt fallback.Attempt) (<-chan *provider.Chunk, error) {
		desc, adapter, cb, err := r.resolve(attempt.Model)
		if err != nil {
			return nil, err
		}
		if cb.State() == gobreaker.StateOpen {
			return nil, &provider.Error{
				Provider: desc.Provider,
				Kind:     provider.KindUnavailable,
				Message:  "circuit breaker open",
			}
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		dreq := *req
		dreq.Model = desc.ID
		ch, err := adapter.CompleteStream(attemptCtx, &dreq)
		if err != nil {
			_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
			cancel()
			return nil, err
		}

		select {
		case first, ok := <-ch:
			if !ok {
				cancel()
				return nil, &provider.Error{
					Provider: desc.Provider,
					Kind:     provider.KindUnavailable,
					Message:  "stream closed before first chunk",
				}
			}
			if first.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) { return nil, first.Err })
				cancel()
				return nil, first.Err
			}
			return replay(ctx, cancel, first, ch), nil
		case <-time.After(r.opts.AttemptTimeout):
			cancel()
			return nil, &provider.Error{
				Provider: desc.Provider,
				Kind:     provider.KindTimeout,
				Message:  fmt.Sprintf("no first chunk within %s", r.opts.AttemptTimeout),
			}
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

// replay re-emits the buffered first chunk ahead of the rest of the stream.
func replay(ctx context.Context, cancel context.CancelFunc, first *provider.Chunk, rest <-chan *provider.Chunk) <-chan *provider.Chunk {
	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		defer cancel()
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for chunk := range rest {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type streamState struct {
	cfg   *routercfg.Config
	req   *provider.Request
	emb   []float64
	desc  registry.Descriptor
	cb    *gobreaker.CircuitBreaker
	meta  *Metadata
	start time.Time
}

// monitorStream forwards chunks while accounting for usage. It finalizes
// the metadata and emits the committed attempt's outcome record exactly
// once, whether the stream completes, errors mid-flight, or is cancelled.
func (r *Router) monitorStream(ctx context.Context, in <-chan *provider.Chunk, st streamState) <-chan *provider.Chunk {
	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)

		var usage provider.Usage
		var streamErr error
		completed := false

	loop:
		for chunk := range in {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
				_, _ = st.cb.Execute(func() (interface{}, error) { return nil, chunk.Err })
				r.finalizeStream(st, usage)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				break loop
			case chunk.Done:
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
				completed = true
				r.finalizeStream(st, usage)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				break loop
			default:
				select {
				case out <- chunk:
				case <-ctx.Done():
					break loop
				}
			}
		}

		if !completed && streamErr == nil {
			// Closed without a terminal chunk: the caller went away.
			r.finalizeStream(st, usage)
		}

		rec := &outcome.Record{
			RouterID:  st.cfg.ID,
			RequestID: st.req.RequestID,
			TenantID:  st.req.TenantID,
			Model:     st.desc.ID,
			Provider:  st.desc.Provider,
			Embedding: st.emb,
			CostUSD:   st.meta.CostUSD,
			LatencyMs: st.meta.LatencyMs,
			Success:   completed,
			CreatedAt: time.Now().UTC(),
		}
		if completed {
			rec.Quality = 1.0
		}
		if streamErr != nil {
			rec.ErrorKind = errorKind(st.desc.ID, streamErr)
		} else if !completed {
			rec.Incomplete = true
			rec.ErrorKind = "canceled"
		}
		r.recorder.Record(rec)

		if !completed {
			r.logger.Warn("stream ended without completion",
				zap.String("router_id", st.cfg.ID),
				zap.String("model", st.desc.ID),
				zap.Bool("errored", streamErr != nil))
		}
	}()
	return out
}

// finalizeStream fills the usage-derived metadata fields. It runs before
// the terminal chunk is forwarded so a reader holding the Metadata pointer
// sees complete values by the time the channel closes.
func (r *Router) finalizeStream(st streamState, usage provider.Usage) {
	pricing := provider.Pricing{Input: st.desc.InputCostPerToken, Output: st.desc.OutputCostPerToken}
	st.meta.CostUSD = pricing.Cost(usage)
	st.meta.LatencyMs = time.Since(st.start).Milliseconds()
	st.meta.CarbonG = st.desc.CarbonGPerToken * float64(usage.TotalTokens())
}
