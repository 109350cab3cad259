package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/provider"
)

// StreamDispatchFunc opens one streaming dispatch to one model. It must not
// return a channel until the upstream has produced its first chunk, so a
// returned channel means the attempt is committed.
type StreamDispatchFunc func(ctx context.Context, attempt Attempt) (<-chan *provider.Chunk, error)

// RunStream is Run for streaming dispatches. Fallback applies only before
// the first byte: once a dispatch returns a live channel the provider is
// locked in and any later failure terminates the stream instead of
// switching models. Observe is called here for failed attempts only; the
// committed attempt's outcome is the caller's to record once the stream
// finishes and token usage is known.
func (c *Controller) RunStream(ctx context.Context, primary string, dispatch StreamDispatchFunc, observe ObserveFunc) (<-chan *provider.Chunk, Result, error) {
	result := Result{State: StateSelecting}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.policy.MaxDelay

	var lastErr error
	unknownRetried := false

	for index := 0; ; index++ {
		model, ok := c.modelForAttempt(index, primary)
		if !ok {
			break
		}

		if index > 0 {
			result.State = StateRetrying
			delay := bo.NextBackOff()
			c.logger.Debug("backing off before fallback attempt",
				zap.Int("attempt", index),
				zap.String("model", model),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, result, ctx.Err()
			}
			result.Retries = index
			result.FallbackUsed = true
		}

		attempt := Attempt{Index: index, Model: model}
		result.State = StateDispatching
		result.LastModel = model

		ch, err := dispatch(ctx, attempt)
		if err == nil {
			result.State = StateSucceeded
			return ch, result, nil
		}
		observe(attempt, nil, err)
		lastErr = err

		if ctx.Err() != nil {
			return nil, result, err
		}

		var perr *provider.Error
		if !errors.As(err, &perr) {
			perr = provider.Classify(model, err)
		}

		switch {
		case perr.Kind == provider.KindInvalidRequest:
			result.State = StateExhausted
			return nil, result, err
		case perr.Kind == provider.KindUnknown:
			if unknownRetried {
				result.State = StateExhausted
				return nil, result, err
			}
			unknownRetried = true
		case !perr.Retryable():
			result.State = StateExhausted
			return nil, result, err
		}

		c.logger.Warn("stream dispatch attempt failed",
			zap.Int("attempt", index),
			zap.String("model", model),
			zap.String("kind", string(perr.Kind)))
	}

	result.State = StateExhausted
	if lastErr == nil {
		lastErr = fmt.Errorf("no dispatch attempts were possible")
	}
	return nil, result, lastErr
}
