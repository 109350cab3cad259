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

// State is the per-request attempt machine: Selecting → Dispatching →
// {Succeeded | Retrying | Exhausted}.
type State string

const (
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching"
	StateSucceeded   State = "succeeded"
	StateRetrying    State = "retrying"
	StateExhausted   State = "exhausted"
)

// Policy governs one request's retry behavior. Models is the ordered
// fallback list; when it is shorter than RetryAttempts the list is reused
// cyclically. Candidates are never re-ranked mid-request.
type Policy struct {
	Enabled       bool
	RetryAttempts int
	Models        []string
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Attempt identifies one dispatch within a request: Index 0 is the primary,
// 1..RetryAttempts are fallback attempts.
type Attempt struct {
	Index int
	Model string
}

// DispatchFunc performs one dispatch to one model.
type DispatchFunc func(ctx context.Context, attempt Attempt) (*provider.Response, error)

// ObserveFunc is invoked exactly once per attempt, success or failure,
// before any backoff wait. It is where outcome records are emitted.
type ObserveFunc func(attempt Attempt, resp *provider.Response, err error)

// Result summarizes how the controller finished.
type Result struct {
	State        State
	Retries      int
	FallbackUsed bool
	LastModel    string
}

type Controller struct {
	policy Policy
	logger *zap.Logger
}

func New(policy Policy, logger *zap.Logger) *Controller {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	return &Controller{policy: policy, logger: logger}
}

// Run dispatches the primary model and walks the fallback list on retryable
// failures. Attempts are strictly sequential; there is no speculative
// parallel dispatch. Backoff is baseDelay doubled per attempt with no
// jitter, so the schedule is reproducible.
func (c *Controller) Run(ctx context.Context, primary string, dispatch DispatchFunc, observe ObserveFunc) (*provider.Response, Result, error) {
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

		resp, err := dispatch(ctx, attempt)
		observe(attempt, resp, err)

		if err == nil {
			result.State = StateSucceeded
			return resp, result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancelled; the attempt's outcome was already observed.
			return nil, result, err
		}

		var perr *provider.Error
		if !errors.As(err, &perr) {
			perr = provider.Classify(model, err)
		}

		switch {
		case perr.Kind == provider.KindInvalidRequest:
			// A malformed request cannot be fixed by retrying elsewhere.
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

		c.logger.Warn("dispatch attempt failed",
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

// modelForAttempt yields the model for a given attempt index, or false when
// the policy allows no further attempts.
func (c *Controller) modelForAttempt(index int, primary string) (string, bool) {
	if index == 0 {
		return primary, true
	}
	if !c.policy.Enabled || index > c.policy.RetryAttempts || len(c.policy.Models) == 0 {
		return "", false
	}
	return c.policy.Models[(index-1)%len(c.policy.Models)], true
}
