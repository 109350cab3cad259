package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/internal/provider"
)

func testPolicy(models ...string) Policy {
	return Policy{
		Enabled:       true,
		RetryAttempts: len(models),
		Models:        models,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
	}
}

func retryableErr(model string, kind provider.ErrorKind) error {
	return &provider.Error{Provider: "test", Kind: kind, Message: "boom: " + model}
}

func TestRun_PrimarySucceeds(t *testing.T) {
	ctrl := New(testPolicy("fb-1"), zap.NewNop())

	var observed []Attempt
	resp, result, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			return &provider.Response{Model: a.Model}, nil
		},
		func(a Attempt, resp *provider.Response, err error) {
			observed = append(observed, a)
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Model != "primary" {
		t.Errorf("expected primary dispatch, got %s", resp.Model)
	}
	if result.State != StateSucceeded || result.Retries != 0 || result.FallbackUsed {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(observed) != 1 || observed[0].Index != 0 {
		t.Errorf("expected exactly one observed attempt, got %v", observed)
	}
}

func TestRun_FallbackChain(t *testing.T) {
	ctrl := New(testPolicy("fb-1", "fb-2"), zap.NewNop())

	// primary times out, fb-1 is rate limited, fb-2 succeeds.
	failures := map[string]error{
		"primary": retryableErr("primary", provider.KindTimeout),
		"fb-1":    retryableErr("fb-1", provider.KindRateLimited),
	}

	var attempts []string
	resp, result, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			attempts = append(attempts, a.Model)
			if err := failures[a.Model]; err != nil {
				return nil, err
			}
			return &provider.Response{Model: a.Model}, nil
		},
		func(Attempt, *provider.Response, error) {})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Model != "fb-2" {
		t.Errorf("expected fb-2 to serve, got %s", resp.Model)
	}
	if result.Retries != 2 || !result.FallbackUsed || result.State != StateSucceeded {
		t.Errorf("unexpected result: %+v", result)
	}
	want := []string{"primary", "fb-1", "fb-2"}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempt order %v, want %v", attempts, want)
		}
	}
}

func TestRun_ExhaustsAfterRetryBudget(t *testing.T) {
	policy := testPolicy("fb-1")
	policy.RetryAttempts = 2
	ctrl := New(policy, zap.NewNop())

	var attempts []string
	_, result, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			attempts = append(attempts, a.Model)
			return nil, retryableErr(a.Model, provider.KindUnavailable)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if result.State != StateExhausted {
		t.Errorf("expected exhausted state, got %s", result.State)
	}
	// 1 primary + 2 retries, single fallback model reused cyclically.
	want := []string{"primary", "fb-1", "fb-1"}
	if len(attempts) != len(want) {
		t.Fatalf("attempts %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts %v, want %v", attempts, want)
		}
	}
}

func TestRun_DisabledFallbackStopsAfterPrimary(t *testing.T) {
	policy := testPolicy("fb-1")
	policy.Enabled = false
	ctrl := New(policy, zap.NewNop())

	calls := 0
	_, result, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			calls++
			return nil, retryableErr(a.Model, provider.KindTimeout)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("disabled fallback must dispatch once, got %d", calls)
	}
	if result.FallbackUsed {
		t.Error("fallback must not be marked used")
	}
}

func TestRun_InvalidRequestNeverRetried(t *testing.T) {
	ctrl := New(testPolicy("fb-1", "fb-2"), zap.NewNop())

	calls := 0
	_, result, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			calls++
			return nil, retryableErr(a.Model, provider.KindInvalidRequest)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("invalid request must not be retried, got %d dispatches", calls)
	}
	if result.State != StateExhausted {
		t.Errorf("expected exhausted state, got %s", result.State)
	}
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindInvalidRequest {
		t.Errorf("expected the invalid request error to surface, got %v", err)
	}
}

func TestRun_UnknownRetriedOnce(t *testing.T) {
	ctrl := New(testPolicy("fb-1", "fb-2", "fb-3"), zap.NewNop())

	calls := 0
	_, _, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			calls++
			return nil, retryableErr(a.Model, provider.KindUnknown)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("unknown errors get exactly one retry, got %d dispatches", calls)
	}
}

func TestRun_BackoffDelaysIncrease(t *testing.T) {
	policy := testPolicy("fb-1")
	policy.RetryAttempts = 3
	policy.BaseDelay = 20 * time.Millisecond
	policy.MaxDelay = time.Second
	ctrl := New(policy, zap.NewNop())

	var stamps []time.Time
	_, _, _ = ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			stamps = append(stamps, time.Now())
			return nil, retryableErr(a.Model, provider.KindTimeout)
		},
		func(Attempt, *provider.Response, error) {})

	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	gap3 := stamps[3].Sub(stamps[2])
	if gap1 < policy.BaseDelay {
		t.Errorf("first gap %v shorter than base delay", gap1)
	}
	// Exponential, no jitter: each gap roughly doubles.
	if gap2 < gap1 || gap3 < gap2 {
		t.Errorf("gaps must not shrink: %v %v %v", gap1, gap2, gap3)
	}
}

func TestRun_ObserveCalledPerAttempt(t *testing.T) {
	ctrl := New(testPolicy("fb-1"), zap.NewNop())

	var observedErrs []error
	_, _, err := ctrl.Run(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			if a.Index == 0 {
				return nil, retryableErr(a.Model, provider.KindUnavailable)
			}
			return &provider.Response{Model: a.Model}, nil
		},
		func(a Attempt, resp *provider.Response, err error) {
			observedErrs = append(observedErrs, err)
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(observedErrs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observedErrs))
	}
	if observedErrs[0] == nil || observedErrs[1] != nil {
		t.Errorf("observations out of order: %v", observedErrs)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	policy := testPolicy("fb-1")
	policy.BaseDelay = time.Minute
	ctrl := New(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := ctrl.Run(ctx, "primary",
		func(ctx context.Context, a Attempt) (*provider.Response, error) {
			return nil, retryableErr(a.Model, provider.KindTimeout)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation must interrupt the backoff wait")
	}
}

func TestRunStream_FallsBackBeforeFirstByte(t *testing.T) {
	ctrl := New(testPolicy("fb-1"), zap.NewNop())

	var observed []Attempt
	ch, result, err := ctrl.RunStream(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (<-chan *provider.Chunk, error) {
			if a.Model == "primary" {
				return nil, retryableErr(a.Model, provider.KindUnavailable)
			}
			out := make(chan *provider.Chunk, 2)
			out <- &provider.Chunk{Delta: "hi"}
			out <- &provider.Chunk{Done: true}
			close(out)
			return out, nil
		},
		func(a Attempt, resp *provider.Response, err error) {
			observed = append(observed, a)
		})
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}
	if result.LastModel != "fb-1" || !result.FallbackUsed {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(observed) != 1 || observed[0].Model != "primary" {
		t.Errorf("only the failed attempt is observed here, got %v", observed)
	}

	var deltas []string
	for chunk := range ch {
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
	}
	if len(deltas) != 1 || deltas[0] != "hi" {
		t.Errorf("unexpected stream contents: %v", deltas)
	}
}

func TestRunStream_InvalidRequestNeverRetried(t *testing.T) {
	ctrl := New(testPolicy("fb-1"), zap.NewNop())

	calls := 0
	_, _, err := ctrl.RunStream(context.Background(), "primary",
		func(ctx context.Context, a Attempt) (<-chan *provider.Chunk, error) {
			calls++
			return nil, retryableErr(a.Model, provider.KindInvalidRequest)
		},
		func(Attempt, *provider.Response, error) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("invalid request must not be retried, got %d dispatches", calls)
	}
}
