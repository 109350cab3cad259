package outcome

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestAsyncRecorder_DrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var inserted []*Record
	store := &mockStore{
		insertFunc: func(ctx context.Context, rec *Record) error {
			mu.Lock()
			defer mu.Unlock()
			inserted = append(inserted, rec)
			return nil
		},
	}

	rec := NewAsyncRecorder(store, zap.NewNop())
	rec.Start(context.Background())

	for i := 0; i < 5; i++ {
		rec.Record(&Record{RequestID: "req", Model: "gpt-4o-mini", Success: true})
	}
	rec.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(inserted) != 5 {
		t.Errorf("expected 5 inserts after Close, got %d", len(inserted))
	}
	if inserted[0].CreatedAt.IsZero() {
		t.Error("Record must stamp CreatedAt")
	}
}

func TestAsyncRecorder_RetriesOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	store := &mockStore{
		insertFunc: func(ctx context.Context, rec *Record) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}

	rec := NewAsyncRecorder(store, zap.NewNop())
	rec.Start(context.Background())
	rec.Record(&Record{RequestID: "req"})
	rec.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected one retry after failure, got %d calls", calls)
	}
}

func TestAsyncRecorder_CloseIdempotent(t *testing.T) {
	rec := NewAsyncRecorder(&mockStore{}, zap.NewNop())
	rec.Start(context.Background())
	rec.Close()
	rec.Close()
}
