package outcome

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncRecorder decouples outcome writes from the request path: Record never
// blocks the caller, a single worker drains the queue, and a failed insert is
// retried once before the record is dropped with a log line. Losing a record
// degrades future scoring slightly but is never a user-visible failure.
type AsyncRecorder struct {
	store   Store
	queue   chan *Record
	logger  *zap.Logger
	done    chan struct{}
	closing sync.Once
}

func NewAsyncRecorder(store Store, logger *zap.Logger) *AsyncRecorder {
	return &AsyncRecorder{
		store:  store,
		queue:  make(chan *Record, 1024),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker. Call Close on shutdown to drain the queue.
func (r *AsyncRecorder) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *AsyncRecorder) run(ctx context.Context) {
	defer close(r.done)
	for rec := range r.queue {
		r.write(ctx, rec)
	}
}

func (r *AsyncRecorder) write(ctx context.Context, rec *Record) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := r.store.Insert(writeCtx, rec)
	if err == nil {
		return
	}
	r.logger.Warn("outcome insert failed, retrying",
		zap.String("request_id", rec.RequestID), zap.Error(err))

	time.Sleep(250 * time.Millisecond)
	if err := r.store.Insert(writeCtx, rec); err != nil {
		r.logger.Error("dropping outcome record",
			zap.String("request_id", rec.RequestID),
			zap.String("model", rec.Model),
			zap.Error(err))
	}
}

// Record enqueues without blocking. A full queue drops the record rather
// than stalling a request.
func (r *AsyncRecorder) Record(rec *Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("outcome queue full, dropping record",
			zap.String("request_id", rec.RequestID))
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *AsyncRecorder) Close() {
	r.closing.Do(func() { close(r.queue) })
	<-r.done
}
