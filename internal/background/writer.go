package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWriterStopped is returned by EnqueueWait once the writer has been stopped
var ErrWriterStopped = errors.New("write-behind writer stopped")

// WriteFunc performs one persistence write
type WriteFunc func(ctx context.Context) error

type writeJob struct {
	name string
	fn   WriteFunc
}

// WriteBehind runs persistence writes on a single goroutine in enqueue order.
// Stores enqueue while holding their own lock and never wait on I/O; a write
// that fails is logged and dropped. Writes must not take store locks.
type WriteBehind struct {
	jobs    chan writeJob
	logger  *slog.Logger
	timeout time.Duration

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

// NewWriteBehind creates a writer with a queue of the given size.
// timeout bounds every individual write.
func NewWriteBehind(size int, timeout time.Duration, logger *slog.Logger) *WriteBehind {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WriteBehind{
		jobs:    make(chan writeJob, size),
		logger:  logger,
		timeout: timeout,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once has no effect.
func (w *WriteBehind) Start(ctx context.Context) {
	w.started.Do(func() {
		go w.run(ctx)
	})
}

func (w *WriteBehind) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case job := <-w.jobs:
			w.execute(ctx, job)
		case <-w.stopCh:
			w.drain(ctx)
			w.logger.Info("write-behind writer stopped")
			return
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			w.logger.Info("write-behind writer context cancelled")
			return
		}
	}
}

// drain executes everything already queued
func (w *WriteBehind) drain(ctx context.Context) {
	for {
		select {
		case job := <-w.jobs:
			w.execute(ctx, job)
		default:
			return
		}
	}
}

func (w *WriteBehind) execute(ctx context.Context, job writeJob) {
	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := job.fn(writeCtx); err != nil {
		w.logger.Error("write-behind write failed",
			slog.String("write", job.name),
			slog.Any("error", err),
		)
	}
}

// Enqueue queues fn without blocking. It returns false when the queue is
// full or the writer has been stopped.
func (w *WriteBehind) Enqueue(name string, fn WriteFunc) bool {
	select {
	case <-w.stopCh:
		return false
	default:
	}

	select {
	case w.jobs <- writeJob{name: name, fn: fn}:
		return true
	default:
		w.logger.Warn("write-behind queue full, dropping write", slog.String("write", name))
		return false
	}
}

// EnqueueWait queues fn, waiting for room while the queue is full. It fails
// only when ctx ends or the writer has been stopped.
func (w *WriteBehind) EnqueueWait(ctx context.Context, name string, fn WriteFunc) error {
	select {
	case <-w.stopCh:
		return ErrWriterStopped
	default:
	}

	select {
	case w.jobs <- writeJob{name: name, fn: fn}:
		return nil
	default:
	}

	w.logger.Warn("write-behind queue full, waiting", slog.String("write", name))
	select {
	case w.jobs <- writeJob{name: name, fn: fn}:
		return nil
	case <-w.stopCh:
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every write queued before the call has run
func (w *WriteBehind) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	job := writeJob{name: "flush", fn: func(context.Context) error {
		close(flushed)
		return nil
	}}

	select {
	case w.jobs <- job:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the queue and waits for the writer goroutine to exit
func (w *WriteBehind) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})

	// Never started: nothing to wait for
	w.started.Do(func() {
		close(w.done)
	})
	<-w.done
}
