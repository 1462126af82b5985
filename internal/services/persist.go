package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/revguard/internal/background"
)

// requiredWriteTimeout bounds how long a store waits for room in the write
// queue, and how long a write run inline may take
const requiredWriteTimeout = 5 * time.Second

// Persister queues writes for the single ordered writer
type Persister interface {
	Enqueue(name string, fn background.WriteFunc) bool
	EnqueueWait(ctx context.Context, name string, fn background.WriteFunc) error
}

// persistRequired queues a write that must survive a full queue: revocations,
// lockouts and counter resets. It is called with the store lock held and waits
// for room so the write keeps its place in order; when the writer cannot take
// it at all the write runs inline.
func persistRequired(p Persister, logger *slog.Logger, name string, fn background.WriteFunc) {
	if p.Enqueue(name, fn) {
		return
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), requiredWriteTimeout)
	err := p.EnqueueWait(waitCtx, name, fn)
	cancelWait()
	if err == nil {
		return
	}

	logger.Warn("write queue unavailable, writing inline", slog.String("write", name), slog.Any("error", err))
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), requiredWriteTimeout)
	defer cancelWrite()
	if err := fn(writeCtx); err != nil {
		logger.Error("inline write failed", slog.String("write", name), slog.Any("error", err))
	}
}
