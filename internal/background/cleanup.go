package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanupTask prunes expired state and reports how many records it removed
type CleanupTask func(ctx context.Context) (int, error)

type namedTask struct {
	name string
	run  CleanupTask
}

// CleanupConfig holds the two cleanup cadences
type CleanupConfig struct {
	FastInterval time.Duration // rate limits, MFA challenges, sessions
	SlowInterval time.Duration // security event log
	TaskTimeout  time.Duration
}

// CleanupScheduler periodically prunes expired records from every store.
// It runs independently of request handling.
type CleanupScheduler struct {
	config CleanupConfig
	logger *slog.Logger

	mu   sync.Mutex
	fast []namedTask
	slow []namedTask

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

// NewCleanupScheduler creates a new cleanup scheduler
func NewCleanupScheduler(config CleanupConfig, logger *slog.Logger) *CleanupScheduler {
	if config.FastInterval <= 0 {
		config.FastInterval = time.Minute
	}
	if config.SlowInterval <= 0 {
		config.SlowInterval = 5 * time.Minute
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}

	return &CleanupScheduler{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnFastTick registers a task for the fast cadence
func (s *CleanupScheduler) OnFastTick(name string, task CleanupTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fast = append(s.fast, namedTask{name: name, run: task})
}

// OnSlowTick registers a task for the slow cadence
func (s *CleanupScheduler) OnSlowTick(name string, task CleanupTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slow = append(s.slow, namedTask{name: name, run: task})
}

// Start runs the periodic cleanup loop and blocks until Stop is called or
// ctx is cancelled. Fast tasks run once immediately.
func (s *CleanupScheduler) Start(ctx context.Context) {
	first := false
	s.started.Do(func() { first = true })
	if !first {
		return
	}
	defer close(s.done)

	fastTicker := time.NewTicker(s.config.FastInterval)
	defer fastTicker.Stop()
	slowTicker := time.NewTicker(s.config.SlowInterval)
	defer slowTicker.Stop()

	s.RunFast(ctx)

	for {
		select {
		case <-fastTicker.C:
			s.RunFast(ctx)
		case <-slowTicker.C:
			s.RunSlow(ctx)
		case <-s.stopCh:
			s.logger.Info("cleanup scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler context cancelled")
			return
		}
	}
}

// RunFast executes every fast task once
func (s *CleanupScheduler) RunFast(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]namedTask(nil), s.fast...)
	s.mu.Unlock()
	s.runTasks(ctx, tasks)
}

// RunSlow executes every slow task once
func (s *CleanupScheduler) RunSlow(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]namedTask(nil), s.slow...)
	s.mu.Unlock()
	s.runTasks(ctx, tasks)
}

func (s *CleanupScheduler) runTasks(ctx context.Context, tasks []namedTask) {
	for _, task := range tasks {
		taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
		removed, err := task.run(taskCtx)
		cancel()

		if err != nil {
			s.logger.Error("cleanup task failed",
				slog.String("task", task.name),
				slog.Any("error", err),
			)
			continue
		}

		if removed > 0 {
			s.logger.Info("cleanup task completed",
				slog.String("task", task.name),
				slog.Int("removed", removed),
			)
		}
	}
}

// Stop signals the scheduler to stop and waits for the loop to exit
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.started.Do(func() {
		close(s.done)
	})
	<-s.done
}
