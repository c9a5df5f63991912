package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner calls a task on a fixed interval. The app uses it to retry
// compactions that failed inline.
type Runner struct {
	task     func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewRunner creates a runner. If interval is zero, it defaults to 60 seconds.
func NewRunner(task func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		task:     task,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called. Call this in a
// goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.task(ctx); err != nil {
				r.logger.Warn("memory runner: task failed", "err", err)
			}
		}
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}
