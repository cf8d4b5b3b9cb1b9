// Package scheduler runs the daemon's periodic background tasks: the liveness
// sweep, the remote backup and the keep-alive ping.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a function run on a fixed interval.
//
// The first run happens after InitialDelay (or after Interval when the delay
// is zero). A value received on Kick runs the task immediately. Runs of one
// task never overlap.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Kick         <-chan struct{}
	Run          func(ctx context.Context)
}

// Scheduler owns one goroutine per task.
type Scheduler struct {
	logger *zap.Logger
	tasks  []Task

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Add registers a task. Tasks without an interval or function are ignored.
// Add must be called before Start.
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 || t.Run == nil {
		s.logger.Debug("task disabled", zap.String("task", t.Name))
		return
	}
	s.tasks = append(s.tasks, t)
}

// Start launches every task. Tasks stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop cancels all tasks and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	delay := t.InitialDelay
	if delay <= 0 {
		delay = t.Interval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	s.logger.Debug("task scheduled",
		zap.String("task", t.Name),
		zap.Duration("interval", t.Interval),
		zap.Duration("initial_delay", delay))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.run(ctx, t)
			timer.Reset(t.Interval)
		case <-t.Kick:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", t.Name), zap.Any("panic", r))
		}
	}()
	t.Run(ctx)
}
