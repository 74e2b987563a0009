// Package scheduler runs named jobs on fixed intervals in background goroutines.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultJobTimeout = 30 * time.Second

type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       Func
	running  atomic.Bool
}

type Scheduler struct {
	logger     *zap.Logger
	jobTimeout time.Duration

	mu      sync.Mutex
	jobs    []*job
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger,
		jobTimeout: defaultJobTimeout,
		stopCh:     make(chan struct{}),
	}
}

// SetJobTimeout bounds how long a single tick of any job may run.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.jobTimeout = d
}

// Every registers fn to run every interval. Jobs must be registered before Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start launches one ticker goroutine per registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j)
	}
}

// Stop signals every job loop to exit and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// RunNow runs the named job once on the caller's goroutine. It reports false
// when the job is already running and errors when no job has that name.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.runOnce(ctx, target)
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.logger.Info("scheduled job started", zap.String("job", j.name), zap.Duration("interval", j.interval))

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
			_, _ = s.runOnce(ctx, j)
			cancel()
		case <-s.stopCh:
			s.logger.Info("scheduled job stopped", zap.String("job", j.name))
			return
		}
	}
}

// runOnce skips the tick if the previous run of j has not finished.
func (s *Scheduler) runOnce(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Debug("skipping tick, previous run still in progress", zap.String("job", j.name))
		return false, nil
	}
	defer j.running.Store(false)

	start := time.Now()
	err := j.fn(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", j.name), zap.Error(err))
		return true, err
	}
	s.logger.Debug("scheduled job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
	return true, nil
}
