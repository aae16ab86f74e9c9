// Package jobs runs the scheduled-mode sync operations on fixed intervals.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task. A non-positive Interval disables it.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job in its own loop. A job never overlaps itself: the
// next tick is taken only after the current run returns.
type Scheduler struct {
	jobs    []Job
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. timeout bounds a single run; zero means no bound.
func New(timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		timeout: timeout,
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Add registers a job. Jobs added after Start are ignored until the next Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start launches every enabled job. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Info("scheduled job disabled", slog.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Stop cancels running jobs and waits for their loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	log := s.logger.With(slog.String("job", job.Name))
	log.Info("scheduled job started", slog.String("interval", job.Interval.String()))

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduled job stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, job, log)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, log *slog.Logger) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled job panicked", slog.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error("scheduled job failed", slog.String("error", err.Error()), slog.Duration("duration", time.Since(start)))
		return
	}
	log.Debug("scheduled job finished", slog.Duration("duration", time.Since(start)))
}
