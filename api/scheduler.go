/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Runs Dispatcher.Sweep on a fixed period so rewards are delivered even
  when the web app's signal call never arrived.

DESIGN:
  - gocron DurationJob, first run immediately on Start
  - Singleton mode: a slow sweep delays the next one instead of overlapping
  - RunNow (admin endpoint, CLI) shares the same lock, so a manual sweep
    never runs alongside a scheduled one
  - Stop cancels the sweep context; the current batch's grants finish

USAGE:
  scheduler := NewSweepScheduler(dispatcher, 5*time.Second, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - referral/dispatcher.go: Sweep
  - handlers.go: RunSweep endpoint
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/warp/referral-engine/referral"
)

// SweepScheduler runs reconciliation sweeps on a fixed interval.
type SweepScheduler struct {
	Dispatcher *referral.Dispatcher
	Interval   time.Duration
	Enabled    bool
	Logger     *slog.Logger

	sweepMu sync.Mutex // held for the duration of every sweep

	mu     sync.Mutex
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(d *referral.Dispatcher, interval time.Duration, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Dispatcher: d,
		Interval:   interval,
		Enabled:    true,
		Logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("sweep scheduler disabled, not starting")
		return nil
	}
	if s.sched != nil {
		return nil
	}
	if s.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	_, err = sched.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(s.runScheduled),
		gocron.WithName("referral-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.cancel()
		_ = sched.Shutdown()
		return err
	}

	sched.Start()
	s.sched = sched
	s.Logger.Info("sweep scheduler started", slog.Duration("interval", s.Interval))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *SweepScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		return nil
	}
	s.cancel()
	err := s.sched.Shutdown()
	s.sched = nil
	s.Logger.Info("sweep scheduler stopped")
	return err
}

// RunNow runs one sweep immediately, waiting for any scheduled sweep in
// progress to finish first.
func (s *SweepScheduler) RunNow(ctx context.Context) (referral.SweepRun, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	return s.Dispatcher.Sweep(ctx, referral.TriggerManual)
}

func (s *SweepScheduler) runScheduled() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if _, err := s.Dispatcher.Sweep(s.ctx, referral.TriggerSweep); err != nil {
		s.Logger.Error("scheduled sweep failed", slog.String("error", err.Error()))
	}
}
