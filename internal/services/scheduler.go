package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
)

// Scheduler runs the engine's jobs on timers inside `tsms serve`: dispatch,
// retry and health on fixed intervals, cleanup once a day.
type Scheduler struct {
	engine    *Engine
	cfg       config.ScheduleConfig
	retention config.PerformanceConfig
	cleanupAt time.Duration
	logger    pslog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(engine *Engine, cfg config.ScheduleConfig, retention config.PerformanceConfig, logger pslog.Logger) (*Scheduler, error) {
	cleanupAt, err := config.ParseClock(cfg.CleanupAt)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Scheduler{
		engine:    engine,
		cfg:       cfg,
		retention: retention,
		cleanupAt: cleanupAt,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.every(ctx, JobDispatch, s.cfg.DispatchInterval, func(ctx context.Context) error {
		_, err := s.engine.DispatchPending(ctx)
		return err
	})
	s.every(ctx, JobRetry, s.cfg.RetryInterval, func(ctx context.Context) error {
		_, err := s.engine.RetryFailed(ctx)
		return err
	})
	s.every(ctx, JobHealth, s.cfg.HealthInterval, func(ctx context.Context) error {
		_, err := s.engine.HealthSnapshot(ctx)
		return err
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(nextDaily(time.Now(), s.cleanupAt))
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				s.run(ctx, JobCleanup, func(ctx context.Context) error {
					_, err := s.engine.Cleanup(ctx, s.retention)
					return err
				})
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
	s.logger.Info("scheduler.started",
		"dispatch_interval", s.cfg.DispatchInterval,
		"retry_interval", s.cfg.RetryInterval,
		"health_interval", s.cfg.HealthInterval,
		"cleanup_at", s.cfg.CleanupAt,
	)
}

// Stop ends all timers and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		s.logger.Warn("scheduler.job_disabled", "job", job)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(ctx, job, fn)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) run(ctx context.Context, job string, fn func(context.Context) error) {
	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobRunning):
		s.logger.Info("scheduler.job_skipped", "job", job, "reason", err)
	default:
		s.logger.Error("scheduler.job_failed", "job", job, "error", err)
	}
}

// nextDaily returns the first instant strictly after now at offset past
// midnight, in now's location.
func nextDaily(now time.Time, offset time.Duration) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(offset)
	if !next.After(now) {
		next = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(offset)
	}
	return next
}
