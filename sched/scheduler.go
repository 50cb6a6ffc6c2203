// Package sched runs querywatch's periodic and daily jobs with startup
// delays, failure backoff, and graceful shutdown.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/config"
	"github.com/querywatch/querywatch/metrics"
)

// Flags is the feature-flag read the scheduler gates job bodies on.
type Flags interface {
	Enabled(name string) bool
}

// Options shape the failure handling shared by all jobs.
type Options struct {
	FailureBackoff         time.Duration
	MaxFailureBackoff      time.Duration
	MaxConsecutiveFailures int
}

// Scheduler owns the job goroutines. All jobs stop when the context
// given to their start call is cancelled; Wait blocks until they have
// unwound.
type Scheduler struct {
	flags  Flags
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New builds a Scheduler.
func New(flags Flags, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{flags: flags, opts: opts, logger: logger.Named("sched")}
}

// sleep waits for d or until ctx is cancelled, whichever first.
// Reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// newBackoff builds the deterministic failure curve
// min(base * 2^(n-1), max).
func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.FailureBackoff
	b.MaxInterval = s.opts.MaxFailureBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Periodic starts a periodic job. The body is skipped (but the interval
// still respected) while the feature flag is off. Body failures follow
// the exponential backoff curve instead of the normal interval;
// success resets it.
func (s *Scheduler) Periodic(ctx context.Context, name, flag string, startupDelay, interval time.Duration, body func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.logger.With(zap.String("job", name))
		if !sleep(ctx, startupDelay) {
			return
		}
		log.Info("job started", zap.Duration("interval", interval))

		curve := s.newBackoff()
		failures := 0
		for {
			if ctx.Err() != nil {
				log.Info("job stopped")
				return
			}
			if flag != "" && !s.flags.Enabled(flag) {
				log.Debug("feature disabled, skipping run")
				if !sleep(ctx, interval) {
					return
				}
				continue
			}

			err := body(ctx)
			switch {
			case err == nil:
				failures = 0
				curve.Reset()
				if !sleep(ctx, interval) {
					log.Info("job stopped")
					return
				}
			case ctx.Err() != nil:
				log.Info("job stopped")
				return
			default:
				failures++
				metrics.JobFailures.WithLabelValues(name).Inc()
				wait := curve.NextBackOff()
				if failures >= s.opts.MaxConsecutiveFailures {
					log.Error("job failing persistently",
						zap.Int("consecutiveFailures", failures),
						zap.Duration("nextAttemptIn", wait),
						zap.Error(err))
				} else {
					log.Warn("job failed, backing off",
						zap.Int("consecutiveFailures", failures),
						zap.Duration("nextAttemptIn", wait),
						zap.Error(err))
				}
				if !sleep(ctx, wait) {
					log.Info("job stopped")
					return
				}
			}
		}
	}()
}

// DailyAt starts a job that runs once a day at the given UTC wall time.
func (s *Scheduler) DailyAt(ctx context.Context, name, flag string, at config.TimeOfDay, body func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.logger.With(zap.String("job", name))
		log.Info("daily job scheduled",
			zap.String("at", time.Date(0, 1, 1, at.Hour, at.Minute, 0, 0, time.UTC).Format("15:04")))
		for {
			next := at.Next(time.Now())
			if !sleep(ctx, time.Until(next)) {
				log.Info("job stopped")
				return
			}
			if flag != "" && !s.flags.Enabled(flag) {
				log.Debug("feature disabled, skipping run")
				continue
			}
			if err := body(ctx); err != nil {
				if ctx.Err() != nil {
					log.Info("job stopped")
					return
				}
				metrics.JobFailures.WithLabelValues(name).Inc()
				log.Warn("daily job failed", zap.Error(err))
			}
		}
	}()
}

// Wait blocks until every job has unwound or the grace period expires.
// Call after cancelling the jobs' context.
func (s *Scheduler) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period expired, abandoning jobs")
		return false
	}
}
