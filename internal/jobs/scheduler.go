// Package jobs runs periodic maintenance for the API process
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler wraps a cron runner that logs through zerolog and recovers
// panicking jobs
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
}

// SchedulePrune runs PruneJob on spec, a standard cron expression or a
// descriptor such as "@every 10m"
func (s *Scheduler) SchedulePrune(spec string, p Pruner, maxAge time.Duration) error {
	if maxAge <= 0 {
		return errors.New("prune max age must be positive")
	}
	id, err := s.cron.AddFunc(spec, PruneJob(p, maxAge, s.logger))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", TaskPruneCache, err)
	}
	s.logger.Info().Str("task", TaskPruneCache).Str("schedule", spec).Dur("max_age", maxAge).Int("entry_id", int(id)).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneJob returns a cron job that prunes p once per run
func PruneJob(p Pruner, maxAge time.Duration, logger zerolog.Logger) func() {
	return func() {
		start := time.Now()
		n := p.PruneExpired(maxAge)
		logger.Info().
			Str("task", TaskPruneCache).
			Int("removed", n).
			Dur("took", time.Since(start)).
			Msg("cache pruned")
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
