// Package schedule drives the three recurring jobs (ingest, image
// backfill, image expiry) with per-job panic isolation.
package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"towncal/internal/config"
	"towncal/internal/logging"
)

// JobSet holds the three job bodies. Each runs on its own schedule and
// returns its own error; a failing run never affects the others.
type JobSet struct {
	Ingest   func(context.Context) error
	Backfill func(context.Context) error
	Expiry   func(context.Context) error
}

// Scheduler wraps the cron runner.
type Scheduler struct {
	cron *cron.Cron
}

// New registers the jobs under the configured cron specs. Invalid specs
// fail here, at startup, not at first trigger.
func New(cfg config.ScheduleConfig, jobs JobSet) (*Scheduler, error) {
	logger := cronLogger{log: logging.Logger()}
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	register := func(name, spec string, run func(context.Context) error) error {
		if run == nil {
			return nil
		}
		_, err := c.AddFunc(spec, func() {
			if err := run(context.Background()); err != nil {
				logging.Error().Str("job", name).Err(err).Msg("scheduled job failed")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
		return nil
	}

	if err := register("ingest", cfg.Ingest, jobs.Ingest); err != nil {
		return nil, err
	}
	if err := register("backfill", cfg.Backfill, jobs.Backfill); err != nil {
		return nil, err
	}
	if err := register("expiry", cfg.Expiry, jobs.Expiry); err != nil {
		return nil, err
	}
	return &Scheduler{cron: c}, nil
}

// Start begins triggering jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops triggering and returns a context that is done once any
// in-flight job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger adapts zerolog to the cron logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
