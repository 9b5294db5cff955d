package pipeline

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"gaetl/internal/logging"
)

// Scheduler runs a job on a standard five-field cron spec. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	Spec string
	Job  func(ctx context.Context) error

	// Options are passed to cron.New after the defaults.
	Options []cron.Option
}

// Run blocks until ctx is done, then waits for an in-flight job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return fmt.Errorf("schedule %q: %w", s.Spec, err)
	}
	if s.Job == nil {
		return fmt.Errorf("schedule %q: no job", s.Spec)
	}

	logger := cronLogger{log: logging.Logger()}
	opts := append([]cron.Option{
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}, s.Options...)
	c := cron.New(opts...)

	_, err := c.AddFunc(s.Spec, func() {
		runCtx := logging.WithRunID(ctx, logging.NewRunID())
		if err := s.Job(runCtx); err != nil {
			logging.Ctx(runCtx).Error().Err(err).Msg("scheduled run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.Spec, err)
	}

	c.Start()
	logging.Info().Str("schedule", s.Spec).Msg("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	logging.Info().Msg("scheduler stopped")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
