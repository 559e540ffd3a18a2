package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"medallion-etl/internal/logging"
	"medallion-etl/internal/logicaldate"
)

// TickFunc is invoked with the logical date of each trigger.
type TickFunc func(ctx context.Context, logicalDate time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Spec       string
	Timezone   string
	RunOnStart bool
}

// Scheduler triggers the daily pipeline on a cron expression.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates the cron expression and timezone.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	loc := time.UTC
	if opts.Timezone != "" {
		parsed, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load scheduler timezone %q: %w", opts.Timezone, err)
		}
		loc = parsed
	}

	schedule, err := cron.ParseStandard(opts.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", opts.Spec, err)
	}

	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		location: loc,
		logger:   logging.Component(logger, "scheduler"),
		now:      time.Now,
	}, nil
}

// LogicalDate is the calendar date, in the scheduler timezone, of a trigger instant.
func (s *Scheduler) LogicalDate(fired time.Time) time.Time {
	return logicaldate.Of(fired, s.location)
}

// Next returns the next trigger instant after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

// Run blocks, invoking tick on every trigger until ctx is cancelled. A trigger
// that fires while the previous tick is still running is skipped.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{logger: s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})),
	)

	job := cron.FuncJob(func() {
		s.execute(ctx, tick, s.now())
	})
	c.Schedule(s.schedule, job)

	if s.opts.RunOnStart {
		s.execute(ctx, tick, s.now())
	}

	c.Start()
	s.logger.Info().
		Str("cron", s.opts.Spec).
		Str("timezone", s.location.String()).
		Time("next_run", s.Next(s.now())).
		Msg("scheduler started")

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, fired time.Time) {
	if ctx.Err() != nil {
		return
	}
	ds := s.LogicalDate(fired)
	logger := s.logger.With().Str("ds", logicaldate.Format(ds)).Logger()
	logger.Info().Msg("executing scheduled run")
	if err := tick(ctx, ds); err != nil {
		logger.Error().Err(err).Msg("scheduled run failed")
		return
	}
	logger.Info().Time("next_run", s.Next(s.now())).Msg("scheduled run finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
