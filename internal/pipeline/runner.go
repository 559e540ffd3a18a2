package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medallion-etl/internal/config"
	"medallion-etl/internal/logging"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/notify"
)

// Summary describes one full run over a logical date.
type Summary struct {
	RunID       string
	LogicalDate time.Time
	Stages      []StageResult
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Completion converts the summary into the completion signal payload.
func (s Summary) Completion() notify.Completion {
	stages := make([]notify.StageSummary, 0, len(s.Stages))
	for _, st := range s.Stages {
		stages = append(stages, notify.StageSummary{Stage: st.Stage, Rows: st.Rows, Skipped: st.Skipped})
	}
	return notify.Completion{
		RunID:       s.RunID,
		LogicalDate: logicaldate.Format(s.LogicalDate),
		Stages:      stages,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
}

// Runner executes Capture, Normalize and Aggregate strictly in sequence and
// then emits the completion signal.
type Runner struct {
	stages   []Stage
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewRunner wires the three stages. notifier may be nil.
func NewRunner(capture, normalize, aggregate Stage, notifier notify.Notifier, logger zerolog.Logger) *Runner {
	return &Runner{
		stages:   []Stage{capture, normalize, aggregate},
		notifier: notifier,
		logger:   logging.Component(logger, "runner"),
	}
}

// Run processes ds once, stopping at the first failing stage.
func (r *Runner) Run(ctx context.Context, ds time.Time) (Summary, error) {
	ds = logicaldate.Of(ds, time.UTC)
	summary := Summary{
		RunID:       uuid.NewString(),
		LogicalDate: ds,
		StartedAt:   time.Now().UTC(),
	}
	ctx = WithRunID(ctx, summary.RunID)
	logger := r.logger.With().Str("run_id", summary.RunID).Str("ds", logicaldate.Format(ds)).Logger()

	logger.Info().Msg("pipeline started")
	for _, stage := range r.stages {
		result, err := stage.Run(ctx, ds)
		if err != nil {
			logger.Error().Err(err).Str("stage", stage.Name()).Msg("pipeline stage failed")
			return summary, fmt.Errorf("%s: %w", stage.Name(), err)
		}
		summary.Stages = append(summary.Stages, result)
	}
	summary.FinishedAt = time.Now().UTC()

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, summary.Completion()); err != nil {
			logger.Error().Err(err).Msg("failed to emit completion signal")
		}
	}

	logger.Info().Dur("took", summary.FinishedAt.Sub(summary.StartedAt)).Msg("pipeline complete")
	return summary, nil
}

// RunWithRetries re-invokes the whole pipeline up to retries more times with a
// fixed delay. Configuration errors are not retried.
func (r *Runner) RunWithRetries(ctx context.Context, ds time.Time, retries int, delay time.Duration) (Summary, error) {
	if retries < 0 {
		retries = 0
	}

	var summary Summary
	operation := func() error {
		var err error
		summary, err = r.Run(ctx, ds)
		if errors.Is(err, config.ErrConfig) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, next time.Duration) {
		r.logger.Warn().Err(err).Str("ds", logicaldate.Format(ds)).Dur("retry_in", next).Msg("pipeline run failed; retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)), ctx)
	err := backoff.RetryNotify(operation, policy, onRetry)
	return summary, err
}
