package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"medallion-etl/internal/logicaldate"
)

// Stage names.
const (
	StageCapture   = "capture"
	StageNormalize = "normalize"
	StageAggregate = "aggregate"
)

// Stage is one idempotent layer transformation for a logical date.
type Stage interface {
	Name() string
	Run(ctx context.Context, logicalDate time.Time) (StageResult, error)
}

// StageResult reports what a stage wrote.
type StageResult struct {
	Stage       string
	LogicalDate time.Time
	Rows        int64
	Skipped     bool
	Duration    time.Duration
}

type runIDKey struct{}

// WithRunID attaches a run identifier that stage logs will carry.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run identifier attached to ctx, if any.
func RunIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

func stageLogger(ctx context.Context, base zerolog.Logger, stage string, ds time.Time) zerolog.Logger {
	builder := base.With().Str("stage", stage).Str("ds", logicaldate.Format(ds))
	if id, ok := RunIDFrom(ctx); ok {
		builder = builder.Str("run_id", id)
	}
	return builder.Logger()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
