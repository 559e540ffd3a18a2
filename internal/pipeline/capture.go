package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"medallion-etl/internal/config"
	"medallion-etl/internal/fetcher"
	"medallion-etl/internal/logging"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

// Capture fetches one price snapshot and stores it unmodified in the bronze
// layer, keyed by logical date.
type Capture struct {
	source fetcher.PriceSource
	store  storage.RawCaptureStore
	logger zerolog.Logger

	coins          []string
	currencies     []string
	rateLimitDelay time.Duration
	retryDelay     time.Duration
	attempts       int
	queryTimeout   time.Duration
	now            func() time.Time
}

// NewCapture builds the capture stage from configuration.
func NewCapture(cfg *config.Config, source fetcher.PriceSource, store storage.RawCaptureStore, logger zerolog.Logger) (*Capture, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: capture requires configuration", config.ErrConfig)
	}
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateRetry(); err != nil {
		return nil, err
	}
	if source == nil || store == nil {
		return nil, errors.New("capture requires a price source and a raw capture store")
	}

	return &Capture{
		source:         source,
		store:          store,
		logger:         logging.Component(logger, "capture"),
		coins:          cfg.CoinIDs(),
		currencies:     cfg.Currencies(),
		rateLimitDelay: cfg.Source.RateLimitDelay,
		retryDelay:     cfg.Pipeline.RetryDelay,
		attempts:       cfg.Pipeline.RetryAttempts,
		queryTimeout:   cfg.Database.QueryTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name implements Stage.
func (c *Capture) Name() string { return StageCapture }

// Run captures prices for ds. A capture that already exists for ds is left
// untouched and reported with zero rows.
func (c *Capture) Run(ctx context.Context, ds time.Time) (StageResult, error) {
	started := time.Now()
	ds = logicaldate.Of(ds, time.UTC)
	logger := stageLogger(ctx, c.logger, StageCapture, ds)
	result := StageResult{Stage: StageCapture, LogicalDate: ds}

	logger.Info().Strs("coins", c.coins).Strs("currencies", c.currencies).Msg("starting capture")

	payload, err := c.fetch(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("capture failed")
		return result, err
	}

	storeCtx, cancel := withTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.store.EnsureSchema(storeCtx); err != nil {
		return result, fmt.Errorf("capture %s: %w", logicaldate.Format(ds), err)
	}

	inserted, err := c.store.InsertRawCapture(storeCtx, storage.RawCapture{
		LogicalDate: ds,
		Payload:     payload,
		CapturedAt:  c.now(),
	})
	if err != nil {
		return result, fmt.Errorf("capture %s: %w", logicaldate.Format(ds), err)
	}

	result.Duration = time.Since(started)
	if inserted {
		result.Rows = 1
		logger.Info().Int("bytes", len(payload)).Msg("raw capture stored")
	} else {
		logger.Info().Msg("raw capture already exists; skipping")
	}
	return result, nil
}

func (c *Capture) fetch(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
	if err := sleepContext(ctx, c.rateLimitDelay); err != nil {
		return nil, err
	}

	var (
		payload json.RawMessage
		attempt int
	)
	operation := func() error {
		attempt++
		body, err := c.source.FetchSimplePrice(ctx, c.coins, c.currencies)
		if err != nil {
			return err
		}
		payload = body
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Dur("retry_in", next).
			Msg("price request failed; retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("capture interrupted after %d attempts: %w", attempt, ctxErr)
		}
		return nil, fmt.Errorf("%w: %d of %d attempts failed: %w", ErrSourceUnavailable, attempt, c.attempts, err)
	}

	logger.Debug().Int("attempt", attempt).Msg("price request succeeded")
	return payload, nil
}

var _ Stage = (*Capture)(nil)
