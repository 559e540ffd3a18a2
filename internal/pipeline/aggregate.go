package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"medallion-etl/internal/config"
	"medallion-etl/internal/logging"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Aggregate computes the gold rows for ds from the silver facts inside the
// [ds, ds+1 day) window. prior holds the gold rows of the preceding date.
func Aggregate(ds time.Time, facts []storage.NormalizedFact, prior []storage.DailyAggregate) []storage.DailyAggregate {
	ds = logicaldate.Of(ds, time.UTC)
	from, to := logicaldate.Window(ds)

	type acc struct {
		sum   decimal.Decimal
		min   decimal.Decimal
		max   decimal.Decimal
		count int64
	}
	groups := make(map[storage.SeriesKey]*acc)
	for _, fact := range facts {
		ts := fact.SourceTimestamp.UTC()
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		key := storage.SeriesKey{CoinID: fact.CoinID, Currency: fact.Currency}
		g, ok := groups[key]
		if !ok {
			groups[key] = &acc{sum: fact.Price, min: fact.Price, max: fact.Price, count: 1}
			continue
		}
		g.sum = g.sum.Add(fact.Price)
		g.min = decimal.Min(g.min, fact.Price)
		g.max = decimal.Max(g.max, fact.Price)
		g.count++
	}

	prevDate := logicaldate.Prev(ds)
	baseline := make(map[storage.SeriesKey]decimal.Decimal, len(prior))
	for _, p := range prior {
		if !logicaldate.Of(p.MetricDate, time.UTC).Equal(prevDate) {
			continue
		}
		baseline[p.Series()] = p.AvgPrice
	}

	out := make([]storage.DailyAggregate, 0, len(groups))
	for key, g := range groups {
		avg := g.sum.Div(decimal.NewFromInt(g.count))
		out = append(out, storage.DailyAggregate{
			MetricDate: ds,
			CoinID:     key.CoinID,
			Currency:   key.Currency,
			AvgPrice:   avg,
			MinPrice:   g.min,
			MaxPrice:   g.max,
			ChangePct:  changePct(avg, baseline, key),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CoinID != out[j].CoinID {
			return out[i].CoinID < out[j].CoinID
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// changePct is null without a baseline or when the baseline average is zero.
func changePct(avg decimal.Decimal, baseline map[storage.SeriesKey]decimal.Decimal, key storage.SeriesKey) decimal.NullDecimal {
	prev, ok := baseline[key]
	if !ok || prev.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(avg.Sub(prev).Div(prev).Mul(hundred))
}

// Aggregator builds daily gold metrics from silver facts.
type Aggregator struct {
	facts      storage.FactStore
	aggregates storage.AggregateStore
	logger     zerolog.Logger

	queryTimeout time.Duration
}

// NewAggregator builds the aggregation stage from configuration.
func NewAggregator(cfg *config.Config, facts storage.FactStore, aggregates storage.AggregateStore, logger zerolog.Logger) (*Aggregator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: aggregate requires configuration", config.ErrConfig)
	}
	if err := cfg.ValidateWarehouse(); err != nil {
		return nil, err
	}
	if facts == nil || aggregates == nil {
		return nil, errors.New("aggregate requires fact and aggregate stores")
	}

	return &Aggregator{
		facts:        facts,
		aggregates:   aggregates,
		logger:       logging.Component(logger, "aggregate"),
		queryTimeout: cfg.Database.QueryTimeout,
	}, nil
}

// Name implements Stage.
func (a *Aggregator) Name() string { return StageAggregate }

// Run computes and upserts gold rows for ds. Rows reports how many were written.
func (a *Aggregator) Run(ctx context.Context, ds time.Time) (StageResult, error) {
	started := time.Now()
	ds = logicaldate.Of(ds, time.UTC)
	logger := stageLogger(ctx, a.logger, StageAggregate, ds)
	result := StageResult{Stage: StageAggregate, LogicalDate: ds}

	storeCtx, cancel := withTimeout(ctx, a.queryTimeout)
	defer cancel()

	if err := a.aggregates.EnsureSchema(storeCtx); err != nil {
		return result, fmt.Errorf("%w: ensure schema: %w", ErrAggregation, err)
	}

	from, to := logicaldate.Window(ds)
	facts, err := a.facts.ListFactsBetween(storeCtx, from, to)
	if err != nil {
		return result, fmt.Errorf("%w: list facts: %w", ErrAggregation, err)
	}
	if len(facts) == 0 {
		logger.Warn().Msg("no normalized facts in window; nothing to aggregate")
		result.Skipped = true
		return result, nil
	}

	prior, err := a.aggregates.ListAggregatesForDate(storeCtx, logicaldate.Prev(ds))
	if err != nil {
		return result, fmt.Errorf("%w: load prior aggregates: %w", ErrAggregation, err)
	}

	rows := Aggregate(ds, facts, prior)
	written, err := a.aggregates.UpsertAggregates(storeCtx, rows)
	if err != nil {
		return result, fmt.Errorf("%w: upsert aggregates: %w", ErrAggregation, err)
	}

	result.Rows = written
	result.Duration = time.Since(started)
	logger.Info().
		Int("facts", len(facts)).
		Int("baselines", len(prior)).
		Int64("rows", written).
		Msg("aggregation completed")
	return result, nil
}

var _ Stage = (*Aggregator)(nil)
