package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion-etl/internal/config"
	"medallion-etl/internal/storage"
)

func fact(coin, currency, price string, ts time.Time) storage.NormalizedFact {
	return storage.NormalizedFact{
		CoinID:          coin,
		Currency:        currency,
		Price:           decimal.RequireFromString(price),
		SourceTimestamp: ts,
		ProcessedAt:     ts,
	}
}

func prior(date time.Time, coin, currency, avg string) storage.DailyAggregate {
	p := decimal.RequireFromString(avg)
	return storage.DailyAggregate{MetricDate: date, CoinID: coin, Currency: currency, AvgPrice: p, MinPrice: p, MaxPrice: p}
}

func TestAggregateWithoutBaselineHasNullChange(t *testing.T) {
	ds := mustDate("2025-12-10")
	rows := Aggregate(ds, []storage.NormalizedFact{fact("eth", "usd", "110", ds.Add(time.Hour))}, nil)

	require.Len(t, rows, 1)
	assert.False(t, rows[0].ChangePct.Valid)
	assert.True(t, rows[0].AvgPrice.Equal(decimal.NewFromInt(110)))
}

func TestAggregateChangeAgainstPriorDay(t *testing.T) {
	ds := mustDate("2025-12-10")
	rows := Aggregate(ds,
		[]storage.NormalizedFact{fact("eth", "usd", "110", ds.Add(time.Hour))},
		[]storage.DailyAggregate{prior(ds.AddDate(0, 0, -1), "eth", "usd", "100")},
	)

	require.Len(t, rows, 1)
	require.True(t, rows[0].ChangePct.Valid)
	assert.True(t, rows[0].ChangePct.Decimal.Equal(decimal.RequireFromString("10.0")), rows[0].ChangePct.Decimal.String())
}

func TestAggregateZeroBaselineIsNull(t *testing.T) {
	ds := mustDate("2025-12-10")
	rows := Aggregate(ds,
		[]storage.NormalizedFact{fact("eth", "usd", "110", ds.Add(time.Hour))},
		[]storage.DailyAggregate{prior(ds.AddDate(0, 0, -1), "eth", "usd", "0")},
	)

	require.Len(t, rows, 1)
	assert.False(t, rows[0].ChangePct.Valid)
}

func TestAggregateIgnoresStaleOrFutureBaselines(t *testing.T) {
	ds := mustDate("2025-12-10")
	rows := Aggregate(ds,
		[]storage.NormalizedFact{fact("eth", "usd", "110", ds.Add(time.Hour))},
		[]storage.DailyAggregate{
			prior(ds.AddDate(0, 0, -2), "eth", "usd", "50"),
			prior(ds.AddDate(0, 0, 1), "eth", "usd", "200"),
			prior(ds.AddDate(0, 0, -1), "eth", "eur", "100"),
		},
	)

	require.Len(t, rows, 1)
	assert.False(t, rows[0].ChangePct.Valid)
}

func TestAggregateStatisticsAndWindow(t *testing.T) {
	ds := mustDate("2025-12-10")
	facts := []storage.NormalizedFact{
		fact("btc", "usd", "100", ds),
		fact("btc", "usd", "200", ds.Add(6*time.Hour)),
		fact("btc", "usd", "150", ds.Add(23*time.Hour+59*time.Minute)),
		fact("btc", "usd", "9999", ds.AddDate(0, 0, 1)),
		fact("btc", "usd", "1", ds.Add(-time.Second)),
		fact("btc", "eur", "90", ds.Add(time.Hour)),
	}
	rows := Aggregate(ds, facts, nil)

	require.Len(t, rows, 2)
	assert.Equal(t, "eur", rows[0].Currency)
	assert.Equal(t, "usd", rows[1].Currency)

	usd := rows[1]
	assert.True(t, usd.AvgPrice.Equal(decimal.NewFromInt(150)), usd.AvgPrice.String())
	assert.True(t, usd.MinPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, usd.MaxPrice.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, ds, usd.MetricDate)
}

func TestAggregatorRunUsesStoredBaseline(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	_, err := store.UpsertAggregates(context.Background(), []storage.DailyAggregate{prior(ds.AddDate(0, 0, -1), "eth", "usd", "100")})
	require.NoError(t, err)
	_, err = store.UpsertFacts(context.Background(), []storage.NormalizedFact{
		fact("eth", "usd", "105", ds.Add(time.Hour)),
		fact("eth", "usd", "115", ds.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	agg, err := NewAggregator(testConfig(), store, store, nopLogger())
	require.NoError(t, err)

	res, err := agg.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rows)

	row, ok := store.aggregate(ds, "eth", "usd")
	require.True(t, ok)
	assert.True(t, row.AvgPrice.Equal(decimal.NewFromInt(110)))
	require.True(t, row.ChangePct.Valid)
	assert.True(t, row.ChangePct.Decimal.Equal(decimal.NewFromInt(10)))

	again, err := agg.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, res.Rows, again.Rows)

	rerun, ok := store.aggregate(ds, "eth", "usd")
	require.True(t, ok)
	assert.Equal(t, row, rerun)
	_, _, aggregates := store.counts()
	assert.Equal(t, 2, aggregates)
}

func TestAggregatorNoFacts(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testConfig(), store, store, nopLogger())
	require.NoError(t, err)

	res, err := agg.Run(context.Background(), mustDate("2025-12-10"))
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.True(t, res.Skipped)

	_, _, aggregates := store.counts()
	assert.Zero(t, aggregates)
}

func TestAggregatorWrapsStoreErrors(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	_, err := store.UpsertFacts(context.Background(), []storage.NormalizedFact{fact("eth", "usd", "1", ds.Add(time.Hour))})
	require.NoError(t, err)
	store.failAggregates = errors.New("deadlock detected")

	agg, err := NewAggregator(testConfig(), store, store, nopLogger())
	require.NoError(t, err)

	_, err = agg.Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrAggregation)
}

func TestNewAggregatorConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.Warehouse.GoldTable = " "
	_, err := NewAggregator(cfg, newMemStore(), newMemStore(), nopLogger())
	assert.ErrorIs(t, err, config.ErrConfig)
}
