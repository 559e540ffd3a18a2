package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medallion-etl/internal/config"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

// memStore mimics the uniqueness constraints of the three layer tables.
type memStore struct {
	mu         sync.Mutex
	raw        map[time.Time]storage.RawCapture
	facts      map[storage.FactKey]storage.NormalizedFact
	aggregates map[aggKey]storage.DailyAggregate

	failFacts      error
	failAggregates error
}

type aggKey struct {
	date   time.Time
	series storage.SeriesKey
}

func newMemStore() *memStore {
	return &memStore{
		raw:        make(map[time.Time]storage.RawCapture),
		facts:      make(map[storage.FactKey]storage.NormalizedFact),
		aggregates: make(map[aggKey]storage.DailyAggregate),
	}
}

func (m *memStore) EnsureSchema(ctx context.Context) error { return nil }

func (m *memStore) InsertRawCapture(ctx context.Context, c storage.RawCapture) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.raw[c.LogicalDate]; ok {
		return false, nil
	}
	m.raw[c.LogicalDate] = c
	return true, nil
}

func (m *memStore) GetRawCapture(ctx context.Context, ds time.Time) (storage.RawCapture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.raw[ds]
	if !ok {
		return storage.RawCapture{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) UpsertFacts(ctx context.Context, facts []storage.NormalizedFact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFacts != nil {
		return 0, m.failFacts
	}
	for _, f := range facts {
		m.facts[f.Key()] = f
	}
	return int64(len(facts)), nil
}

func (m *memStore) ListFactsBetween(ctx context.Context, from, to time.Time) ([]storage.NormalizedFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFacts != nil {
		return nil, m.failFacts
	}
	out := make([]storage.NormalizedFact, 0)
	for _, f := range m.facts {
		ts := f.SourceTimestamp.UTC()
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CoinID != out[j].CoinID {
			return out[i].CoinID < out[j].CoinID
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (m *memStore) ListAggregatesForDate(ctx context.Context, date time.Time) ([]storage.DailyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAggregates != nil {
		return nil, m.failAggregates
	}
	out := make([]storage.DailyAggregate, 0)
	for k, a := range m.aggregates {
		if k.date.Equal(date) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpsertAggregates(ctx context.Context, aggs []storage.DailyAggregate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAggregates != nil {
		return 0, m.failAggregates
	}
	for _, a := range aggs {
		m.aggregates[aggKey{date: a.MetricDate, series: a.Series()}] = a
	}
	return int64(len(aggs)), nil
}

func (m *memStore) aggregate(date time.Time, coin, currency string) (storage.DailyAggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aggregates[aggKey{date: date, series: storage.SeriesKey{CoinID: coin, Currency: currency}}]
	return a, ok
}

func (m *memStore) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw), len(m.facts), len(m.aggregates)
}

// staticSource returns scripted responses and records call times.
type staticSource struct {
	mu      sync.Mutex
	payload json.RawMessage
	errs    []error
	calls   []time.Time
}

func (s *staticSource) FetchSimplePrice(ctx context.Context, coins, currencies []string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.payload, nil
}

func (s *staticSource) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func testConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			BaseURL:      "http://coingecko.test/api/v3",
			Endpoints:    config.EndpointsConfig{SimplePrice: "/simple/price"},
			Coins:        []config.CoinConfig{{ID: "bitcoin"}, {ID: "ethereum"}},
			VSCurrencies: []string{"usd", "eur"},
		},
		Pipeline: config.PipelineConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Millisecond,
		},
		Warehouse: config.WarehouseConfig{
			BronzeTable: "bronze_raw_prices",
			SilverTable: "silver_clean_prices",
			GoldTable:   "gold_daily_metrics",
			BatchSize:   100,
		},
		Database: config.DatabaseConfig{QueryTimeout: time.Second},
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func mustDate(s string) time.Time {
	ds, err := logicaldate.Parse(s)
	if err != nil {
		panic(err)
	}
	return ds
}
