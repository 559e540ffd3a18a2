package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const defaultBatchSize = 100

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	createBronzeSQL = `CREATE TABLE IF NOT EXISTS %s (
        logical_date DATE PRIMARY KEY,
        raw_payload  JSONB NOT NULL,
        captured_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createSilverSQL = `CREATE TABLE IF NOT EXISTS %s (
        coin_id          TEXT NOT NULL,
        vs_currency      TEXT NOT NULL,
        price            NUMERIC NOT NULL,
        source_timestamp TIMESTAMPTZ NOT NULL,
        processed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (coin_id, vs_currency, source_timestamp)
    );`

	createSilverIndexSQL = `CREATE INDEX IF NOT EXISTS %s ON %s (source_timestamp);`

	createGoldSQL = `CREATE TABLE IF NOT EXISTS %s (
        metric_date DATE NOT NULL,
        coin_id     TEXT NOT NULL,
        vs_currency TEXT NOT NULL,
        avg_price   NUMERIC,
        min_price   NUMERIC,
        max_price   NUMERIC,
        change_pct  NUMERIC,
        PRIMARY KEY (metric_date, coin_id, vs_currency)
    );`

	captureConflictSQL = `ON CONFLICT (logical_date) DO NOTHING`

	factConflictSQL = `ON CONFLICT (coin_id, vs_currency, source_timestamp) DO UPDATE
    SET
        price        = EXCLUDED.price,
        processed_at = EXCLUDED.processed_at`

	aggregateConflictSQL = `ON CONFLICT (metric_date, coin_id, vs_currency) DO UPDATE
    SET
        avg_price  = EXCLUDED.avg_price,
        min_price  = EXCLUDED.min_price,
        max_price  = EXCLUDED.max_price,
        change_pct = EXCLUDED.change_pct`
)

var aggregateColumns = []string{
	"metric_date",
	"coin_id",
	"vs_currency",
	"avg_price::text",
	"min_price::text",
	"max_price::text",
	"change_pct::text",
}

// SchemaManager creates the layer tables when absent.
type SchemaManager interface {
	EnsureSchema(ctx context.Context) error
}

// RawCaptureStore defines bronze layer persistence.
type RawCaptureStore interface {
	SchemaManager
	InsertRawCapture(ctx context.Context, capture RawCapture) (bool, error)
	GetRawCapture(ctx context.Context, logicalDate time.Time) (RawCapture, error)
}

// FactStore defines silver layer persistence.
type FactStore interface {
	SchemaManager
	UpsertFacts(ctx context.Context, facts []NormalizedFact) (int64, error)
	ListFactsBetween(ctx context.Context, from, to time.Time) ([]NormalizedFact, error)
}

// AggregateStore defines gold layer persistence.
type AggregateStore interface {
	SchemaManager
	ListAggregatesForDate(ctx context.Context, metricDate time.Time) ([]DailyAggregate, error)
	UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) (int64, error)
}

// AggregateReader serves the reporting commands.
type AggregateReader interface {
	ListAggregatesForDate(ctx context.Context, metricDate time.Time) ([]DailyAggregate, error)
	ListRecentAggregates(ctx context.Context, limit int) ([]DailyAggregate, error)
	ListAggregatesBetween(ctx context.Context, from, to time.Time, series *SeriesKey) ([]DailyAggregate, error)
}

// Options name the layer tables. Names may be schema qualified.
type Options struct {
	BronzeTable string
	SilverTable string
	GoldTable   string
	BatchSize   int
}

// Store gives access to the bronze, silver and gold tables.
type Store struct {
	pool      *pgxpool.Pool
	bronze    string
	silver    string
	silverIdx string
	gold      string
	batchSize int
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, opts Options) *Store {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Store{
		pool:      pool,
		bronze:    quoteTable(opts.BronzeTable),
		silver:    quoteTable(opts.SilverTable),
		silverIdx: pgx.Identifier{indexName(opts.SilverTable, "source_ts_idx")}.Sanitize(),
		gold:      quoteTable(opts.GoldTable),
		batchSize: batch,
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the three layer tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf(createBronzeSQL, s.bronze),
		fmt.Sprintf(createSilverSQL, s.silver),
		fmt.Sprintf(createSilverIndexSQL, s.silverIdx, s.silver),
		fmt.Sprintf(createGoldSQL, s.gold),
	}
	for _, stmt := range statements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// InsertRawCapture stores the payload for a logical date. It reports false
// when a capture for that date already exists; the existing row is kept.
func (s *Store) InsertRawCapture(ctx context.Context, capture RawCapture) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	query, args, err := psql.Insert(s.bronze).
		Columns("logical_date", "raw_payload", "captured_at").
		Values(capture.LogicalDate, []byte(capture.Payload), capture.CapturedAt).
		Suffix(captureConflictSQL).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build raw capture insert: %w", err)
	}

	tag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return false, fmt.Errorf("insert raw capture: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRawCapture loads the capture for a logical date or ErrNotFound.
func (s *Store) GetRawCapture(ctx context.Context, logicalDate time.Time) (RawCapture, error) {
	pool, err := s.getPool()
	if err != nil {
		return RawCapture{}, err
	}

	query, args, err := psql.Select("logical_date", "raw_payload", "captured_at").
		From(s.bronze).
		Where(sq.Eq{"logical_date": logicalDate}).
		ToSql()
	if err != nil {
		return RawCapture{}, fmt.Errorf("build raw capture select: %w", err)
	}

	var (
		rec     RawCapture
		payload []byte
	)
	scanErr := pool.QueryRow(ctx, query, args...).Scan(&rec.LogicalDate, &payload, &rec.CapturedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return RawCapture{}, ErrNotFound
	}
	if scanErr != nil {
		return RawCapture{}, fmt.Errorf("get raw capture: %w", scanErr)
	}
	rec.Payload = payload
	rec.CapturedAt = rec.CapturedAt.UTC()
	return rec, nil
}

// UpsertFacts writes facts in chunks inside one transaction. Conflicting keys
// overwrite price and processed_at.
func (s *Store) UpsertFacts(ctx context.Context, facts []NormalizedFact) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}

	var affected int64
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for start := 0; start < len(facts); start += s.batchSize {
			end := min(start+s.batchSize, len(facts))

			insert := psql.Insert(s.silver).
				Columns("coin_id", "vs_currency", "price", "source_timestamp", "processed_at")
			for _, fact := range facts[start:end] {
				insert = insert.Values(
					fact.CoinID,
					fact.Currency,
					fact.Price.String(),
					fact.SourceTimestamp,
					fact.ProcessedAt,
				)
			}

			query, args, buildErr := insert.Suffix(factConflictSQL).ToSql()
			if buildErr != nil {
				return fmt.Errorf("build fact upsert: %w", buildErr)
			}
			tag, execErr := tx.Exec(ctx, query, args...)
			if execErr != nil {
				return fmt.Errorf("upsert facts: %w", execErr)
			}
			affected += tag.RowsAffected()
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return affected, nil
}

// ListFactsBetween lists facts whose source timestamp lies in [from, to).
func (s *Store) ListFactsBetween(ctx context.Context, from, to time.Time) ([]NormalizedFact, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args, err := psql.Select("coin_id", "vs_currency", "price::text", "source_timestamp", "processed_at").
		From(s.silver).
		Where(sq.GtOrEq{"source_timestamp": from}).
		Where(sq.Lt{"source_timestamp": to}).
		OrderBy("coin_id", "vs_currency", "source_timestamp").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fact select: %w", err)
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list facts between: %w", queryErr)
	}
	defer rows.Close()

	facts := make([]NormalizedFact, 0)
	for rows.Next() {
		var (
			fact     NormalizedFact
			priceStr string
		)
		if scanErr := rows.Scan(&fact.CoinID, &fact.Currency, &priceStr, &fact.SourceTimestamp, &fact.ProcessedAt); scanErr != nil {
			return nil, scanErr
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		fact.Price = price
		facts = append(facts, fact)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return facts, nil
}

// UpsertAggregates writes gold rows inside one transaction, overwriting every
// derived column on conflict.
func (s *Store) UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(aggregates) == 0 {
		return 0, nil
	}

	var affected int64
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for start := 0; start < len(aggregates); start += s.batchSize {
			end := min(start+s.batchSize, len(aggregates))

			insert := psql.Insert(s.gold).
				Columns("metric_date", "coin_id", "vs_currency", "avg_price", "min_price", "max_price", "change_pct")
			for _, agg := range aggregates[start:end] {
				var change interface{}
				if agg.ChangePct.Valid {
					change = agg.ChangePct.Decimal.String()
				}
				insert = insert.Values(
					agg.MetricDate,
					agg.CoinID,
					agg.Currency,
					agg.AvgPrice.String(),
					agg.MinPrice.String(),
					agg.MaxPrice.String(),
					change,
				)
			}

			query, args, buildErr := insert.Suffix(aggregateConflictSQL).ToSql()
			if buildErr != nil {
				return fmt.Errorf("build aggregate upsert: %w", buildErr)
			}
			tag, execErr := tx.Exec(ctx, query, args...)
			if execErr != nil {
				return fmt.Errorf("upsert aggregates: %w", execErr)
			}
			affected += tag.RowsAffected()
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return affected, nil
}

// ListAggregatesForDate lists gold rows for one metric date.
func (s *Store) ListAggregatesForDate(ctx context.Context, metricDate time.Time) ([]DailyAggregate, error) {
	builder := psql.Select(aggregateColumns...).
		From(s.gold).
		Where(sq.Eq{"metric_date": metricDate}).
		OrderBy("coin_id", "vs_currency")
	return s.queryAggregates(ctx, builder, "list aggregates for date")
}

// ListRecentAggregates lists the most recent gold rows, newest first.
func (s *Store) ListRecentAggregates(ctx context.Context, limit int) ([]DailyAggregate, error) {
	builder := psql.Select(aggregateColumns...).
		From(s.gold).
		OrderBy("metric_date DESC", "coin_id", "vs_currency").
		Limit(uint64(limit))
	return s.queryAggregates(ctx, builder, "list recent aggregates")
}

// ListAggregatesBetween lists gold rows with metric_date in [from, to),
// optionally restricted to one series.
func (s *Store) ListAggregatesBetween(ctx context.Context, from, to time.Time, series *SeriesKey) ([]DailyAggregate, error) {
	builder := psql.Select(aggregateColumns...).
		From(s.gold).
		Where(sq.GtOrEq{"metric_date": from}).
		Where(sq.Lt{"metric_date": to}).
		OrderBy("metric_date", "coin_id", "vs_currency")
	if series != nil {
		builder = builder.Where(sq.Eq{"coin_id": series.CoinID, "vs_currency": series.Currency})
	}
	return s.queryAggregates(ctx, builder, "list aggregates between")
}

func (s *Store) queryAggregates(ctx context.Context, builder sq.SelectBuilder, op string) ([]DailyAggregate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	aggregates := make([]DailyAggregate, 0)
	for rows.Next() {
		agg, scanErr := scanAggregate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		aggregates = append(aggregates, agg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return aggregates, nil
}

func scanAggregate(rows pgx.Rows) (DailyAggregate, error) {
	var (
		agg       DailyAggregate
		avgStr    sql.NullString
		minStr    sql.NullString
		maxStr    sql.NullString
		changeStr sql.NullString
	)

	if err := rows.Scan(
		&agg.MetricDate,
		&agg.CoinID,
		&agg.Currency,
		&avgStr,
		&minStr,
		&maxStr,
		&changeStr,
	); err != nil {
		return DailyAggregate{}, err
	}

	var err error
	if agg.AvgPrice, err = parseNullDecimal(avgStr); err != nil {
		return DailyAggregate{}, fmt.Errorf("parse avg price: %w", err)
	}
	if agg.MinPrice, err = parseNullDecimal(minStr); err != nil {
		return DailyAggregate{}, fmt.Errorf("parse min price: %w", err)
	}
	if agg.MaxPrice, err = parseNullDecimal(maxStr); err != nil {
		return DailyAggregate{}, fmt.Errorf("parse max price: %w", err)
	}
	if changeStr.Valid {
		change, convErr := decimal.NewFromString(changeStr.String)
		if convErr != nil {
			return DailyAggregate{}, fmt.Errorf("parse change pct: %w", convErr)
		}
		agg.ChangePct = decimal.NewNullDecimal(change)
	}

	return agg, nil
}

func parseNullDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

func quoteTable(name string) string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	return pgx.Identifier(parts).Sanitize()
}

func indexName(table, suffix string) string {
	parts := strings.Split(strings.TrimSpace(table), ".")
	return parts[len(parts)-1] + "_" + suffix
}

var (
	_ RawCaptureStore = (*Store)(nil)
	_ FactStore       = (*Store)(nil)
	_ AggregateStore  = (*Store)(nil)
	_ AggregateReader = (*Store)(nil)
)
