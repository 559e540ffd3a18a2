package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"medallion-etl/internal/config"
	"medallion-etl/internal/logging"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/storage"
)

// SkipReason classifies a (coin, currency) pair excluded from the silver layer.
type SkipReason string

const (
	SkipMissingCurrency SkipReason = "missing_currency"
	SkipBadPrice        SkipReason = "bad_price"
	SkipMalformedCoin   SkipReason = "malformed_coin"
	SkipUntrackedCoin   SkipReason = "untracked_coin"
)

// Skip records one excluded pair. Skips are diagnostics, never errors.
type Skip struct {
	CoinID   string
	Currency string
	Reason   SkipReason
	Detail   string
}

// FlattenResult holds the facts and skips produced from one payload.
type FlattenResult struct {
	Facts []storage.NormalizedFact
	Skips []Skip
}

// Flatten turns a simple-price payload into facts. Only tracked coins present
// in the payload are considered; for each configured currency a fact is emitted
// when the value parses as a decimal.
func Flatten(payload json.RawMessage, coins, currencies []string, sourceTS, processedAt time.Time) (FlattenResult, error) {
	var byCoin map[string]json.RawMessage
	if err := json.Unmarshal(payload, &byCoin); err != nil {
		return FlattenResult{}, fmt.Errorf("decode raw payload: %w", err)
	}

	var result FlattenResult
	tracked := make(map[string]struct{}, len(coins))
	for _, coin := range coins {
		if _, dup := tracked[coin]; dup {
			continue
		}
		tracked[coin] = struct{}{}

		raw, ok := byCoin[coin]
		if !ok {
			continue
		}

		var prices map[string]json.RawMessage
		if err := json.Unmarshal(raw, &prices); err != nil || prices == nil {
			result.Skips = append(result.Skips, Skip{CoinID: coin, Reason: SkipMalformedCoin, Detail: "coin entry is not an object"})
			continue
		}

		for _, currency := range currencies {
			value, ok := prices[currency]
			if !ok {
				result.Skips = append(result.Skips, Skip{CoinID: coin, Currency: currency, Reason: SkipMissingCurrency})
				continue
			}
			price, err := parsePrice(value)
			if err != nil {
				result.Skips = append(result.Skips, Skip{CoinID: coin, Currency: currency, Reason: SkipBadPrice, Detail: err.Error()})
				continue
			}
			result.Facts = append(result.Facts, storage.NormalizedFact{
				CoinID:          coin,
				Currency:        currency,
				Price:           price,
				SourceTimestamp: sourceTS,
				ProcessedAt:     processedAt,
			})
		}
	}

	untracked := make([]string, 0)
	for coin := range byCoin {
		if _, ok := tracked[coin]; !ok {
			untracked = append(untracked, coin)
		}
	}
	sort.Strings(untracked)
	for _, coin := range untracked {
		result.Skips = append(result.Skips, Skip{CoinID: coin, Reason: SkipUntrackedCoin})
	}

	return result, nil
}

// parsePrice accepts JSON numbers and numeric strings.
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Decimal{}, errors.New("empty value")
	}

	text := string(raw)
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, err
		}
		text = strings.TrimSpace(s)
	case '{', '[', 'n', 't', 'f':
		return decimal.Decimal{}, fmt.Errorf("non-numeric value %s", text)
	}

	price, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("non-numeric value %q", text)
	}
	if !fitsNumeric(price) {
		return decimal.Decimal{}, fmt.Errorf("value %q out of storable range", text)
	}
	return price, nil
}

// Postgres NUMERIC limits.
const (
	maxIntegerDigits  = 131072
	maxFractionDigits = 16383
)

// fitsNumeric reports whether d can be stored in an unconstrained NUMERIC column.
func fitsNumeric(d decimal.Decimal) bool {
	exp := int64(d.Exponent())
	if exp < -maxFractionDigits {
		return false
	}
	digits := int64(len(new(big.Int).Abs(d.Coefficient()).String()))
	return digits+exp <= maxIntegerDigits
}

// Normalizer flattens the bronze capture for a date into silver facts.
type Normalizer struct {
	raw    storage.RawCaptureStore
	facts  storage.FactStore
	logger zerolog.Logger

	coins        []string
	currencies   []string
	queryTimeout time.Duration
	now          func() time.Time
}

// NewNormalizer builds the normalization stage from configuration.
func NewNormalizer(cfg *config.Config, raw storage.RawCaptureStore, facts storage.FactStore, logger zerolog.Logger) (*Normalizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: normalize requires configuration", config.ErrConfig)
	}
	if len(cfg.CoinIDs()) == 0 {
		return nil, fmt.Errorf("%w: source.coins must list at least one coin id", config.ErrConfig)
	}
	if raw == nil || facts == nil {
		return nil, errors.New("normalize requires raw capture and fact stores")
	}

	return &Normalizer{
		raw:          raw,
		facts:        facts,
		logger:       logging.Component(logger, "normalize"),
		coins:        cfg.CoinIDs(),
		currencies:   cfg.Currencies(),
		queryTimeout: cfg.Database.QueryTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name implements Stage.
func (n *Normalizer) Name() string { return StageNormalize }

// Run normalizes the capture for ds. A missing capture is not an error.
func (n *Normalizer) Run(ctx context.Context, ds time.Time) (StageResult, error) {
	started := time.Now()
	ds = logicaldate.Of(ds, time.UTC)
	logger := stageLogger(ctx, n.logger, StageNormalize, ds)
	result := StageResult{Stage: StageNormalize, LogicalDate: ds}

	storeCtx, cancel := withTimeout(ctx, n.queryTimeout)
	defer cancel()

	if err := n.raw.EnsureSchema(storeCtx); err != nil {
		return result, fmt.Errorf("normalize %s: %w", logicaldate.Format(ds), err)
	}

	capture, err := n.raw.GetRawCapture(storeCtx, ds)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info().Msg("no raw capture found; nothing to normalize")
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("normalize %s: %w", logicaldate.Format(ds), err)
	}

	flat, err := Flatten(capture.Payload, n.coins, n.currencies, capture.CapturedAt, n.now())
	if err != nil {
		return result, fmt.Errorf("normalize %s: %w", logicaldate.Format(ds), err)
	}
	logSkips(logger, flat.Skips)

	if len(flat.Facts) == 0 {
		logger.Warn().Int("skipped", len(flat.Skips)).Msg("no valid facts produced after cleaning")
		result.Skipped = true
		return result, nil
	}

	logger.Info().Int("facts", len(flat.Facts)).Msg("upserting normalized facts")

	written, err := n.facts.UpsertFacts(storeCtx, flat.Facts)
	if err != nil {
		return result, fmt.Errorf("normalize %s: %w", logicaldate.Format(ds), err)
	}

	result.Rows = written
	result.Duration = time.Since(started)
	logger.Info().Int64("rows", written).Msg("normalization completed")
	return result, nil
}

func logSkips(logger zerolog.Logger, skips []Skip) {
	for _, skip := range skips {
		var event *zerolog.Event
		switch skip.Reason {
		case SkipBadPrice, SkipMalformedCoin:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		event.Str("coin", skip.CoinID).
			Str("currency", skip.Currency).
			Str("reason", string(skip.Reason)).
			Str("detail", skip.Detail).
			Msg("skipping price")
	}
}

var _ Stage = (*Normalizer)(nil)
