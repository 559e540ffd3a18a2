package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion-etl/internal/config"
	"medallion-etl/internal/storage"
)

func seedCapture(t *testing.T, store *memStore, ds time.Time, payload string, capturedAt time.Time) {
	t.Helper()
	_, err := store.InsertRawCapture(context.Background(), storage.RawCapture{
		LogicalDate: ds,
		Payload:     json.RawMessage(payload),
		CapturedAt:  capturedAt,
	})
	require.NoError(t, err)
}

func newTestNormalizer(t *testing.T, cfg *config.Config, store *memStore) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(cfg, store, store, nopLogger())
	require.NoError(t, err)
	return n
}

func TestFlattenSkipsMissingCurrency(t *testing.T) {
	ts := time.Date(2025, 12, 10, 0, 5, 0, 0, time.UTC)
	res, err := Flatten(json.RawMessage(`{"btc":{"usd":50000}}`), []string{"btc"}, []string{"usd", "eur"}, ts, ts)
	require.NoError(t, err)

	require.Len(t, res.Facts, 1)
	assert.Equal(t, "btc", res.Facts[0].CoinID)
	assert.Equal(t, "usd", res.Facts[0].Currency)
	assert.True(t, res.Facts[0].Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, ts, res.Facts[0].SourceTimestamp)

	require.Len(t, res.Skips, 1)
	assert.Equal(t, Skip{CoinID: "btc", Currency: "eur", Reason: SkipMissingCurrency}, res.Skips[0])
}

func TestFlattenSkipsBadPrice(t *testing.T) {
	ts := time.Now().UTC()
	res, err := Flatten(json.RawMessage(`{"btc":{"usd":"not-a-number"}}`), []string{"btc"}, []string{"usd"}, ts, ts)
	require.NoError(t, err)

	assert.Empty(t, res.Facts)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, SkipBadPrice, res.Skips[0].Reason)
}

func TestFlattenSkipsOutOfRangePrice(t *testing.T) {
	ts := time.Now().UTC()
	payload := `{"btc":{"usd":1e200000,"eur":"1e2000000000","gbp":1e-20000,"jpy":65000.5}}`
	res, err := Flatten(json.RawMessage(payload), []string{"btc"}, []string{"usd", "eur", "gbp", "jpy"}, ts, ts)
	require.NoError(t, err)

	require.Len(t, res.Facts, 1)
	assert.Equal(t, "jpy", res.Facts[0].Currency)
	assert.Equal(t, "65000.5", res.Facts[0].Price.String())

	require.Len(t, res.Skips, 3)
	for _, skip := range res.Skips {
		assert.Equal(t, SkipBadPrice, skip.Reason, skip.Currency)
	}
}

func TestNormalizeKeepsValidFactsBesideOutOfRangePrice(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	seedCapture(t, store, ds, `{"bitcoin":{"usd":1e200000,"eur":46000},"ethereum":{"usd":3000}}`, ds.Add(time.Hour))

	res, err := newTestNormalizer(t, testConfig(), store).Run(context.Background(), ds)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Rows)
}

func TestFlattenValueShapes(t *testing.T) {
	ts := time.Now().UTC()
	payload := `{
		"bitcoin": {"usd": "50000.5", "eur": null, "gbp": 4.2e4, "jpy": true},
		"ethereum": [1, 2],
		"dogecoin": {"usd": 0.08},
		"solana": {"usd": 150}
	}`
	res, err := Flatten(json.RawMessage(payload), []string{"bitcoin", "ethereum", "solana"}, []string{"usd", "eur", "gbp", "jpy"}, ts, ts)
	require.NoError(t, err)

	got := map[string]string{}
	for _, f := range res.Facts {
		got[f.CoinID+"/"+f.Currency] = f.Price.String()
	}
	assert.Equal(t, map[string]string{
		"bitcoin/usd": "50000.5",
		"bitcoin/gbp": "42000",
		"solana/usd":  "150",
	}, got)

	reasons := map[string]SkipReason{}
	for _, s := range res.Skips {
		reasons[s.CoinID+"/"+s.Currency] = s.Reason
	}
	assert.Equal(t, SkipBadPrice, reasons["bitcoin/eur"])
	assert.Equal(t, SkipBadPrice, reasons["bitcoin/jpy"])
	assert.Equal(t, SkipMalformedCoin, reasons["ethereum/"])
	assert.Equal(t, SkipUntrackedCoin, reasons["dogecoin/"])
	assert.Equal(t, SkipMissingCurrency, reasons["solana/eur"])
}

func TestFlattenRejectsNonObjectPayload(t *testing.T) {
	_, err := Flatten(json.RawMessage(`[]`), []string{"btc"}, []string{"usd"}, time.Now(), time.Now())
	assert.Error(t, err)
}

func TestNormalizeWritesFacts(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	capturedAt := ds.Add(5 * time.Minute)
	seedCapture(t, store, ds, `{"bitcoin":{"usd":50000,"eur":46000},"ethereum":{"usd":3000}}`, capturedAt)

	res, err := newTestNormalizer(t, testConfig(), store).Run(context.Background(), ds)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Rows)
	assert.False(t, res.Skipped)

	facts, err := store.ListFactsBetween(context.Background(), ds, ds.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, facts, 3)
	for _, f := range facts {
		assert.Equal(t, capturedAt, f.SourceTimestamp)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	seedCapture(t, store, ds, `{"bitcoin":{"usd":50000,"eur":46000}}`, ds.Add(time.Hour))

	n := newTestNormalizer(t, testConfig(), store)
	first, err := n.Run(context.Background(), ds)
	require.NoError(t, err)
	_, factsAfterFirst, _ := store.counts()

	n.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	second, err := n.Run(context.Background(), ds)
	require.NoError(t, err)
	_, factsAfterSecond, _ := store.counts()

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, 2, factsAfterFirst)
	assert.Equal(t, factsAfterFirst, factsAfterSecond)
}

func TestNormalizeMissingCaptureIsNoop(t *testing.T) {
	store := newMemStore()

	res, err := newTestNormalizer(t, testConfig(), store).Run(context.Background(), mustDate("2025-12-10"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	_, facts, _ := store.counts()
	assert.Zero(t, facts)
}

func TestNormalizeAllPricesMalformed(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	seedCapture(t, store, ds, `{"bitcoin":{"usd":"n/a","eur":"n/a"}}`, ds.Add(time.Hour))

	res, err := newTestNormalizer(t, testConfig(), store).Run(context.Background(), ds)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Rows)
}

func TestNormalizePropagatesStoreFailure(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	seedCapture(t, store, ds, `{"bitcoin":{"usd":1}}`, ds.Add(time.Hour))
	store.failFacts = errors.New("connection reset")

	_, err := newTestNormalizer(t, testConfig(), store).Run(context.Background(), ds)
	assert.Error(t, err)
}

func TestNewNormalizerRequiresCoins(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Coins = nil
	_, err := NewNormalizer(cfg, newMemStore(), newMemStore(), nopLogger())
	assert.ErrorIs(t, err, config.ErrConfig)
}

func decodeLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNormalizeLogsSkipsAtReasonLevel(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	seedCapture(t, store, ds, `{"bitcoin":{"usd":"n/a"},"ethereum":{"usd":3000,"eur":2800}}`, ds.Add(time.Hour))

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	n, err := NewNormalizer(testConfig(), store, store, logger)
	require.NoError(t, err)

	_, err = n.Run(context.Background(), ds)
	require.NoError(t, err)

	levels := map[string]string{}
	for _, entry := range decodeLogLines(t, &buf) {
		if entry["message"] != "skipping price" {
			continue
		}
		key := entry["coin"].(string) + "/" + entry["currency"].(string)
		levels[key] = entry["level"].(string)
	}
	assert.Equal(t, map[string]string{
		"bitcoin/usd": "warn",
		"bitcoin/eur": "debug",
	}, levels)
}
