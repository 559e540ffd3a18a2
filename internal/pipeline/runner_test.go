package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion-etl/internal/config"
	"medallion-etl/internal/notify"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []notify.Completion
}

func (r *recordingNotifier) Notify(ctx context.Context, c notify.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
	return nil
}

type failingStage struct {
	name  string
	err   error
	calls int
}

func (f *failingStage) Name() string { return f.name }

func (f *failingStage) Run(ctx context.Context, ds time.Time) (StageResult, error) {
	f.calls++
	return StageResult{Stage: f.name, LogicalDate: ds}, f.err
}

func newTestRunner(t *testing.T, store *memStore, src *staticSource, ds time.Time, n notify.Notifier) *Runner {
	t.Helper()
	cfg := testConfig()

	capture := newTestCapture(t, cfg, src, store)
	capture.now = func() time.Time { return ds.Add(5 * time.Minute) }
	normalizer := newTestNormalizer(t, cfg, store)
	aggregator, err := NewAggregator(cfg, store, store, nopLogger())
	require.NoError(t, err)

	return NewRunner(capture, normalizer, aggregator, n, nopLogger())
}

func TestRunnerEndToEndIsIdempotent(t *testing.T) {
	store := newMemStore()
	ds := mustDate("2025-12-10")
	src := &staticSource{payload: json.RawMessage(`{"bitcoin":{"usd":50000,"eur":46000},"ethereum":{"usd":"3000"}}`)}
	rec := &recordingNotifier{}
	runner := newTestRunner(t, store, src, ds, rec)

	summary, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, summary.Stages, 3)
	assert.EqualValues(t, 1, summary.Stages[0].Rows)
	assert.EqualValues(t, 3, summary.Stages[1].Rows)
	assert.EqualValues(t, 3, summary.Stages[2].Rows)
	assert.NotEmpty(t, summary.RunID)

	raw1, facts1, aggs1 := store.counts()

	second, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	raw2, facts2, aggs2 := store.counts()

	assert.Equal(t, []int{1, 3, 3}, []int{raw1, facts1, aggs1})
	assert.Equal(t, []int{raw1, facts1, aggs1}, []int{raw2, facts2, aggs2})
	assert.EqualValues(t, 0, second.Stages[0].Rows)
	assert.NotEqual(t, summary.RunID, second.RunID)

	require.Len(t, rec.seen, 2)
	assert.Equal(t, "2025-12-10", rec.seen[0].LogicalDate)
	assert.Equal(t, summary.RunID, rec.seen[0].RunID)
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	boom := fmt.Errorf("%w: upstream down", ErrSourceUnavailable)
	first := &failingStage{name: StageCapture, err: boom}
	second := &failingStage{name: StageNormalize}
	third := &failingStage{name: StageAggregate}
	rec := &recordingNotifier{}

	runner := NewRunner(first, second, third, rec, nopLogger())
	_, err := runner.Run(context.Background(), mustDate("2025-12-10"))

	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
	assert.Zero(t, third.calls)
	assert.Empty(t, rec.seen)
}

func TestRunWithRetriesRetriesWholeRun(t *testing.T) {
	capture := &failingStage{name: StageCapture, err: errors.New("flaky")}
	runner := NewRunner(capture, &failingStage{name: StageNormalize}, &failingStage{name: StageAggregate}, nil, nopLogger())

	_, err := runner.RunWithRetries(context.Background(), mustDate("2025-12-10"), 2, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, capture.calls)
}

func TestRunWithRetriesDoesNotRetryConfigErrors(t *testing.T) {
	capture := &failingStage{name: StageCapture, err: fmt.Errorf("%w: source.base_url is required", config.ErrConfig)}
	runner := NewRunner(capture, &failingStage{name: StageNormalize}, &failingStage{name: StageAggregate}, nil, nopLogger())

	_, err := runner.RunWithRetries(context.Background(), mustDate("2025-12-10"), 5, time.Millisecond)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Equal(t, 1, capture.calls)
}

func TestRunIDPropagatesThroughContext(t *testing.T) {
	ctx := WithRunID(context.Background(), "abc")
	id, ok := RunIDFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = RunIDFrom(context.Background())
	assert.False(t, ok)
}
