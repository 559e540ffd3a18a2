package pipeline

import "errors"

var (
	// ErrSourceUnavailable means the price API failed on every attempt of the
	// retry budget. Re-invoking the stage later may succeed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrAggregation wraps store failures while reading, computing or writing
	// daily aggregates. Retryable.
	ErrAggregation = errors.New("aggregation failed")
)
