// Package notify delivers the pipeline completion signal.
package notify

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// StageSummary describes what one stage wrote.
type StageSummary struct {
	Stage   string `json:"stage"`
	Rows    int64  `json:"rows"`
	Skipped bool   `json:"skipped"`
}

// Completion is emitted once Capture, Normalize and Aggregate all succeeded.
type Completion struct {
	RunID       string         `json:"run_id"`
	LogicalDate string         `json:"logical_date"`
	Stages      []StageSummary `json:"stages"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Notifier delivers a completion signal.
type Notifier interface {
	Notify(ctx context.Context, completion Completion) error
}

// Fanout notifies several sinks concurrently. The first failure is returned
// after every sink has been attempted.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, completion Completion) error {
	var g errgroup.Group
	for _, n := range f {
		if n == nil {
			continue
		}
		n := n // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loopvar semantics)
		g.Go(func() error {
			return n.Notify(ctx, completion)
		})
	}
	return g.Wait()
}

var _ Notifier = Fanout(nil)
