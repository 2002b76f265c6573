// Package progress persists run progress and fans it out to pollers.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Store persists the progress fields of a run.
type Store interface {
	UpdateTestRun(ctx context.Context, run *types.TestRun) error
}

// Sink receives progress snapshots after they are persisted. Sink errors are
// logged and never fail the run.
type Sink interface {
	Publish(ctx context.Context, run *types.TestRun) error
}

type Reporter struct {
	store  Store
	sinks  []Sink
	logger *logger.Logger
}

func NewReporter(store Store, log *logger.Logger, sinks ...Sink) *Reporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reporter{store: store, sinks: sinks, logger: log.WithComponent("progress")}
}

// Report stamps and persists run, then publishes it to every sink.
func (r *Reporter) Report(ctx context.Context, run *types.TestRun) error {
	run.UpdatedAt = time.Now().UTC()
	run.ProgressPercent = run.Percent()
	if run.Status == types.RunStatusCompleted || run.Status == types.RunStatusCompletedWithErrors {
		run.ProgressPercent = 100
	}
	if r.store != nil {
		if err := r.store.UpdateTestRun(ctx, run); err != nil {
			return fmt.Errorf("persist progress for run %s: %w", run.ID, err)
		}
	}
	for _, s := range r.sinks {
		if err := s.Publish(ctx, run); err != nil {
			r.logger.Warnw("Progress publish failed",
				"test_run_id", run.ID,
				"sink", fmt.Sprintf("%T", s),
				"error", err,
			)
		}
	}
	r.logger.LogRunProgress(ctx, run.ID, run.Progress.Completed, run.Progress.Total, string(run.Status))
	return nil
}
