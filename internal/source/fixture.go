package source

import (
	"context"

	"github.com/chainload/columnar-sync/internal/model"
)

// FixtureConfig is a pre-scripted sequence of batches (and, optionally, a
// single rollback error to raise once the script is exhausted) used by
// tests and by the example pipeline when SOURCE_MODE=fixture.
type FixtureConfig struct {
	Batches  []model.DataBatch
	Rollback *RollbackDetected // raised on the error channel after all Batches are sent, if set
}

// FixtureSource replays FixtureConfig deterministically. It never does
// real I/O, making it safe to drive processing-loop tests without a
// network dependency.
type FixtureSource struct {
	cfg FixtureConfig
}

// NewFixtureSource builds a FixtureSource from a pre-scripted config.
func NewFixtureSource(cfg FixtureConfig) *FixtureSource {
	return &FixtureSource{cfg: cfg}
}

// Stream implements DataSource by replaying the configured batches in
// order, then closing the batch channel (and, if configured, emitting a
// rollback error first).
func (f *FixtureSource) Stream(ctx context.Context, afterBlock *model.BlockRef) (<-chan model.DataBatch, <-chan error) {
	batches := make(chan model.DataBatch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		for _, b := range f.cfg.Batches {
			select {
			case batches <- b:
			case <-ctx.Done():
				return
			}
		}
		if f.cfg.Rollback != nil {
			errs <- f.cfg.Rollback
		}
	}()

	return batches, errs
}

// Close is a no-op: FixtureSource holds no external resources.
func (f *FixtureSource) Close() error { return nil }
