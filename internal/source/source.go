// Package source defines the abstract DataSource the processing loop
// consumes, plus two concrete implementations: an HTTP long-poller against
// a Portal service, and an in-memory fixture for tests and examples.
package source

import (
	"context"
	"fmt"

	"github.com/chainload/columnar-sync/internal/model"
)

// DataSource streams batches of blocks starting after a given resume
// point. Stream is restartable: calling it again (e.g. after a rollback)
// begins a fresh stream from the new afterBlock.
type DataSource interface {
	// Stream returns a batch channel and an error channel. The batch
	// channel closes when the underlying stream ends normally; a value on
	// the error channel means the stream has failed and no further
	// batches will arrive.
	Stream(ctx context.Context, afterBlock *model.BlockRef) (<-chan model.DataBatch, <-chan error)
	Close() error
}

// AncestorChecker is an optional capability a DataSource may implement to
// help the loop walk back to a canonical ancestor during rollback
// handling. Sources that only ever deliver finalized blocks need not
// implement it.
type AncestorChecker interface {
	IsCanonical(ctx context.Context, ref model.BlockRef) (bool, error)
}

// Config selects and configures a DataSource.
type Config struct {
	Mode string // "portal" | "fixture"

	Portal PortalConfig
	Fixture FixtureConfig
}

// New builds the DataSource named by cfg.Mode.
func New(cfg Config) (DataSource, error) {
	switch cfg.Mode {
	case "", "portal":
		return NewPortalSource(cfg.Portal), nil
	case "fixture":
		return NewFixtureSource(cfg.Fixture), nil
	default:
		return nil, fmt.Errorf("source: unknown mode %q", cfg.Mode)
	}
}
