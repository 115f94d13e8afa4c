// Package loop implements the Processing Loop: it drives a DataSource,
// invokes the caller's mapping function per block, pushes results into
// the Block Writer, enforces head-triggered flushes, and handles
// reconciliation on restart and on detected reorgs.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chainload/columnar-sync/internal/archive"
	"github.com/chainload/columnar-sync/internal/catalog"
	"github.com/chainload/columnar-sync/internal/checkpoint"
	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
	"github.com/chainload/columnar-sync/internal/reconcile"
	"github.com/chainload/columnar-sync/internal/source"
	"github.com/chainload/columnar-sync/internal/writer"
)

// MapFunc is the caller-supplied pure mapping function from one block to a
// per-table row set.
type MapFunc func(ctx context.Context, block model.Block) (model.PerBlockOutput, error)

// Metrics is the narrow interface the loop reports through; satisfied by
// internal/metrics.Tracker.
type Metrics interface {
	RecordBlock(rows int)
}

// Loop is the Processing Loop (C5).
type Loop struct {
	Client     *chstore.Client
	Database   string
	ItemTables []string
	Source     source.DataSource
	Map        MapFunc
	Writer     *writer.Writer
	Metrics    Metrics
	Log        *slog.Logger

	// Checkpoint is consulted as a startup hint only; the store's blocks
	// table always remains authoritative. Nil is valid (no checkpointing).
	Checkpoint checkpoint.Manager
	// Catalog records one row per run and per committed range. Nil is
	// valid (no catalog).
	Catalog catalog.Writer
	// Archive, if set, persists every batch pulled from the source as
	// retrieved (preserving its real HeadNumber), independent of whatever
	// MapFunc is plugged in. Nil is valid (no archiving); archive.New
	// returns a no-op Store when archiving is disabled, so this is
	// typically non-nil but inert.
	Archive archive.Store

	runID uuid.UUID
}

// headRow mirrors one row of the blocks table for the SELECT max(number)
// lookup the loop runs at startup and after a rollback.
type headRow struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// currentHead reads the authoritative head cursor from the store.
func (l *Loop) currentHead(ctx context.Context) (*model.BlockRef, error) {
	var rows []headRow
	q := fmt.Sprintf("SELECT number, hash FROM %s.%s ORDER BY number DESC LIMIT 1", l.Database, model.BlocksTable)
	if err := l.Client.Query(ctx, q, &rows); err != nil {
		return nil, fmt.Errorf("loop: read head: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &model.BlockRef{Number: rows[0].Number, Hash: rows[0].Hash}, nil
}

// Run executes the loop to completion: reconcile, stream, map, push, and
// head-triggered flush, restarting the stream on a detected rollback.
// It returns nil only on clean, voluntary stream termination.
func (l *Loop) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	if l.Checkpoint != nil {
		if hint, err := l.Checkpoint.Load(ctx, l.Database); err == nil {
			log.Info("checkpoint hint loaded", "head", refString(&hint.Head))
		}
	}

	head, err := l.currentHead(ctx)
	if err != nil {
		return err
	}
	if err := reconcile.Reconcile(ctx, l.Client, l.Database, l.ItemTables, head); err != nil {
		return err
	}

	if l.Catalog != nil {
		runID, serr := l.Catalog.StartRun(ctx, l.Database)
		if serr != nil {
			log.Warn("catalog start run failed", "error", serr)
		}
		l.runID = runID
	}
	runID := l.runID
	runStatus := catalog.RunStatusOK

	for {
		err := l.runOnce(ctx, head, log)
		if err == nil {
			l.endRun(ctx, runID, runStatus, log)
			return nil
		}

		var rb *RollbackSignal
		if !errors.As(err, &rb) {
			l.bestEffortFinalFlush(ctx, log)
			runStatus = catalog.RunStatusError
			l.endRun(ctx, runID, runStatus, log)
			return err
		}

		newHead, rerr := l.walkBackToAncestor(ctx, rb)
		if rerr != nil {
			l.bestEffortFinalFlush(ctx, log)
			l.endRun(ctx, runID, catalog.RunStatusError, log)
			return rerr
		}
		if rerr := reconcile.Reconcile(ctx, l.Client, l.Database, l.ItemTables, newHead); rerr != nil {
			return rerr
		}
		head = newHead
		l.saveCheckpoint(ctx, head, log)
		log.Info("restarting stream after rollback", "new_head", refString(head))
	}
}

func (l *Loop) endRun(ctx context.Context, runID uuid.UUID, status catalog.RunStatus, log *slog.Logger) {
	if l.Catalog == nil {
		return
	}
	if err := l.Catalog.EndRun(ctx, runID, status); err != nil {
		log.Warn("catalog end run failed", "error", err)
	}
}

func (l *Loop) saveCheckpoint(ctx context.Context, head *model.BlockRef, log *slog.Logger) {
	if l.Checkpoint == nil || head == nil {
		return
	}
	cp := &checkpoint.Checkpoint{Database: l.Database, Head: *head}
	if err := l.Checkpoint.Save(ctx, cp); err != nil {
		log.Warn("checkpoint save failed", "error", err)
	}
}

func (l *Loop) recordCommittedRange(ctx context.Context, head *model.BlockRef, log *slog.Logger) {
	if l.Catalog == nil || head == nil {
		return
	}
	if err := l.Catalog.RecordCommittedRange(ctx, l.runID, l.Database, head.Number, head.Hash); err != nil {
		log.Warn("catalog record committed range failed", "error", err, "block", head.Number)
	}
}

func (l *Loop) runOnce(ctx context.Context, head *model.BlockRef, log *slog.Logger) error {
	batches, srcErrs := l.Source.Stream(ctx, head)

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				// The sender always writes any terminal error to srcErrs
				// before it closes batches (same goroutine, program order),
				// and Go guarantees that happens-before relationship is
				// visible here too: a closed-channel receive happens after
				// the close, which happens after the prior send. So if this
				// was actually a rollback or source failure rather than
				// clean stream end, a non-blocking check is guaranteed to
				// see it rather than racing select into the wrong branch.
				select {
				case err := <-srcErrs:
					if err != nil {
						if rollback := asRollback(err); rollback != nil {
							return rollback
						}
						return &SourceError{Err: err}
					}
				default:
				}
				return l.Writer.Flush(ctx)
			}
			if err := l.processBatch(ctx, batch, log); err != nil {
				return err
			}
		case err := <-srcErrs:
			if err == nil {
				continue
			}
			if rollback := asRollback(err); rollback != nil {
				return rollback
			}
			return &SourceError{Err: err}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) processBatch(ctx context.Context, batch model.DataBatch, log *slog.Logger) error {
	if l.Archive != nil {
		if err := l.Archive.WriteBatch(ctx, batch); err != nil {
			log.Warn("archive write failed", "error", err)
		}
	}

	for _, block := range batch.Blocks {
		out, err := l.Map(ctx, block)
		if err != nil {
			return &MapError{Block: block.Header.Number, Err: err}
		}
		if err := l.Writer.Drain(ctx); err != nil {
			return err
		}
		if err := l.Writer.Push(block.Header, out); err != nil {
			return err
		}
		if l.Metrics != nil {
			rows := 0
			for _, rs := range out {
				rows += len(rs)
			}
			l.Metrics.RecordBlock(rows)
		}
	}

	if batch.ReachedHead() {
		if err := l.Writer.Flush(ctx); err != nil {
			return err
		}
		if committed, ok := l.Writer.CommittedHead(); ok {
			l.saveCheckpoint(ctx, &committed, log)
			l.recordCommittedRange(ctx, &committed, log)
		}
	}
	return nil
}

func (l *Loop) bestEffortFinalFlush(ctx context.Context, log *slog.Logger) {
	if !l.Writer.IsHealthy() {
		return
	}
	if err := l.Writer.Flush(ctx); err != nil {
		log.Warn("best-effort final flush failed", "error", err)
	}
}

// walkBackToAncestor steps back from the rollback point one block at a
// time, consulting the source's optional AncestorChecker when available,
// until it finds a block still part of the canonical chain. Without a
// checker it skips the block the rollback disowned and returns the next
// stored block below it unverified; a further mismatch there raises
// another rollback and walks back again.
func (l *Loop) walkBackToAncestor(ctx context.Context, rb *RollbackSignal) (*model.BlockRef, error) {
	checker, ok := l.Source.(source.AncestorChecker)
	candidate := rb.AtBlock
	for candidate > 0 {
		candidate--
		var rows []headRow
		q := fmt.Sprintf("SELECT number, hash FROM %s.%s WHERE number = %d", l.Database, model.BlocksTable, candidate)
		if err := l.Client.Query(ctx, q, &rows); err != nil {
			return nil, fmt.Errorf("loop: probe ancestor %d: %w", candidate, err)
		}
		if len(rows) == 0 {
			continue
		}
		ref := model.BlockRef{Number: rows[0].Number, Hash: rows[0].Hash}
		if !ok {
			// The rollback itself says this block is no longer the
			// parent of the canonical chain; step past it.
			if ref.Hash == rb.ExpectedParentHash {
				continue
			}
			return &ref, nil
		}
		canonical, err := checker.IsCanonical(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("loop: check ancestor %d canonical: %w", candidate, err)
		}
		if canonical {
			return &ref, nil
		}
	}
	return nil, nil
}

func refString(r *model.BlockRef) string {
	if r == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d:%s", r.Number, r.Hash)
}

// asRollback adapts a source-specific rollback error into the loop's own
// RollbackSignal type so callers only need to match one type.
func asRollback(err error) *RollbackSignal {
	if rd, ok := err.(*source.RollbackDetected); ok {
		return &RollbackSignal{
			ExpectedParentHash: rd.ExpectedParentHash,
			GotParentHash:      rd.GotParentHash,
			AtBlock:            rd.AtBlock,
		}
	}
	return nil
}
