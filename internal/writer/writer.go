// Package writer implements the Block Writer: a per-table buffered insert
// engine with watermark-triggered background flushes and a commit barrier
// that only publishes a blocks-table row once every item table is durable
// up to that block number.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
)

// FlushError wraps a failed flush for one table; it is what drain/flush
// surface once a table's background flush has failed.
type FlushError struct {
	Table string
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("writer: flush of table %q failed: %v", e.Table, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// CommitObserver is notified, best-effort and asynchronously, whenever the
// commit barrier advances past a block. Implementations must not block;
// the writer calls Observe in its own goroutine and does not wait on it.
type CommitObserver interface {
	Observe(head model.BlockRef, tables map[string]TableSummary)
}

// TableSummary describes the rows shipped for one table as part of a
// commit-barrier advance, for audit/catalog reporting.
type TableSummary struct {
	RowCount int
	ByteSize int
}

// MultiObserver fans a single commit-barrier advance out to several
// CommitObservers, e.g. one audit notifier per sink.
type MultiObserver []CommitObserver

func (m MultiObserver) Observe(head model.BlockRef, tables map[string]TableSummary) {
	for _, o := range m {
		o.Observe(head, tables)
	}
}

// Writer is the Block Writer (C4).
type Writer struct {
	client   *chstore.Client
	database string

	itemTables []string
	buffers    map[string]*tableBuffer
	blocks     *tableBuffer

	observer CommitObserver

	mu            sync.Mutex
	committedMax  uint64
	committedHash string
	hasCommitted  bool
}

// Options configures the writer's per-table watermarks and schema shape.
type Options struct {
	ItemTables   []string
	TableOptions map[string]model.TableOptions // overrides; defaults apply otherwise
	BlocksHasTS  bool
	ItemsHaveTS  map[string]bool // per-table whether block_timestamp column exists
	Observer     CommitObserver
}

// New builds a Writer with one buffer per item table plus the reserved
// blocks buffer.
func New(client *chstore.Client, database string, opts Options) *Writer {
	w := &Writer{
		client:     client,
		database:   database,
		itemTables: append([]string(nil), opts.ItemTables...),
		buffers:    make(map[string]*tableBuffer, len(opts.ItemTables)),
		observer:   opts.Observer,
	}
	for _, name := range opts.ItemTables {
		to := model.DefaultItemTableOptions()
		if override, ok := opts.TableOptions[name]; ok {
			to = override
		}
		hasTS := false
		if opts.ItemsHaveTS != nil {
			hasTS = opts.ItemsHaveTS[name]
		}
		w.buffers[name] = newTableBuffer(name, false, to, true, hasTS)
	}
	blocksOpts := model.DefaultBlocksTableOptions()
	if override, ok := opts.TableOptions[model.BlocksTable]; ok {
		blocksOpts = override
	}
	w.blocks = newTableBuffer(model.BlocksTable, true, blocksOpts, true, opts.BlocksHasTS)
	return w
}

// IsHealthy reports false if any buffer has an unrecovered flush error.
func (w *Writer) IsHealthy() bool {
	for _, tb := range w.buffers {
		tb.mu.Lock()
		err := tb.flushErr
		tb.mu.Unlock()
		if err != nil {
			return false
		}
	}
	tb := w.blocks
	tb.mu.Lock()
	err := tb.flushErr
	tb.mu.Unlock()
	return err == nil
}

// Push appends rows for one block to the relevant table buffers, plus one
// row to the blocks buffer. It is synchronous and never suspends: it only
// appends to in-memory slices and, if a table just crossed its low
// watermark, starts a background flush goroutine.
func (w *Writer) Push(header model.Header, outputs model.PerBlockOutput) error {
	for table := range outputs {
		if table == model.BlocksTable {
			return fmt.Errorf("writer: mapping output targets reserved table %q", model.BlocksTable)
		}
		if _, ok := w.buffers[table]; !ok {
			return fmt.Errorf("writer: mapping output targets unknown table %q", table)
		}
	}

	for table, tb := range w.buffers {
		rows := outputs[table]
		if len(rows) == 0 {
			continue
		}
		tb.mu.Lock()
		for _, r := range rows {
			tb.rows = append(tb.rows, bufferedRow{
				blockNumber: header.Number,
				blockHash:   header.Hash,
				timestamp:   header.Timestamp,
				row:         r,
			})
		}
		crossed := tb.pendingLocked() >= int(tb.options.LowWatermark) && !tb.inFlight
		if crossed {
			tb.inFlight = true
		}
		tb.mu.Unlock()
		if crossed {
			go w.flushTable(context.Background(), tb)
		}
	}

	tb := w.blocks
	tb.mu.Lock()
	tb.rows = append(tb.rows, bufferedRow{
		blockNumber: header.Number,
		blockHash:   header.Hash,
		parentHash:  header.ParentHash,
		parentNum:   header.ParentNumber,
		timestamp:   header.Timestamp,
	})
	crossed := tb.pendingLocked() >= int(tb.options.LowWatermark) && !tb.inFlight
	if crossed {
		tb.inFlight = true
	}
	tb.mu.Unlock()
	if crossed {
		// The blocks buffer never ships via a plain flushTable insert: a
		// blocks row may only reach the store through the commit barrier,
		// gated on every item table's durability, so its low-watermark
		// trigger routes there instead.
		go w.flushBlocksBarrierAsync(context.Background())
	}

	return nil
}

// Drain blocks until every table's pending row count is at or below its
// high watermark, per the spec's backpressure gate. It surfaces any
// recorded flush error immediately.
func (w *Writer) Drain(ctx context.Context) error {
	for _, tb := range allBuffers(w) {
		if err := waitBelowHighWatermark(ctx, tb); err != nil {
			return err
		}
	}
	return nil
}

func waitBelowHighWatermark(ctx context.Context, tb *tableBuffer) error {
	done := make(chan struct{})
	var err error
	go func() {
		tb.mu.Lock()
		for tb.pendingLocked() > int(tb.options.HighWatermark) && tb.flushErr == nil {
			tb.cond.Wait()
		}
		if tb.flushErr != nil {
			err = &FlushError{Table: tb.name, Err: tb.flushErr}
		}
		tb.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces every non-empty buffer to ship regardless of low
// watermark, waits for all in-flight and newly started flushes to
// complete, and runs the blocks commit barrier last.
func (w *Writer) Flush(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(w.buffers))

	for _, tb := range w.itemBuffers() {
		tb := tb
		tb.mu.Lock()
		shouldGo := tb.pendingLocked() > 0 && !tb.inFlight
		if shouldGo {
			tb.inFlight = true
		}
		waitExisting := tb.inFlight
		tb.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if shouldGo {
				w.flushTable(ctx, tb)
			} else if waitExisting {
				w.waitIdle(tb)
			}
			tb.mu.Lock()
			err := tb.flushErr
			tb.mu.Unlock()
			if err != nil {
				errs <- &FlushError{Table: tb.name, Err: err}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	// A background low-watermark flush of the blocks buffer may already be
	// in flight; wait for it so the two never race on the same rows, then
	// run the barrier once more synchronously to ship anything left behind.
	w.waitIdle(w.blocks)
	return w.flushBlocksBarrier(ctx)
}

// flushBlocksBarrierAsync runs the commit barrier in the background when the
// blocks buffer crosses its low watermark on Push. It mirrors flushTable's
// inFlight bookkeeping (tb.inFlight is already true on entry, set by the
// caller) but always goes through flushBlocksBarrier instead of a raw
// insert, so the only way a blocks row reaches the store is once every item
// table is durable up to it.
func (w *Writer) flushBlocksBarrierAsync(ctx context.Context) {
	_ = w.flushBlocksBarrier(ctx) // error, if any, is recorded on w.blocks.flushErr

	tb := w.blocks
	tb.mu.Lock()
	tb.inFlight = false
	tb.cond.Broadcast()
	tb.mu.Unlock()
}

func (w *Writer) waitIdle(tb *tableBuffer) {
	tb.mu.Lock()
	for tb.inFlight {
		tb.cond.Wait()
	}
	tb.mu.Unlock()
}

func (w *Writer) itemBuffers() []*tableBuffer {
	out := make([]*tableBuffer, 0, len(w.buffers))
	for _, tb := range w.buffers {
		out = append(out, tb)
	}
	return out
}

func allBuffers(w *Writer) []*tableBuffer {
	out := w.itemBuffers()
	return append(out, w.blocks)
}

// flushTable ships every currently buffered row for tb, then advances its
// durable-up-to cursor. tb.inFlight must already be true on entry; it is
// cleared on return.
func (w *Writer) flushTable(ctx context.Context, tb *tableBuffer) {
	tb.mu.Lock()
	shipped := tb.rows
	tb.rows = nil
	tb.mu.Unlock()

	if len(shipped) == 0 {
		tb.mu.Lock()
		tb.inFlight = false
		tb.cond.Broadcast()
		tb.mu.Unlock()
		return
	}

	docs := make([]map[string]any, len(shipped))
	var maxBlock uint64
	var approxBytes int
	for i, r := range shipped {
		doc := serializeRow(tb, r)
		docs[i] = doc
		if r.blockNumber > maxBlock {
			maxBlock = r.blockNumber
		}
		if enc, err := json.Marshal(doc); err == nil {
			approxBytes += len(enc)
		}
	}

	err := w.client.Insert(ctx, tb.name, docs)

	tb.mu.Lock()
	if err != nil {
		tb.flushErr = fmt.Errorf("writer: insert into %s: %w", tb.name, err)
		tb.rows = append(shipped, tb.rows...)
	} else {
		if !tb.hasDurable || maxBlock > tb.durableUpTo {
			tb.durableUpTo = maxBlock
			tb.hasDurable = true
		}
		tb.sinceBarrierN += len(shipped)
		tb.sinceBarrierSz += approxBytes
	}
	tb.inFlight = false
	tb.cond.Broadcast()
	tb.mu.Unlock()
}

func serializeRow(tb *tableBuffer, r bufferedRow) map[string]any {
	if tb.isBlocks {
		doc := map[string]any{
			"number":      r.blockNumber,
			"hash":        r.blockHash,
			"parent_hash": r.parentHash,
		}
		if r.parentNum != nil {
			doc["parent_number"] = *r.parentNum
		}
		if tb.hasTS && r.timestamp != nil {
			doc["timestamp"] = *r.timestamp
		}
		return doc
	}

	doc := map[string]any{}
	for k, v := range r.row {
		doc[k] = v
	}
	doc["block_number"] = r.blockNumber
	if tb.hasHash {
		doc["block_hash"] = r.blockHash
	}
	if tb.hasTS && r.timestamp != nil {
		doc["block_timestamp"] = *r.timestamp
	}
	return doc
}

// flushBlocksBarrier ships only the buffered blocks rows whose number is
// at or below the minimum durable-up-to across every item table: the
// commit barrier that makes a block "officially done."
func (w *Writer) flushBlocksBarrier(ctx context.Context) error {
	minDurable, ok := w.minItemDurable()
	if !ok {
		return nil
	}

	tb := w.blocks
	tb.mu.Lock()
	var shipped, kept []bufferedRow
	for _, r := range tb.rows {
		if r.blockNumber <= minDurable {
			shipped = append(shipped, r)
		} else {
			kept = append(kept, r)
		}
	}
	tb.rows = kept
	tb.mu.Unlock()

	if len(shipped) == 0 {
		return nil
	}
	sort.Slice(shipped, func(i, j int) bool { return shipped[i].blockNumber < shipped[j].blockNumber })

	docs := make([]map[string]any, len(shipped))
	for i, r := range shipped {
		docs[i] = serializeRow(tb, r)
	}

	if err := w.client.Insert(ctx, tb.name, docs); err != nil {
		tb.mu.Lock()
		tb.flushErr = fmt.Errorf("writer: insert into %s: %w", tb.name, err)
		tb.rows = append(shipped, tb.rows...)
		tb.mu.Unlock()
		return &FlushError{Table: tb.name, Err: tb.flushErr}
	}

	last := shipped[len(shipped)-1]
	w.mu.Lock()
	w.committedMax = last.blockNumber
	w.committedHash = last.blockHash
	w.hasCommitted = true
	w.mu.Unlock()

	if w.observer != nil {
		summaries := make(map[string]TableSummary, len(w.buffers))
		for name, itb := range w.buffers {
			itb.mu.Lock()
			summaries[name] = TableSummary{RowCount: itb.sinceBarrierN, ByteSize: itb.sinceBarrierSz}
			itb.sinceBarrierN = 0
			itb.sinceBarrierSz = 0
			itb.mu.Unlock()
		}
		head := model.BlockRef{Number: last.blockNumber, Hash: last.blockHash}
		go w.observer.Observe(head, summaries)
	}

	return nil
}

func (w *Writer) minItemDurable() (uint64, bool) {
	if len(w.buffers) == 0 {
		// No item tables at all: nothing gates the blocks barrier.
		var min uint64 = ^uint64(0)
		return min, true
	}
	// Highest block whose blocks row is buffered. Push appends a block's item
	// rows before its blocks row, so every item row for a block at or below
	// this number is already in its table buffer.
	var pushedMax uint64
	w.blocks.mu.Lock()
	for _, r := range w.blocks.rows {
		if r.blockNumber > pushedMax {
			pushedMax = r.blockNumber
		}
	}
	w.blocks.mu.Unlock()

	var min uint64
	first := true
	for _, tb := range w.buffers {
		tb.mu.Lock()
		d, has := tb.durableUpTo, tb.hasDurable
		// An idle, error-free buffer with nothing pending has shipped every
		// row pushed so far, including for blocks that gave it no rows.
		if len(tb.rows) == 0 && !tb.inFlight && tb.flushErr == nil && (!has || pushedMax > d) {
			d, has = pushedMax, true
		}
		tb.mu.Unlock()
		if !has {
			return 0, false
		}
		if first || d < min {
			min = d
			first = false
		}
	}
	return min, true
}

// CommittedHead returns the highest block number the blocks commit
// barrier has published, if any.
func (w *Writer) CommittedHead() (model.BlockRef, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasCommitted {
		return model.BlockRef{}, false
	}
	return model.BlockRef{Number: w.committedMax, Hash: w.committedHash}, true
}
