// Package model defines the data types shared across the processing loop
// and persistence engine: block references, mapper output, and the
// per-table buffering knobs that the writer enforces.
package model

// BlockRef identifies a block by number and hash. It is used both as the
// resume marker a DataSource is asked to start after, and as the head
// cursor the writer advances as blocks become durable.
type BlockRef struct {
	Number uint64
	Hash   string
}

// Header carries the chain-linkage fields every block needs regardless of
// domain (EVM logs, Solana instructions, ...). Domain-specific payloads
// live outside this package, attached by the caller's mapping function.
type Header struct {
	Number       uint64
	Hash         string
	ParentHash   string
	ParentNumber *uint64
	Timestamp    *uint64
}

// Ref returns the BlockRef for this header.
func (h Header) Ref() BlockRef {
	return BlockRef{Number: h.Number, Hash: h.Hash}
}

// Block is the minimal shape the core needs from a data-source record.
// Concrete sources attach arbitrary domain fields in their own types and
// expose only the Header to the core.
type Block struct {
	Header Header
}

// DataBatch is a contiguous, ascending-order slice of blocks plus the
// source's best estimate of the current chain head at emission time.
// HeadNumber is nil when the source has no opinion; the loop then treats
// the batch as having reached the head only when it is empty.
type DataBatch struct {
	Blocks     []Block
	HeadNumber *uint64
}

// ReachedHead reports whether this batch represents the source having
// caught up to the chain tip, per spec: either the batch is empty, or the
// declared head is at or behind the last block in the batch.
func (b DataBatch) ReachedHead() bool {
	if len(b.Blocks) == 0 {
		return true
	}
	if b.HeadNumber == nil {
		return false
	}
	last := b.Blocks[len(b.Blocks)-1].Header.Number
	return *b.HeadNumber <= last
}

// TableRow is an opaque column-name-to-value mapping serializable as one
// JSONEachRow line. The writer augments it with block_number, block_hash
// and, if configured, block_timestamp before serializing.
type TableRow map[string]any

// PerBlockOutput is what a mapping function returns for one block: a row
// set per table name. A table name absent from the map means "no rows
// this block"; a table name the writer doesn't recognize is an error.
type PerBlockOutput map[string][]TableRow

// TableOptions controls a single table buffer's watermark behavior.
type TableOptions struct {
	LowWatermark  uint32 `json:"low_watermark"`
	HighWatermark uint32 `json:"high_watermark"`
}

// DefaultItemTableOptions are applied to every table other than "blocks"
// unless overridden.
func DefaultItemTableOptions() TableOptions {
	return TableOptions{LowWatermark: 8192, HighWatermark: 32768}
}

// DefaultBlocksTableOptions govern the reserved "blocks" table.
func DefaultBlocksTableOptions() TableOptions {
	return TableOptions{LowWatermark: 1024, HighWatermark: 4096}
}

// BlocksTable is the reserved table name for the head-cursor table; no
// mapping function may target it.
const BlocksTable = "blocks"
