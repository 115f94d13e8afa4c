package writer

import (
	"sync"

	"github.com/chainload/columnar-sync/internal/model"
)

// bufferedRow is one pending insert for a table buffer, tagged with the
// block it came from so a flush can serialize block_number/hash/timestamp
// alongside the mapping function's own columns.
type bufferedRow struct {
	blockNumber uint64
	blockHash   string
	timestamp   *uint64
	row         model.TableRow // nil for the reserved blocks table
	parentHash  string         // blocks table only
	parentNum   *uint64        // blocks table only
}

// tableBuffer is the per-table state the spec calls a TableBuffer: a row
// list, a durable-up-to cursor, and at most one in-flight flush.
type tableBuffer struct {
	name      string
	isBlocks  bool
	options   model.TableOptions
	hasHash   bool // whether item rows carry block_hash; New sets it for every item table (blocks.hash is always written)
	hasTS     bool // whether block_timestamp / blocks.timestamp column exists

	mu             sync.Mutex
	cond           *sync.Cond
	rows           []bufferedRow
	durableUpTo    uint64
	hasDurable     bool
	inFlight       bool
	flushErr       error
	sinceBarrierN  int // rows shipped since the last blocks commit-barrier advance
	sinceBarrierSz int // approximate serialized bytes shipped since then
}

func newTableBuffer(name string, isBlocks bool, opts model.TableOptions, hasHash, hasTS bool) *tableBuffer {
	tb := &tableBuffer{name: name, isBlocks: isBlocks, options: opts, hasHash: hasHash, hasTS: hasTS}
	tb.cond = sync.NewCond(&tb.mu)
	return tb
}

func (tb *tableBuffer) pendingLocked() int {
	return len(tb.rows)
}
