// Package audit emits a hash-chained event each time the commit barrier
// advances past a block, giving operators a tamper-evident trail of what
// became durable and when.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainload/columnar-sync/internal/model"
	"github.com/chainload/columnar-sync/internal/writer"
)

// TableSummary mirrors writer.TableSummary for the serialized event.
type TableSummary struct {
	RowCount int `json:"row_count"`
	ByteSize int `json:"byte_size"`
}

// Event is one hash-chained audit record.
type Event struct {
	EventID       uuid.UUID               `json:"event_id"`
	Block         model.BlockRef          `json:"block"`
	Tables        map[string]TableSummary `json:"tables"`
	PrevEventHash string                  `json:"prev_event_hash"`
	EventHash     string                  `json:"event_hash,omitempty"`
	EmittedAt     time.Time               `json:"emitted_at"`
}

// Sink delivers a finished Event somewhere durable: a file, a webhook.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Notifier hash-chains events and forwards them to a Sink. It implements
// writer.CommitObserver so the writer can call it directly on every
// commit-barrier advance.
type Notifier struct {
	sink Sink

	mu       sync.Mutex
	prevHash string
}

// New builds a Notifier writing to sink.
func New(sink Sink) *Notifier {
	return &Notifier{sink: sink}
}

// Observe implements writer.CommitObserver. It never blocks the writer:
// hashing and sink delivery happen on the caller's goroutine, which the
// writer already runs asynchronously to the commit barrier.
func (n *Notifier) Observe(head model.BlockRef, tables map[string]writer.TableSummary) {
	converted := make(map[string]TableSummary, len(tables))
	for name, s := range tables {
		converted[name] = TableSummary{RowCount: s.RowCount, ByteSize: s.ByteSize}
	}

	n.mu.Lock()
	prev := n.prevHash
	ev := Event{
		EventID:       uuid.New(),
		Block:         head,
		Tables:        converted,
		PrevEventHash: prev,
		EmittedAt:     time.Now().UTC(),
	}
	hash, err := hashEvent(ev)
	if err != nil {
		n.mu.Unlock()
		return
	}
	ev.EventHash = hash
	n.prevHash = hash
	n.mu.Unlock()

	// Best-effort: a failed sink write is not retried here; the next
	// commit-barrier advance still chains correctly off this event's hash.
	_ = n.sink.Emit(context.Background(), ev)
}

// hashEvent computes sha256 of the canonical JSON encoding of ev with
// EventHash cleared, so the hash never includes itself.
func hashEvent(ev Event) (string, error) {
	ev.EventHash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("audit: marshal event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NoopSink discards every event; used when the audit stream is disabled.
type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, ev Event) error { return nil }
