// Package catalog records operational lineage — one row per run, one row
// per committed block range — into a Postgres database independent of the
// ClickHouse target being written to. It is an observability side
// channel: every write is best-effort, logged, and never fatal.
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// RunStatus is the terminal status recorded for a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusOK      RunStatus = "ok"
	RunStatusError   RunStatus = "error"
)

// Writer is the Catalog Writer (C9).
type Writer interface {
	// StartRun registers a new run and returns its id.
	StartRun(ctx context.Context, database string) (uuid.UUID, error)
	// EndRun records the terminal status of a run.
	EndRun(ctx context.Context, runID uuid.UUID, status RunStatus) error
	// RecordCommittedRange records that blockNumber/blockHash became
	// durable under runID.
	RecordCommittedRange(ctx context.Context, runID uuid.UUID, database string, blockNumber uint64, blockHash string) error
}
