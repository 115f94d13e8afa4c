package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer against a Postgres database, applying
// the embedded schema idempotently on construction.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects to dsn, applies schema.sql, and returns a
// ready Writer.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}

	return &PostgresWriter{pool: pool, log: slog.With("component", "catalog")}, nil
}

// Close releases the underlying connection pool.
func (w *PostgresWriter) Close() { w.pool.Close() }

// StartRun implements Writer.
func (w *PostgresWriter) StartRun(ctx context.Context, database string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := w.pool.Exec(ctx,
		`INSERT INTO runs (run_id, database, started_at, status) VALUES ($1, $2, $3, $4)`,
		id, database, time.Now(), RunStatusRunning,
	)
	if err != nil {
		w.log.Warn("catalog start run failed", "error", err)
		return uuid.Nil, fmt.Errorf("catalog: start run: %w", err)
	}
	return id, nil
}

// EndRun implements Writer.
func (w *PostgresWriter) EndRun(ctx context.Context, runID uuid.UUID, status RunStatus) error {
	_, err := w.pool.Exec(ctx,
		`UPDATE runs SET ended_at = $2, status = $3 WHERE run_id = $1`,
		runID, time.Now(), status,
	)
	if err != nil {
		w.log.Warn("catalog end run failed", "error", err)
		return fmt.Errorf("catalog: end run: %w", err)
	}
	return nil
}

// RecordCommittedRange implements Writer.
func (w *PostgresWriter) RecordCommittedRange(ctx context.Context, runID uuid.UUID, database string, blockNumber uint64, blockHash string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO committed_ranges (run_id, database, block_number, block_hash) VALUES ($1, $2, $3, $4)`,
		runID, database, blockNumber, blockHash,
	)
	if err != nil {
		w.log.Warn("catalog record committed range failed", "error", err, "block", blockNumber)
		return fmt.Errorf("catalog: record committed range: %w", err)
	}
	return nil
}

// NoopWriter is used when no catalog DSN is configured: every call
// succeeds and does nothing, so callers never need a nil check.
type NoopWriter struct{}

func (NoopWriter) StartRun(ctx context.Context, database string) (uuid.UUID, error) {
	return uuid.New(), nil
}
func (NoopWriter) EndRun(ctx context.Context, runID uuid.UUID, status RunStatus) error { return nil }
func (NoopWriter) RecordCommittedRange(ctx context.Context, runID uuid.UUID, database string, blockNumber uint64, blockHash string) error {
	return nil
}
