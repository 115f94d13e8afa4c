// Package archive optionally persists every fetched DataBatch as Parquet
// to a blob destination, for replay and offline inspection. It has no
// bearing on the core's durability contract, which lives entirely in the
// blocks table; archive writes are best-effort (the loop logs a failed
// write and carries on) and run synchronously before each batch is mapped.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"

	// Driver registrations for file://, gs://, s3:// bucket URLs.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/chainload/columnar-sync/internal/model"
)

// Config selects and configures the archive destination.
type Config struct {
	// Enabled turns archiving on. When false, New returns a no-op Store.
	Enabled bool
	// BucketURL is a gocloud.dev bucket URL: "file:///data/archive",
	// "gs://my-bucket/prefix", or "s3://my-bucket/prefix?region=us-east-1".
	BucketURL string
	Database  string
}

// Store writes archived batches somewhere durable.
type Store interface {
	WriteBatch(ctx context.Context, batch model.DataBatch) error
	Close() error
}

// New builds a Store from cfg, or a no-op Store if archiving is disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	if !cfg.Enabled {
		return noopStore{}, nil
	}
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("archive: open bucket %s: %w", cfg.BucketURL, err)
	}
	return &blobStore{bucket: bucket, database: cfg.Database}, nil
}

type blobStore struct {
	bucket   *blob.Bucket
	database string
}

// WriteBatch serializes batch to Parquet and writes it atomically: the
// payload is first uploaded under a temp key, then copied to its
// canonical key and the temp key is removed, mirroring the teacher's
// local-store temp-then-rename pattern (object stores have no rename, so
// copy+delete stands in for it).
func (s *blobStore) WriteBatch(ctx context.Context, batch model.DataBatch) error {
	if len(batch.Blocks) == 0 {
		return nil
	}

	rows := make([]BatchRow, len(batch.Blocks))
	now := time.Now().UTC()
	var head uint64
	if batch.HeadNumber != nil {
		head = *batch.HeadNumber
	}
	for i, b := range batch.Blocks {
		var ts int64
		if b.Header.Timestamp != nil {
			ts = int64(*b.Header.Timestamp)
		}
		rows[i] = BatchRow{
			BlockNumber: b.Header.Number,
			BlockHash:   b.Header.Hash,
			ParentHash:  b.Header.ParentHash,
			Timestamp:   ts,
			BatchHead:   head,
			Database:    s.database,
			ArchivedAt:  now,
		}
	}

	var buf bytes.Buffer
	if err := parquet.Write[BatchRow](&buf, rows); err != nil {
		return fmt.Errorf("archive: encode parquet: %w", err)
	}

	first := batch.Blocks[0].Header.Number
	last := batch.Blocks[len(batch.Blocks)-1].Header.Number
	canonicalKey := fmt.Sprintf("%s/raw_batches/range=%d-%d/part-%s.parquet", s.database, first, last, uuid.NewString())
	tempKey := canonicalKey + ".tmp"

	if err := s.bucket.WriteAll(ctx, tempKey, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("archive: write temp object: %w", err)
	}
	if err := s.finalize(ctx, tempKey, canonicalKey); err != nil {
		return err
	}
	return nil
}

func (s *blobStore) finalize(ctx context.Context, tempKey, canonicalKey string) error {
	if err := s.bucket.Copy(ctx, canonicalKey, tempKey, nil); err != nil {
		return fmt.Errorf("archive: finalize copy: %w", err)
	}
	if err := s.bucket.Delete(ctx, tempKey); err != nil {
		return fmt.Errorf("archive: cleanup temp object: %w", err)
	}
	return nil
}

func (s *blobStore) Close() error { return s.bucket.Close() }

type noopStore struct{}

func (noopStore) WriteBatch(ctx context.Context, batch model.DataBatch) error { return nil }
func (noopStore) Close() error                                               { return nil }
