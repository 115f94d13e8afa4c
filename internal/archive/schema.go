package archive

import "time"

// BatchRow is one archived block, flattened for Parquet storage. It
// preserves just enough of a DataBatch to replay or inspect a run without
// re-querying the source.
type BatchRow struct {
	BlockNumber  uint64    `parquet:"block_number"`
	BlockHash    string    `parquet:"block_hash"`
	ParentHash   string    `parquet:"parent_hash"`
	Timestamp    int64     `parquet:"timestamp"`
	BatchHead    uint64    `parquet:"batch_head"`
	Database     string    `parquet:"database"`
	ArchivedAt   time.Time `parquet:"archived_at,timestamp(millisecond)"`
}

// TableName is the canonical name used in archive paths.
func (BatchRow) TableName() string { return "raw_batches" }
