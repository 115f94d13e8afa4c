// Package checkpoint provides a local, disk-backed hint of the last
// committed block. The loop loads it at startup and only logs it; the
// head lookup against the store still always runs. It is never
// authoritative: the store's own blocks table is always the source of
// truth, per the writer's commit barrier.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainload/columnar-sync/internal/model"
)

// ErrNoCheckpoint is returned when no checkpoint exists for a database.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpoint is the last head this process observed for one database.
type Checkpoint struct {
	Database  string         `json:"database"`
	Head      model.BlockRef `json:"head"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	Load(ctx context.Context, database string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory %s: %w", cfg.Dir, err)
	}
	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists one checkpoint file per database.
type fileManager struct {
	dir string
}

func (m *fileManager) path(database string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", database))
}

// Load reads the checkpoint for database, if one exists.
func (m *fileManager) Load(ctx context.Context, database string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path(database))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("checkpoint: read file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: parse file: %w", err)
	}
	return &cp, nil
}

// Save persists cp atomically: write to a temp file, then rename over the
// previous checkpoint so a crash mid-write never corrupts it.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.path(cp.Database)

	stamped := *cp
	stamped.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(&stamped, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("checkpoint: rename file: %w", err)
	}
	return nil
}

// noopManager is used when checkpointing is disabled: every load misses,
// every save is silently discarded.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, database string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
