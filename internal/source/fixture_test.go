package source

import (
	"context"
	"testing"
	"time"

	"github.com/chainload/columnar-sync/internal/model"
)

func TestFixtureSourceReplaysBatchesInOrder(t *testing.T) {
	head := uint64(101)
	cfg := FixtureConfig{
		Batches: []model.DataBatch{
			{Blocks: []model.Block{{Header: model.Header{Number: 100, Hash: "h100"}}}, HeadNumber: &head},
			{Blocks: nil, HeadNumber: &head},
		},
	}
	src := NewFixtureSource(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batches, errs := src.Stream(ctx, nil)
	var got []model.DataBatch
	for b := range batches {
		got = append(got, b)
	}
	select {
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	default:
	}
	if len(got) != 2 {
		t.Fatalf("got %d batches, want 2", len(got))
	}
	if !got[1].ReachedHead() {
		t.Error("empty trailing batch should report ReachedHead")
	}
}

func TestFixtureSourceEmitsRollbackAfterScript(t *testing.T) {
	rb := &RollbackDetected{ExpectedParentHash: "a", GotParentHash: "b", AtBlock: 50}
	src := NewFixtureSource(FixtureConfig{Rollback: rb})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batches, errs := src.Stream(ctx, nil)
	for range batches {
	}
	err := <-errs
	if err != rb {
		t.Fatalf("got %v, want %v", err, rb)
	}
}
