package catalog

import (
	"context"
	"testing"
)

func TestNoopWriterNeverErrors(t *testing.T) {
	var w Writer = NoopWriter{}
	ctx := context.Background()

	runID, err := w.StartRun(ctx, "mychain")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := w.RecordCommittedRange(ctx, runID, "mychain", 100, "h100"); err != nil {
		t.Fatalf("RecordCommittedRange: %v", err)
	}
	if err := w.EndRun(ctx, runID, RunStatusOK); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
}
