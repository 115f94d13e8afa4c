package writer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
)

type countingServer struct {
	mu     sync.Mutex
	inserts map[string]int
	fail    map[string]bool
}

func newCountingServer() *httptest.Server {
	cs := &countingServer{inserts: map[string]int{}, fail: map[string]bool{}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, _ := url.QueryUnescape(r.URL.Query().Get("query"))
		table := extractTable(q)
		cs.mu.Lock()
		fail := cs.fail[table]
		cs.inserts[table]++
		cs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
	}))
}

func extractTable(query string) string {
	const marker = "INSERT INTO "
	i := len(marker)
	if len(query) < i {
		return ""
	}
	rest := query[i:]
	for j, c := range rest {
		if c == '.' {
			rest = rest[j+1:]
			break
		}
	}
	for j, c := range rest {
		if c == ' ' {
			return rest[:j]
		}
	}
	return rest
}

func TestPushAndFlushPublishesBlocksAfterItemTablesDurable(t *testing.T) {
	srv := newCountingServer()
	defer srv.Close()
	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})

	w := New(client, "mychain", Options{ItemTables: []string{"transfers"}})

	header := model.Header{Number: 100, Hash: "h100", ParentHash: "h99"}
	err := w.Push(header, model.PerBlockOutput{
		"transfers": {{"amount": 5}, {"amount": 7}},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	head, ok := w.CommittedHead()
	if !ok || head.Number != 100 {
		t.Fatalf("CommittedHead = %+v, %v, want 100, true", head, ok)
	}
}

func TestPushRejectsUnknownTable(t *testing.T) {
	srv := newCountingServer()
	defer srv.Close()
	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	w := New(client, "mychain", Options{ItemTables: []string{"transfers"}})

	err := w.Push(model.Header{Number: 1, Hash: "a"}, model.PerBlockOutput{"unknown": {{"x": 1}}})
	if err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestPushRejectsReservedBlocksTable(t *testing.T) {
	srv := newCountingServer()
	defer srv.Close()
	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	w := New(client, "mychain", Options{ItemTables: []string{"transfers"}})

	err := w.Push(model.Header{Number: 1, Hash: "a"}, model.PerBlockOutput{"blocks": {{"x": 1}}})
	if err == nil {
		t.Fatal("expected error pushing to reserved blocks table")
	}
}

func TestDrainUnblocksAfterFlush(t *testing.T) {
	srv := newCountingServer()
	defer srv.Close()
	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})

	w := New(client, "mychain", Options{
		ItemTables:   []string{"transfers"},
		TableOptions: map[string]model.TableOptions{"transfers": {LowWatermark: 2, HighWatermark: 3}},
	})

	for i := uint64(1); i <= 4; i++ {
		if err := w.Push(model.Header{Number: i, Hash: "h"}, model.PerBlockOutput{"transfers": {{"n": i}}}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

// TestBlocksLowWatermarkNeverBypassesCommitBarrier pushes enough blocks to
// cross the blocks table's own low watermark without ever calling Flush.
// Even though that crossing triggers a background flush of the blocks
// buffer, no blocks row may reach the store until the (never-flushed) item
// table is durable up to it: the commit barrier, not a raw insert, must
// gate every blocks-table write.
func TestBlocksLowWatermarkNeverBypassesCommitBarrier(t *testing.T) {
	srv := newCountingServer()
	defer srv.Close()
	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})

	w := New(client, "mychain", Options{
		ItemTables:   []string{"transfers"},
		TableOptions: map[string]model.TableOptions{model.BlocksTable: {LowWatermark: 4, HighWatermark: 1 << 20}},
	})

	for i := uint64(1); i <= 10; i++ {
		err := w.Push(model.Header{Number: i, Hash: "h", ParentHash: "hp"}, model.PerBlockOutput{
			"transfers": {{"n": i}},
		})
		if err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	// Give any wrongly-triggered background flush a chance to run.
	time.Sleep(50 * time.Millisecond)

	if _, ok := w.CommittedHead(); ok {
		t.Fatal("blocks row reached the store before the item table was ever flushed")
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	head, ok := w.CommittedHead()
	if !ok || head.Number != 10 {
		t.Fatalf("CommittedHead after Flush = %+v, %v, want 10, true", head, ok)
	}
}

func TestIsHealthyFalseAfterFlushError(t *testing.T) {
	cs := &countingServer{inserts: map[string]int{}, fail: map[string]bool{"transfers": true}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, _ := url.QueryUnescape(r.URL.Query().Get("query"))
		table := extractTable(q)
		if cs.fail[table] {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
	}))
	defer srv.Close()

	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	w := New(client, "mychain", Options{ItemTables: []string{"transfers"}})

	if err := w.Push(model.Header{Number: 1, Hash: "h"}, model.PerBlockOutput{"transfers": {{"n": 1}}}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	err := w.Flush(context.Background())
	if err == nil {
		t.Fatal("expected flush error")
	}
	if w.IsHealthy() {
		t.Error("writer should be unhealthy after a flush error")
	}
}
