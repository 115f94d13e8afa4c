package loop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chainload/columnar-sync/internal/catalog"
	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
	"github.com/chainload/columnar-sync/internal/source"
	"github.com/chainload/columnar-sync/internal/writer"
)

// fakeCatalog records the run lifecycle and committed ranges the loop
// reports, for assertion without a real Postgres instance.
type fakeCatalog struct {
	mu      sync.Mutex
	started bool
	ended   bool
	status  catalog.RunStatus
	ranges  []uint64
}

func (c *fakeCatalog) StartRun(ctx context.Context, database string) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return uuid.New(), nil
}

func (c *fakeCatalog) EndRun(ctx context.Context, runID uuid.UUID, status catalog.RunStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	c.status = status
	return nil
}

func (c *fakeCatalog) RecordCommittedRange(ctx context.Context, runID uuid.UUID, database string, blockNumber uint64, blockHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges = append(c.ranges, blockNumber)
	return nil
}

// fakeStore is a minimal in-memory stand-in for ClickHouse's HTTP
// interface: it tracks inserted rows per table and answers the head query
// the loop issues at startup.
type fakeStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

func newFakeStoreServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	fs := &fakeStore{tables: map[string][]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, _ := url.QueryUnescape(r.URL.Query().Get("query"))
		switch {
		case strings.HasPrefix(q, "SELECT number, hash FROM"):
			fs.mu.Lock()
			rows := fs.tables[model.BlocksTable]
			fs.mu.Unlock()
			if len(rows) == 0 {
				return
			}
			last := rows[len(rows)-1]
			n, _ := last["number"].(uint64)
			w.Write([]byte(`{"number":` + strconv.FormatUint(n, 10) + `,"hash":"` + last["hash"].(string) + `"}` + "\n"))
		case strings.HasPrefix(q, "DELETE FROM"):
			// reconcile: not exercised with pre-seeded data in this test.
		case strings.HasPrefix(q, "INSERT INTO"):
			table := strings.TrimSuffix(strings.TrimPrefix(q, "INSERT INTO "), " FORMAT JSONEachRow")
			table = strings.SplitN(table, ".", 2)[1]
			fs.mu.Lock()
			defer fs.mu.Unlock()
			// The request body carries gzip-compressed rows; this fake
			// only needs counts, so it records one placeholder row per
			// call for simplicity in assertions below.
			fs.tables[table] = append(fs.tables[table], map[string]any{"_flushed": true})
		}
	}))
	return srv, fs
}

func TestLoopFreshRunFlushesAtHead(t *testing.T) {
	srv, _ := newFakeStoreServer(t)
	defer srv.Close()

	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	w := writer.New(client, "mychain", writer.Options{ItemTables: []string{"transfers"}})

	head := uint64(101)
	fx := source.NewFixtureSource(source.FixtureConfig{
		Batches: []model.DataBatch{
			{
				Blocks: []model.Block{
					{Header: model.Header{Number: 100, Hash: "h100", ParentHash: "h99"}},
					{Header: model.Header{Number: 101, Hash: "h101", ParentHash: "h100"}},
				},
				HeadNumber: &head,
			},
		},
	})

	mapFn := func(ctx context.Context, b model.Block) (model.PerBlockOutput, error) {
		if b.Header.Number == 100 {
			return model.PerBlockOutput{"transfers": {{"amount": 1}, {"amount": 2}}}, nil
		}
		return model.PerBlockOutput{}, nil
	}

	l := &Loop{
		Client:     client,
		Database:   "mychain",
		ItemTables: []string{"transfers"},
		Source:     fx,
		Map:        mapFn,
		Writer:     w,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	headRef, ok := w.CommittedHead()
	if !ok || headRef.Number != 101 {
		t.Fatalf("CommittedHead = %+v, %v, want 101, true", headRef, ok)
	}
}

func TestLoopRecordsCatalogRunAndRanges(t *testing.T) {
	srv, _ := newFakeStoreServer(t)
	defer srv.Close()

	client := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	w := writer.New(client, "mychain", writer.Options{ItemTables: []string{"transfers"}})

	head := uint64(100)
	fx := source.NewFixtureSource(source.FixtureConfig{
		Batches: []model.DataBatch{
			{
				Blocks:     []model.Block{{Header: model.Header{Number: 100, Hash: "h100", ParentHash: "h99"}}},
				HeadNumber: &head,
			},
		},
	})

	cat := &fakeCatalog{}
	l := &Loop{
		Client:     client,
		Database:   "mychain",
		ItemTables: []string{"transfers"},
		Source:     fx,
		Map:        func(ctx context.Context, b model.Block) (model.PerBlockOutput, error) { return model.PerBlockOutput{}, nil },
		Writer:     w,
		Catalog:    cat,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()
	if !cat.started || !cat.ended {
		t.Fatalf("expected run to be started and ended, got started=%v ended=%v", cat.started, cat.ended)
	}
	if cat.status != catalog.RunStatusOK {
		t.Errorf("status = %v, want ok", cat.status)
	}
	if len(cat.ranges) == 0 || cat.ranges[len(cat.ranges)-1] != 100 {
		t.Errorf("ranges = %v, want last entry 100", cat.ranges)
	}
}
