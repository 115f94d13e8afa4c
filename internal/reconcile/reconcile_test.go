package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
)

func TestReconcileWithHeadDeletesAboveHead(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, _ := url.QueryUnescape(r.URL.Query().Get("query"))
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
	}))
	defer srv.Close()

	c := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	head := &model.BlockRef{Number: 100, Hash: "h100"}
	err := Reconcile(context.Background(), c, "mychain", []string{"transfers", "logs"}, head)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(queries))
	}
	for _, q := range queries {
		if !strings.Contains(q, "block_number > 100") {
			t.Errorf("query %q missing block_number > 100", q)
		}
	}
}

func TestReconcileWithoutHeadTruncatesAll(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery, _ = url.QueryUnescape(r.URL.Query().Get("query"))
	}))
	defer srv.Close()

	c := chstore.New(chstore.Config{URL: srv.URL, Database: "mychain"})
	err := Reconcile(context.Background(), c, "mychain", []string{"transfers"}, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !strings.Contains(gotQuery, "block_number >= 0") {
		t.Errorf("query = %q, want predicate block_number >= 0", gotQuery)
	}
}
