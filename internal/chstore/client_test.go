package chstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestClientQueryDecodesJSONEachRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("database") != "mychain" {
			t.Errorf("database = %q, want mychain", q.Get("database"))
		}
		io.WriteString(w, "{\"number\":1,\"hash\":\"a\"}\n{\"number\":2,\"hash\":\"b\"}\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Database: "mychain"})

	var rows []struct {
		Number int    `json:"number"`
		Hash   string `json:"hash"`
	}
	if err := c.Query(context.Background(), "SELECT number, hash FROM blocks", &rows); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 || rows[1].Hash != "b" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestClientQueryErrorSurfacesStoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "Code: 62, unknown table")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Database: "mychain"})
	var rows []map[string]any
	err := c.Query(context.Background(), "SELECT * FROM missing", &rows)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StoreError
	if !asStoreError(err, &se) {
		t.Fatalf("expected *StoreError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", se.StatusCode)
	}
}

func TestClientInsertGzipsBody(t *testing.T) {
	var gotTable string
	var decoded []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("Content-Encoding = %q, want gzip", r.Header.Get("Content-Encoding"))
		}
		q, _ := url.QueryUnescape(r.URL.Query().Get("query"))
		gotTable = q

		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip.NewReader: %v", err)
		}
		defer gz.Close()
		body, _ := io.ReadAll(gz)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line == "" {
				continue
			}
			decoded = append(decoded, map[string]any{"line": line})
		}
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Database: "mychain"})
	rows := []map[string]any{{"number": 1}, {"number": 2}}
	if err := c.Insert(context.Background(), "events", rows); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !strings.Contains(gotTable, "INSERT INTO mychain.events") {
		t.Errorf("query = %q, missing INSERT INTO mychain.events", gotTable)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d lines, want 2", len(decoded))
	}
}

func TestClientInsertEmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Database: "mychain"})
	if err := c.Insert(context.Background(), "events", nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if called {
		t.Error("server should not be called for an empty row set")
	}
}

func asStoreError(err error, out **StoreError) bool {
	se, ok := err.(*StoreError)
	if !ok {
		return false
	}
	*out = se
	return true
}
