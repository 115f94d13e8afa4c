// Package chstore implements the Store Adapter against ClickHouse's native
// HTTP interface: query, command, and bulk insert, all over a shared,
// connection-pooled *http.Client.
package chstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/klauspost/compress/gzip"
)

// StoreError wraps a failed ClickHouse HTTP call with enough context to
// diagnose it without re-running the query by hand.
type StoreError struct {
	StatusCode int
	Message    string
	Query      string
}

func (e *StoreError) Error() string {
	q := e.Query
	if len(q) > 200 {
		q = q[:200] + "..."
	}
	return fmt.Sprintf("clickhouse: status %d: %s (query: %s)", e.StatusCode, e.Message, q)
}

// Client talks to one ClickHouse server/database pair over HTTP.
type Client struct {
	baseURL  string
	database string
	http     *http.Client
}

// Config configures a Client.
type Config struct {
	URL             string
	Database        string
	MaxIdleConnsPer int
	Timeout         time.Duration
}

// New builds a Client with a bounded, reusable transport so concurrent
// per-table flushes share connections instead of each dialing fresh.
func New(cfg Config) *Client {
	maxIdle := cfg.MaxIdleConnsPer
	if maxIdle <= 0 {
		maxIdle = 16
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdle,
		MaxIdleConns:        maxIdle * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  cfg.URL,
		database: cfg.Database,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) endpoint(query string) string {
	v := url.Values{}
	v.Set("database", c.database)
	v.Set("query", query)
	return c.baseURL + "?" + v.Encode()
}

// Query runs a SELECT and decodes the JSONEachRow response into dst, which
// must be a pointer to a slice.
func (c *Client) Query(ctx context.Context, sql string, dst any) error {
	full := sql + " FORMAT JSONEachRow"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(full), nil)
	if err != nil {
		return fmt.Errorf("chstore: build query request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chstore: query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.storeError(resp, sql)
	}

	return decodeJSONEachRow(resp.Body, dst)
}

// Command runs a statement that returns no rows (DELETE, DDL).
func (c *Client) Command(ctx context.Context, sql string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(sql), nil)
	if err != nil {
		return fmt.Errorf("chstore: build command request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chstore: command request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.storeError(resp, sql)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Insert streams rows into table as gzip-compressed JSONEachRow, never
// materializing the whole batch as one []byte.
func (c *Client) Insert(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", c.database, table)

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				gz.Close()
				pw.CloseWithError(fmt.Errorf("chstore: encode row: %w", err))
				return
			}
		}
		if err := gz.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("chstore: close gzip writer: %w", err))
			return
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(query), pr)
	if err != nil {
		return fmt.Errorf("chstore: build insert request: %w", err)
	}
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chstore: insert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.storeError(resp, query)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) storeError(resp *http.Response, query string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StoreError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body)), Query: query}
}

// decodeJSONEachRow reads newline-delimited JSON objects, one per row, and
// appends each into the slice pointed to by dst using reflection so callers
// can decode into any row struct, not just map[string]any.
func decodeJSONEachRow(r io.Reader, dst any) error {
	sliceVal := reflect.ValueOf(dst)
	if sliceVal.Kind() != reflect.Ptr || sliceVal.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("chstore: decode target must be a pointer to a slice, got %T", dst)
	}
	elemType := sliceVal.Elem().Type().Elem()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rowPtr := reflect.New(elemType)
		if err := json.Unmarshal(line, rowPtr.Interface()); err != nil {
			return fmt.Errorf("chstore: decode row: %w", err)
		}
		sliceVal.Elem().Set(reflect.Append(sliceVal.Elem(), rowPtr.Elem()))
	}
	return sc.Err()
}
