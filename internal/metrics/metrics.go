// Package metrics tracks rolling block/row throughput for the periodic
// status line, and exports the same counters as Prometheus metrics for
// operators who want dashboards rather than log lines.
package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom holds the Prometheus side of the metrics surface. It has no
// bearing on correctness; nothing in the loop or writer reads it back.
// Only BlocksProcessed is updated (by Tracker.RecordBlock); the other
// families are registered but nothing in this repository sets them.
type Prom struct {
	BlocksProcessed *prometheus.CounterVec
	RowsWritten     *prometheus.CounterVec
	FlushDuration   *prometheus.HistogramVec
	TablePending    *prometheus.GaugeVec
	WriterHealthy   prometheus.Gauge
}

// NewProm registers the Prometheus metric family under namespace.
func NewProm(namespace string) *Prom {
	if namespace == "" {
		namespace = "columnar_sync"
	}
	dbLabel := []string{"database"}
	dbTable := []string{"database", "table"}
	return &Prom{
		BlocksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks pushed into the writer.",
		}, dbLabel),
		RowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Total number of rows durably inserted, across all tables.",
		}, dbTable),
		FlushDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a single table flush.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, dbTable),
		TablePending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_pending_rows",
			Help:      "Rows currently buffered, not yet durable, per table.",
		}, dbTable),
		WriterHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writer_healthy",
			Help:      "1 if the writer has no unrecovered flush error, else 0.",
		}),
	}
}

// Handler returns the promhttp handler to mount on the configured metrics
// address.
func (p *Prom) Handler() http.Handler { return promhttp.Handler() }

// Tracker accumulates rolling blocks-per-second / rows-per-second and
// emits a slog status line at most once every interval
// (defaultStatusInterval, 5s), checked on a ticker of the same period.
type Tracker struct {
	database string
	prom     *Prom
	log      *slog.Logger
	interval time.Duration

	mu          sync.Mutex
	blocks      int64
	rows        int64
	windowStart time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
}

const defaultStatusInterval = 5 * time.Second

// NewTracker builds a Tracker and starts its background status-line timer.
func NewTracker(database string, prom *Prom, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		database:    database,
		prom:        prom,
		log:         log,
		interval:    defaultStatusInterval,
		windowStart: nowFunc(),
		stopCh:      make(chan struct{}),
	}
	go t.timerLoop()
	return t
}

// nowFunc exists so the interval math has one seam; production always
// uses the real clock.
var nowFunc = time.Now

// RecordBlock accounts one processed block and its row count.
func (t *Tracker) RecordBlock(rows int) {
	t.mu.Lock()
	t.blocks++
	t.rows += int64(rows)
	t.mu.Unlock()

	if t.prom != nil {
		t.prom.BlocksProcessed.WithLabelValues(t.database).Inc()
	}
}

func (t *Tracker) timerLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.reportIfDue()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) reportIfDue() {
	t.mu.Lock()
	now := nowFunc()
	elapsed := now.Sub(t.windowStart)
	if elapsed < t.interval {
		t.mu.Unlock()
		return
	}
	blocks, rows := t.blocks, t.rows
	t.blocks, t.rows = 0, 0
	t.windowStart = now
	t.mu.Unlock()

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	t.log.Info("throughput",
		"blocks_per_sec", int(float64(blocks)/secs+0.5),
		"rows_per_sec", int(float64(rows)/secs+0.5),
	)
}

// Stop halts the background status-line timer.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
