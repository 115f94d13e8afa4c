// Command columnar-sync runs the Processing Loop end to end: it wires a
// DataSource, the Store Adapter, the Schema Inspector, the Block Writer,
// and the ambient observability/catalog/checkpoint layers from
// environment configuration, then drives the loop until shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chainload/columnar-sync/internal/archive"
	"github.com/chainload/columnar-sync/internal/audit"
	"github.com/chainload/columnar-sync/internal/catalog"
	"github.com/chainload/columnar-sync/internal/checkpoint"
	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/config"
	"github.com/chainload/columnar-sync/internal/logging"
	"github.com/chainload/columnar-sync/internal/loop"
	"github.com/chainload/columnar-sync/internal/metrics"
	"github.com/chainload/columnar-sync/internal/model"
	"github.com/chainload/columnar-sync/internal/runner"
	"github.com/chainload/columnar-sync/internal/schema"
	"github.com/chainload/columnar-sync/internal/source"
	"github.com/chainload/columnar-sync/internal/writer"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := slog.Default()

	runner.Main(func(ctx context.Context) error {
		return run(ctx, cfg, log)
	})
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	client := chstore.New(chstore.Config{URL: cfg.Store.URL, Database: cfg.Store.Database})

	itemTables, err := schema.Inspect(ctx, client, cfg.Store.Database)
	if err != nil {
		return fmt.Errorf("main: inspect schema: %w", err)
	}
	log.Info("schema inspected", "item_tables", itemTables)

	src, err := source.New(source.Config{
		Mode:    cfg.Source.Mode,
		Portal:  source.PortalConfig{BaseURL: cfg.Source.PortalURL},
		Fixture: source.FixtureConfig{},
	})
	if err != nil {
		return fmt.Errorf("main: build source: %w", err)
	}
	defer src.Close()

	observers := writer.MultiObserver{}

	if cfg.Audit.Enabled {
		sink, err := buildAuditSink(cfg.Audit)
		if err != nil {
			return fmt.Errorf("main: build audit sink: %w", err)
		}
		observers = append(observers, audit.New(sink))
	}

	catalogWriter, err := buildCatalogWriter(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("main: build catalog writer: %w", err)
	}

	w := writer.New(client, cfg.Store.Database, writer.Options{
		ItemTables:   itemTables,
		TableOptions: cfg.Tables,
		Observer:     observers,
	})

	checkpointMgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return fmt.Errorf("main: build checkpoint manager: %w", err)
	}

	archiveStore, err := archive.New(ctx, archive.Config{
		Enabled:   cfg.Archive.Enabled,
		BucketURL: cfg.Archive.BucketURL,
		Database:  cfg.Store.Database,
	})
	if err != nil {
		return fmt.Errorf("main: build archive store: %w", err)
	}
	defer archiveStore.Close()

	var tracker *metrics.Tracker
	if cfg.Metrics.Enabled {
		prom := metrics.NewProm(cfg.Metrics.Namespace)
		tracker = metrics.NewTracker(cfg.Store.Database, prom, log)
		defer tracker.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	l := &loop.Loop{
		Client:     client,
		Database:   cfg.Store.Database,
		ItemTables: itemTables,
		Source:     src,
		Map:        exampleMap(itemTables),
		Writer:     w,
		Log:        log,
		Checkpoint: checkpointMgr,
		Catalog:    catalogWriter,
		Archive:    archiveStore,
	}
	if tracker != nil {
		l.Metrics = tracker
	}

	return l.Run(ctx)
}

func buildAuditSink(cfg config.AuditConfig) (audit.Sink, error) {
	switch cfg.Sink {
	case "http":
		return audit.NewHTTPSink(cfg.WebhookURL), nil
	default:
		return audit.NewFileSink(cfg.FilePath)
	}
}

func buildCatalogWriter(ctx context.Context, cfg config.CatalogConfig) (catalog.Writer, error) {
	if cfg.PostgresDSN == "" {
		return catalog.NoopWriter{}, nil
	}
	return catalog.NewPostgresWriter(ctx, cfg.PostgresDSN)
}

// exampleMap is a reference mapping used by this entrypoint's local
// development and fixture modes: it mirrors every block's own header
// fields into each configured item table. Production deployments supply
// their own loop.MapFunc; archiving is a Loop-level concern (see
// loop.Loop.Archive) and happens independently of whichever MapFunc is
// plugged in.
func exampleMap(itemTables []string) loop.MapFunc {
	return func(ctx context.Context, block model.Block) (model.PerBlockOutput, error) {
		out := make(model.PerBlockOutput, len(itemTables))
		for _, table := range itemTables {
			out[table] = []model.TableRow{{
				"block_number": block.Header.Number,
				"block_hash":   block.Header.Hash,
			}}
		}
		return out, nil
	}
}
