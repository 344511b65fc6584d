package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/config"
	"github.com/openpid/doi-exporter/internal/export"
	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/metrics"
	"github.com/openpid/doi-exporter/internal/search"
	"github.com/openpid/doi-exporter/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		verbose    = flag.Bool("v", false, "enable debug logging")
		workers    = flag.Int("workers", 0, "override worker count")
		localOnly  = flag.Bool("local-only", false, "skip the bulk upload step")
		fromFlag   = flag.String("from", "", "first month to export (YYYY-MM), requires -to")
		toFlag     = flag.String("to", "", "last month to export (YYYY-MM), requires -from")
		monthFlag  = flag.String("month", "", "single month to export (YYYY-MM)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *workers > 0 {
		cfg.Export.Workers = *workers
	}

	logging.Setup(cfg.Log)
	slog.Info("doi-exporter starting", "version", export.Version, "git_sha", export.GitSHA)

	opts, err := runOptions(*fromFlag, *toFlag, *monthFlag, *localOnly)
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			slog.Info("starting metrics server", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	backend := search.NewClient(cfg.Search.Host, cfg.Search.Index,
		time.Duration(cfg.Search.TimeoutSeconds)*time.Second)

	var store storage.BulkStore
	if !opts.LocalOnly {
		store, err = storage.NewBulkStore(ctx, storage.Config{
			Backend:     cfg.Storage.Backend,
			LocalDir:    cfg.Storage.LocalDir,
			Bucket:      cfg.Storage.Bucket,
			Region:      cfg.Storage.Region,
			Endpoint:    cfg.Storage.Endpoint,
			Prefix:      cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
			MaxRetries:  cfg.Storage.MaxRetries,
		})
		if err != nil {
			log.Fatalf("failed to create storage: %v", err)
		}
		defer store.Close()
	}

	exp := export.New(cfg, backend, store)

	if err := exp.Run(ctx, opts); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown complete")
			return
		}
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}

	slog.Info("export finished cleanly")
}

// runOptions validates the bucket-selection flags before any work starts.
func runOptions(from, to, month string, localOnly bool) (export.RunOptions, error) {
	opts := export.RunOptions{LocalOnly: localOnly}

	if month != "" && (from != "" || to != "") {
		return opts, errors.New("-month cannot be combined with -from/-to")
	}
	if (from == "") != (to == "") {
		return opts, errors.New("-from and -to must be given together")
	}

	if month != "" {
		key, err := bucket.Parse(month)
		if err != nil {
			return opts, err
		}
		opts.Month = &key
	}
	if from != "" {
		fromKey, err := bucket.Parse(from)
		if err != nil {
			return opts, err
		}
		toKey, err := bucket.Parse(to)
		if err != nil {
			return opts, err
		}
		if toKey.Before(fromKey) {
			return opts, errors.New("-to precedes -from")
		}
		opts.From = &fromKey
		opts.To = &toKey
	}
	return opts, nil
}
