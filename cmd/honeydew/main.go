// Package main is the entry point for the Honeydew upload server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeydew/honeydew/internal/config"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/logging"
	"github.com/honeydew/honeydew/internal/metrics"
	"github.com/honeydew/honeydew/internal/server"
	"github.com/honeydew/honeydew/internal/slug"
	"github.com/honeydew/honeydew/internal/storage"
	"github.com/honeydew/honeydew/internal/sweeper"
	"github.com/honeydew/honeydew/internal/tracing"
	"github.com/honeydew/honeydew/internal/upload"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "honeydew.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxUploadSize := flag.Int64("max-upload-size", 0, "maximum upload size in bytes (default: from config or 5368709120)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUploadSize != 0 {
		cfg.Server.MaxUploadSize = *maxUploadSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tracing: %v\n", err)
		os.Exit(1)
	}
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Every startup is recovery: SQLite WAL recovers on open and staged
	// blocks without a ledger record are removed below.
	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize ledger: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()
	slog.Info("Ledger initialized", "engine", cfg.Ledger.Engine)

	backend, err := openBackend(ctx, cfg, l)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	engine := upload.New(l, backend,
		slug.New(l, cfg.Upload.SlugAlphabet, cfg.Upload.SlugSize),
		upload.WithReadBufferSize(cfg.Upload.ReadBufferSize),
		upload.WithDeletionPolicy(upload.DeletionPolicy{
			Allow:                 cfg.Deletion.AllowDeletionOfUploads,
			AlsoDeleteFromStorage: cfg.Deletion.AlsoDeleteFileFromStorage,
			Schedule:              cfg.Deletion.ScheduleAndMarkUploadsForDeletion,
			DeleteAfter:           time.Duration(cfg.Deletion.DeleteSecondsAfterMarked) * time.Second,
		}),
	)

	if cfg.Deletion.AllowDeletionOfUploads && cfg.Deletion.ScheduleAndMarkUploadsForDeletion {
		interval := time.Duration(cfg.Deletion.RunCleanupEveryXSeconds) * time.Second
		sw := sweeper.New(l, engine, func() time.Duration { return interval })
		go sw.Run(ctx)
		slog.Info("Deletion sweeper started", "interval", interval)
	}

	srv, err := server.New(cfg, engine, l)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Honeydew listening", "addr", addr, "storage", backend.Name(), "version", version)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		stop()

		// Give in-flight appends time to flush their last block.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("Tracing shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openBackend builds the storage backend named by storage.type. Validation
// has already checked the required settings.
func openBackend(ctx context.Context, cfg *config.Config, l ledger.Ledger) (storage.Backend, error) {
	st, _ := config.ParseStorageType(cfg.Storage.Type)
	switch st {
	case config.StorageS3:
		s3 := cfg.Storage.S3
		b, err := storage.NewS3Backend(ctx, s3)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "s3", "bucket", s3.Bucket, "region", s3.Region, "prefix", s3.Prefix)
		return b, nil
	case config.StorageAzureBlobs:
		az := cfg.Storage.AzureBlobs
		b, err := storage.NewAzureBackend(ctx, az)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", az.ContainerName, "prefix", az.Prefix)
		return b, nil
	case config.StorageGCS:
		gcs := cfg.Storage.GCS
		b, err := storage.NewGCSBackend(ctx, gcs)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "gcs", "bucket", gcs.Bucket, "project", gcs.Project, "prefix", gcs.Prefix)
		return b, nil
	case config.StorageMemory:
		slog.Warn("Memory storage backend selected: uploads are lost on restart")
		return storage.NewMemoryBackend(storage.MemoryOptions{
			BlockSize:    cfg.Storage.Memory.BlockSize,
			MaxSizeBytes: cfg.Storage.Memory.MaxSizeBytes,
		}), nil
	default:
		d := cfg.Storage.Disk
		b, err := storage.NewLocalBackend(d.CacheDirectory, d.StorageDirectory, d.BlockSize)
		if err != nil {
			return nil, err
		}
		// Staged blocks whose record is gone belong to uploads that were
		// deleted or never created.
		removed, err := b.CleanStaging(ctx, l.Exists)
		if err != nil {
			slog.Warn("Failed to clean staging directory", "error", err)
		} else if removed > 0 {
			slog.Info("Removed orphaned staged uploads", "count", removed)
		}
		slog.Info("Storage backend initialized", "backend", "disk", "cache", d.CacheDirectory, "storage", d.StorageDirectory)
		return b, nil
	}
}
