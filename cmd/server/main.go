package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/openrates/geostage/internal/analysis"
	"github.com/openrates/geostage/internal/archive"
	"github.com/openrates/geostage/internal/config"
	"github.com/openrates/geostage/internal/logging"
	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/objstore"
	"github.com/openrates/geostage/internal/pipeline"
	"github.com/openrates/geostage/internal/standards"
	"github.com/openrates/geostage/internal/store"
	"github.com/openrates/geostage/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"analysis_max_concurrent", cfg.Analysis.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Apply schema migrations before opening the pool.
	if err := runMigrations(cfg); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	blobs, err := objstore.New(ctx, objstore.Options{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to object store", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to object store",
		"endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)

	pg := store.NewPostgres(pool)
	scorer := standards.Default()

	classifier := archive.NewClassifier()
	classifier.MaxEntries = cfg.Archive.MaxEntries
	classifier.MaxTotalBytes = cfg.Archive.MaxTotalBytes
	classifier.MaxAttempts = cfg.Archive.MaxAttempts
	classifier.RetryInterval = cfg.Archive.RetryInterval

	analyzer, err := analysis.NewService(
		mapping.NewGenerator(scorer),
		mapping.NewMatcher(pg),
		classifier,
		slog.Default(),
		analysis.Options{
			CacheSize:     cfg.Analysis.CacheSize,
			MaxConcurrent: cfg.Analysis.MaxConcurrent,
			MaxWait:       cfg.Analysis.MaxWaitTime,
		},
	)
	if err != nil {
		slog.Error("failed to create analysis service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(cfg, analyzer, pipeline.New(pg, pg), pg, blobs)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let in-flight analyses finish before closing the listener.
		if active := analyzer.Limiter().ActiveCount(); active > 0 {
			slog.Info("waiting for analyses to complete", "active", active)
			if err := analyzer.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("analyses did not complete in time", "error", err)
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// runMigrations applies pending schema migrations. A database already at
// the latest version is not an error.
func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://"+cfg.Database.MigrationsPath, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	slog.Info("migrations applied", "path", cfg.Database.MigrationsPath)
	return nil
}
