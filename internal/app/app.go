package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/bulkops/internal/api"
	"github.com/foxzi/bulkops/internal/batch"
	"github.com/foxzi/bulkops/internal/config"
	"github.com/foxzi/bulkops/internal/db"
	"github.com/foxzi/bulkops/internal/metrics"
	"github.com/foxzi/bulkops/internal/ratelimit"
	"github.com/foxzi/bulkops/internal/repository"
	"github.com/foxzi/bulkops/internal/transport"
)

// App is the main application
type App struct {
	config    *config.Config
	logger    *slog.Logger
	db        *db.DB
	jobs      *repository.JobRepository
	manager   *batch.Manager
	apiServer *api.Server

	quotaDB *bolt.DB
	limiter *ratelimit.Limiter

	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging, os.Stdout)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &App{
		config: cfg,
		logger: logger,
		db:     database,
		jobs:   repository.NewJobRepository(database.DB),
	}

	contacts := repository.NewContactRepository(database.DB)
	templates := repository.NewTemplateRepository(database.DB)
	messages := repository.NewMessageRepository(database.DB)
	gateway := transport.NewClient(cfg.Transport.URL, cfg.Transport.Token, cfg.Transport.Timeout)

	// A nil interface means unlimited; never pass a nil *Limiter.
	var quota batch.Quota
	if cfg.Quota.Enabled {
		if err := a.openQuota(); err != nil {
			a.close()
			return nil, err
		}
		quota = a.limiter
		logger.Info("send quota enabled", "path", cfg.Quota.Path)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		a.collector = metrics.NewCollector(m, a.jobs, cfg.Database.Path, cfg.Metrics.CollectInterval)
	}

	processors := []batch.Processor{
		batch.NewImportProcessor(contacts),
		batch.NewSendProcessor(contacts, templates, messages, gateway, quota, batch.SendDefaults{
			RatePerMinute: cfg.Batch.DefaultRatePerMinute,
			JitterMs:      cfg.Batch.DefaultJitterMs,
		}),
		batch.NewTagProcessor(contacts),
		batch.NewDeleteProcessor(contacts),
	}

	a.manager = batch.NewManager(a.jobs, processors, batch.Config{
		PageSize:             cfg.Batch.PageSize,
		SchedulePollInterval: cfg.Batch.SchedulePollInterval,
		ResumeOnStart:        cfg.Batch.Resume(),
	}, logger)

	a.apiServer = api.NewServer(api.Services{
		Jobs:      a.manager,
		Contacts:  contacts,
		Templates: templates,
		Transport: gateway,
		Version:   version,
	}, &cfg.Server, logger)

	return a, nil
}

func (a *App) openQuota() error {
	path := a.config.Quota.Path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create quota directory: %w", err)
	}

	boltDB, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open quota storage: %w", err)
	}
	a.quotaDB = boltDB

	a.limiter, err = ratelimit.NewLimiter(boltDB, &a.config.Quota.Config)
	if err != nil {
		return fmt.Errorf("failed to create send quota: %w", err)
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting bulkops",
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Path,
		"transport", a.config.Transport.URL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.manager.Start(); err != nil {
		a.close()
		return fmt.Errorf("failed to start batch manager: %w", err)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		a.cleanupLoop(ctx)
	}()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
	}
	cancel()
	<-cleanupDone

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop accepting submissions before stopping the jobs
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.manager.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close releases storage; safe on a partially built App
func (a *App) close() {
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("send quota stop error", "error", err)
		}
	}
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			a.logger.Error("quota storage close error", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// cleanupLoop removes finished jobs past the retention age
func (a *App) cleanupLoop(ctx context.Context) {
	retention := a.config.Database.Retention
	if retention == nil || retention.FinishedMaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(retention.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention.FinishedMaxAge)
			n, err := a.jobs.DeleteFinishedBefore(ctx, cutoff)
			if err != nil {
				a.logger.Error("failed to clean up finished jobs", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("cleaned up finished jobs", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
