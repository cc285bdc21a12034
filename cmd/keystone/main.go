package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/edukite/keystone/pkg/audit"
	"github.com/edukite/keystone/pkg/config"
	"github.com/edukite/keystone/pkg/observability"
	"github.com/edukite/keystone/pkg/provision"
	"github.com/edukite/keystone/pkg/sso"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	logger.Info("starting keystone authentication core")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("keystone exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Schemas are idempotent; applying them at startup keeps fresh
	// deployments zero-touch.
	providerStorage := sso.NewStorage(db)
	if err := providerStorage.Migrate(ctx); err != nil {
		return err
	}
	requestStore := provision.NewRequestStore(db)
	if err := requestStore.Migrate(ctx); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, audit.AuditLogSchema); err != nil {
		return fmt.Errorf("failed to apply audit schema: %w", err)
	}

	// Redis is optional; without it the JIT guard degrades to a no-op.
	var guard provision.Guard
	if cfg.Redis.URL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer redisClient.Close()
		guard = provision.NewRedisGuard(redisClient)
		logger.Info("JIT provisioning guard enabled")
	} else {
		logger.Warn("no redis configured, JIT provisioning guard disabled")
	}

	auditor, err := buildAuditor(db, cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer auditor.Close()

	httpClient := &http.Client{Timeout: cfg.Auth.RequestTimeout}
	coordinator := provision.NewCoordinator(
		provision.NewHTTPUserService(cfg.Services.UserServiceURL, httpClient),
		provision.NewHTTPApprovalService(cfg.Services.ApprovalServiceURL, httpClient),
		requestStore,
		guard,
		logger,
	)

	metrics := observability.NewMetrics()
	service := sso.NewService(db, coordinator, auditor, metrics, logger, sso.Options{
		SessionTTL:         cfg.Auth.SessionTTL,
		ClockSkew:          cfg.Auth.ClockSkew,
		RequestTimeout:     cfg.Auth.RequestTimeout,
		SupportTokenSecret: cfg.Auth.SupportTokenSecret,
		SupportTokenTTL:    cfg.Auth.SupportTokenTTL,
	})

	handlers := sso.NewHandlers(service, logger)
	router := mux.NewRouter()
	router.Use(handlers.RequestIDMiddleware)
	handlers.RegisterRoutes(router)

	mainServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", metrics.Handler())
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() {
		sweep(context.Background(), service, requestStore, logger)
	}); err != nil {
		return fmt.Errorf("failed to schedule hygiene sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", mainServer.Addr).Info("authentication server listening")
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("authentication server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := mainServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("authentication server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	return group.Wait()
}

func buildAuditor(db *sql.DB, cfg config.AuditConfig, logger *observability.Logger) (audit.Logger, error) {
	dbLogger := audit.NewDBLogger(db)
	if cfg.FilePath == "" {
		return dbLogger, nil
	}

	fileLogger, err := audit.NewFileLogger(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	logger.WithField("path", cfg.FilePath).Info("mirroring audit entries to file")
	return audit.NewMultiLogger(dbLogger, fileLogger), nil
}

// sweep transitions stale sessions and approval requests. Read paths
// enforce both windows on their own; this keeps the tables honest.
func sweep(ctx context.Context, service *sso.Service, requests *provision.RequestStore, logger *observability.Logger) {
	if n, err := service.Sessions().ExpireStale(ctx); err != nil {
		logger.WithError(err).Warn("session sweep failed")
	} else if n > 0 {
		logger.WithField("count", n).Info("expired stale sessions")
	}

	if n, err := requests.ExpireStale(ctx); err != nil {
		logger.WithError(err).Warn("approval request sweep failed")
	} else if n > 0 {
		logger.WithField("count", n).Info("expired stale approval requests")
	}
}
