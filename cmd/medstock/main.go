package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/medstock/cmd/medstock/cli"
	"github.com/odyssey-erp/medstock/internal/app"
	"github.com/odyssey-erp/medstock/internal/inventory"
	"github.com/odyssey-erp/medstock/internal/masterdata"
	"github.com/odyssey-erp/medstock/internal/observability"
	"github.com/odyssey-erp/medstock/internal/platform/cache"
	"github.com/odyssey-erp/medstock/internal/platform/db"
	"github.com/odyssey-erp/medstock/internal/procurement"
	"github.com/odyssey-erp/medstock/internal/shared"
	"github.com/odyssey-erp/medstock/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if args := os.Args[1:]; len(args) > 0 {
		if err := cli.Dispatch(ctx, args, commandDeps(cfg, logger)); err != nil {
			logger.Error("command failed", slog.String("command", args[0]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if app.InTestMode() {
		logger.Info("test mode detected, skipping server startup")
		return
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func commandDeps(cfg *app.Config, logger *slog.Logger) cli.Deps {
	return cli.Deps{
		DSN:     cfg.PGDSN,
		Logger:  logger,
		Out:     os.Stdout,
		Migrate: db.Migrate,
		Jobs: func() (cli.JobRunner, func() error, error) {
			jc, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyRetention)
			if err != nil {
				return nil, nil, err
			}
			return jc.Runner(), jc.Close, nil
		},
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			return err
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, running without cache and distributed locks", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	masterRepo := masterdata.NewRepository(pool)
	masterService := masterdata.NewService(masterRepo)
	auditLogger := shared.NewAuditLogger(pool)
	locker := shared.NewLocker(redisClient, cfg.LockTTL)

	inventoryCache := inventory.NewCache(redisClient, cfg.ExpiryCacheTTL)
	inventoryService := inventory.NewService(inventory.NewRepository(pool), inventory.Deps{
		References: masterService,
		Audit:      auditLogger,
		Locker:     locker,
		Metrics:    metrics,
		Cache:      inventoryCache,
		Logger:     logger,
	}, inventory.ServiceConfig{
		ShortfallPolicy: cfg.ShortfallPolicy(),
		MaxRetries:      cfg.CommitMaxRetries,
		WarningDays:     cfg.ExpiryWarningDays,
	})

	procurementService := procurement.NewService(procurement.NewRepository(pool), procurement.Deps{
		Inventory:   inventoryService,
		References:  masterService,
		Idempotency: shared.NewIdempotencyStore(pool),
		Approvals:   shared.NewApprovalRecorder(pool, logger),
		Audit:       auditLogger,
		Locker:      locker,
		Metrics:     metrics,
		Cache:       inventoryCache,
		Logger:      logger,
		MaxRetries:  cfg.CommitMaxRetries,
	})

	var jobHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = inspector.Close() }()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	checks := map[string]app.HealthCheck{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = redisCheck(redisClient)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService, inventoryCache),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		MasterDataHandler:  masterdata.NewHandler(logger, masterService),
		JobHandler:         jobHandler,
		Metrics:            metrics,
		HealthChecks:       checks,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down http server")
	return server.Shutdown(shutdownCtx)
}

func redisCheck(client *redis.Client) app.HealthCheck {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}
