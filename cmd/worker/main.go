package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mealsync/internal/api"
	"mealsync/internal/caldav"
	"mealsync/internal/config"
	"mealsync/internal/database"
	"mealsync/internal/domain"
	"mealsync/internal/events"
	"mealsync/internal/logging"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
	"mealsync/internal/queue"
	"mealsync/internal/service"
	"mealsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// claimLeaseGrace is added to the job timeout before a claimed job counts as abandoned.
const claimLeaseGrace = time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := initDatabase(cfg, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	importQueue := newQueue(cfg, redisClient, models.QueueImport, cfg.Queues.Import)
	syncQueue := newQueue(cfg, redisClient, models.QueueCaldavSync, cfg.Queues.CaldavSync)
	queues := service.NewQueueSet(importQueue, syncQueue)

	importService := service.NewImportService(
		importQueue,
		db,
		service.NewParserClient(cfg.Import.ParserURL, cfg.Import.Timeout),
		cfg.Queues.Import.MaxAttempts,
		logging.Component(&logger, "import"),
	)

	caldavClient := caldav.NewClient(caldav.Options{
		Timeout:   cfg.Caldav.Timeout,
		RateLimit: cfg.Caldav.RateLimitRPS,
		Burst:     cfg.Caldav.RateLimitBurst,
		UserAgent: cfg.Caldav.UserAgent,
	}, logging.Component(&logger, "caldav"))

	syncService := service.NewSyncService(
		syncQueue,
		db,
		db,
		db,
		caldavClient,
		cfg.Queues.CaldavSync.MaxAttempts,
		logging.Component(&logger, "caldav-sync"),
	)

	importPool := worker.NewPool(importQueue, poolOptions(cfg.Queues.Import, nil), logging.Component(&logger, "import-worker"))
	importService.Register(importPool)

	syncPool := worker.NewPool(syncQueue, poolOptions(cfg.Queues.CaldavSync, syncService.OnExhausted), logging.Component(&logger, "caldav-worker"))
	syncService.Register(syncPool)

	bus := events.NewBus(64)
	bridge := service.NewBridge(bus, syncService, db, logging.Component(&logger, "bridge"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	importPool.Start(ctx)
	syncPool.Start(ctx)
	bridge.Start(ctx)

	var sweeper *service.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper, err = service.NewSweeper(cfg.Sweeper.Schedule, syncService, queues, logging.Component(&logger, "sweeper"))
		if err != nil {
			return fmt.Errorf("init sweeper: %w", err)
		}
		sweeper.Start()
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Services{
			Imports:   importService,
			Jobs:      queues,
			Caldav:    syncService,
			Settings:  db,
			Publisher: bus,
		}, logging.Component(&logger, "http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Bool("redis", redisClient != nil).
		Bool("api", cfg.API.Enabled).
		Bool("sweeper", cfg.Sweeper.Enabled).
		Msg("worker started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	bridge.Wait()
	importPool.Wait()
	syncPool.Wait()

	logger.Info().Msg("worker stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	return cfg, logger, closer, nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	if err := db.SetEncryptionKey(cfg.Security.EncryptionKey); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set encryption key: %w", err)
	}
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Warn().Msg("redis address not set, queues run in memory")
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queue.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, queues run in memory")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func newQueue(cfg *config.Config, client *redis.Client, name string, qc config.QueueConfig) domain.JobQueue {
	if client == nil {
		return queue.NewMemoryQueue(name, qc.Retention)
	}
	q := queue.NewRedisQueue(client, cfg.Redis.KeyPrefix, name, qc.Retention)
	q.SetLease(qc.JobTimeout + claimLeaseGrace)
	return q
}

func poolOptions(qc config.QueueConfig, onExhausted worker.ExhaustedFunc) worker.Options {
	return worker.Options{
		Concurrency:  qc.Concurrency,
		PollInterval: qc.PollInterval,
		JobTimeout:   qc.JobTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts:  qc.MaxAttempts,
			InitialDelay: qc.BaseDelay,
			MaxDelay:     qc.MaxDelay,
		},
		OnExhausted: onExhausted,
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
