package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/cache"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/database"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/queue"
	"github.com/caregrid/audit-pipeline-backend/internal/metrics"
	"github.com/caregrid/audit-pipeline-backend/internal/service/processor"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		runMigrate  = flag.Bool("migrate", false, "Run database migrations and exit")
		metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if *runMigrate {
		if err := runMigrations(cfg); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations completed")
		return
	}

	if err := run(cfg, logger, *metricsAddr); err != nil {
		logger.Fatal("pipeline exited with error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://migrations", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// run wires the pipeline: init, run, drain, close on every exit path.
func run(cfg *config.Config, logger *zap.Logger, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Redis: queue transport, cache backend, distributed locks.
	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	backend := cache.NewRedisBackend(redisClient, logger)

	// Storage engine.
	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	router := database.NewRouter(ctx, pool, &cfg.Database, logger)
	defer router.Close()

	queryCache := cache.NewQueryCache(cache.QueryCacheConfig{
		MaxSizeMB:  cfg.Cache.MaxSizeMB,
		MaxKeys:    cfg.Cache.MaxQueries,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, logger)
	defer queryCache.Stop()

	partitions := database.NewPartitionManager(pool, backend, logger, &cfg.Partitioning)
	monitor := database.NewMonitor(pool, logger, &cfg.Monitoring)

	var repo *database.AuditRepository
	client := database.NewClient(pool, router, queryCache, partitions, monitor, logger, cfg,
		func(severity, message string) {
			if repo != nil {
				alertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				repo.InsertAlert(alertCtx, severity, "storage", message)
			}
		})
	repo = database.NewAuditRepository(client, logger)

	// Cover the current window before consuming.
	now := time.Now().UTC()
	if _, err := partitions.EnsurePartitions(ctx, now, now.AddDate(0, 2, 0)); err != nil {
		logger.Warn("initial partition ensure failed", zap.Error(err))
	}
	if err := partitions.StartMaintenance(); err != nil {
		return err
	}
	defer partitions.StopMaintenance()

	if cfg.Monitoring.Enabled {
		if err := client.StartReportLoop(); err != nil {
			return err
		}
		defer client.StopReportLoop()
	}

	// Durable queue and processor.
	q, err := queue.New(redisClient, logger, queue.Config{
		Name:           cfg.Processor.QueueName,
		EnqueueTimeout: cfg.Processor.EnqueueTimeout,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	if recovered, err := q.RecoverInFlight(ctx); err != nil {
		logger.Warn("in-flight recovery failed", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("recovered in-flight jobs from previous run", zap.Int("count", recovered))
	}

	dlq := processor.NewDeadLetterHandler(repo, logger, processor.DLQConfig{
		MaxSize:              cfg.Processor.DLQ.MaxSize,
		RetentionDays:        cfg.Processor.DLQ.RetentionDays,
		AlertThreshold:       cfg.Processor.DLQ.AlertThreshold,
		FailureRateThreshold: cfg.Processor.DLQ.FailureRateThreshold,
		AlertCooldown:        cfg.Processor.DLQ.AlertCooldown,
	}, func(stats processor.DLQStats) {
		reg.DeadLetterTotal.Inc()
		alertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		repo.InsertAlert(alertCtx, "critical", "dead-letter",
			fmt.Sprintf("dead-letter queue at %d records (failure rate %.1f%%)",
				stats.TotalRecords, stats.FailureRate*100))
	})

	handler := func(ctx context.Context, event *audit.Event) error {
		start := time.Now()
		err := repo.InsertEvent(ctx, event)
		reg.ProcessingDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			reg.ProcessingOutcomes.WithLabelValues("failure").Inc()
		} else {
			reg.ProcessingOutcomes.WithLabelValues("success").Inc()
		}
		return err
	}

	proc := processor.New(q, handler, dlq, logger, processor.Config{
		QueueName:   cfg.Processor.QueueName,
		Concurrency: cfg.Processor.Concurrency,
		Retry: processor.RetryPolicy{
			MaxRetries:      cfg.Processor.Retry.MaxRetries,
			Strategy:        cfg.Processor.Retry.Strategy,
			BaseDelay:       cfg.Processor.Retry.BaseDelay,
			MaxDelay:        cfg.Processor.Retry.MaxDelay,
			Jitter:          cfg.Processor.Retry.Jitter,
			RetryableErrors: cfg.Processor.Retry.RetryableErrors,
		},
		Breaker: processor.BreakerConfig{
			FailureThreshold:  cfg.Processor.Breaker.FailureThreshold,
			MinimumThroughput: cfg.Processor.Breaker.MinimumThroughput,
			RecoveryTimeout:   cfg.Processor.Breaker.RecoveryTimeout,
		},
		ShutdownTimeout: cfg.Processor.ShutdownTimeout,
	})
	proc.Start(ctx)

	// Queue depth gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if depth, err := q.Depth(depthCtx); err == nil {
					reg.QueueDepth.Set(float64(depth))
				}
				cancel()
				reg.CacheHitRatio.Set(queryCache.Stats().HitRatio)
				reg.PoolAcquisitionTime.Set(pool.Stats().AverageAcquisitionTime)
			}
		}
	}()

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("audit pipeline running",
		zap.String("queue", cfg.Processor.QueueName),
		zap.Int("concurrency", cfg.Processor.Concurrency))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	proc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	logger.Info("audit pipeline stopped")
	return nil
}
