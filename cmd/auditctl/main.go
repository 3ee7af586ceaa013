// auditctl is the operational harness for the audit pipeline's storage
// engine: partition maintenance, performance monitoring, and optimization.
//
// Exit codes: 0 success, 1 operational failure, 2 configuration error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/cache"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/database"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	env, err := connect(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		return exitFailed
	}
	defer env.close()

	if err := dispatch(ctx, env, args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s failed: %v\n", args[0], args[1], err)
		return exitFailed
	}
	return exitOK
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: auditctl [-config path] <command> <subcommand>

commands:
  partition  create | list | analyze | cleanup
  monitor    slow-queries | indexes | tables | summary
  optimize   maintenance | config
  client     health | report | optimize`)
}

// environment bundles the connected storage components.
type environment struct {
	cfg        *config.Config
	client     *database.Client
	partitions *database.PartitionManager
	monitor    *database.Monitor
	pool       *database.Pool
	cache      *cache.QueryCache
	redisClose func() error
}

func (e *environment) close() {
	e.cache.Stop()
	e.pool.Close()
	if e.redisClose != nil {
		e.redisClose()
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*environment, error) {
	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	backend := cache.NewRedisBackend(redisClient, logger)

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	queryCache := cache.NewQueryCache(cache.QueryCacheConfig{
		MaxSizeMB:  cfg.Cache.MaxSizeMB,
		MaxKeys:    cfg.Cache.MaxQueries,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, logger)

	partitions := database.NewPartitionManager(pool, backend, logger, &cfg.Partitioning)
	monitor := database.NewMonitor(pool, logger, &cfg.Monitoring)
	client := database.NewClient(pool, nil, queryCache, partitions, monitor, logger, cfg, nil)

	return &environment{
		cfg:        cfg,
		client:     client,
		partitions: partitions,
		monitor:    monitor,
		pool:       pool,
		cache:      queryCache,
		redisClose: redisClient.Close,
	}, nil
}

func dispatch(ctx context.Context, env *environment, command, sub string) error {
	switch command {
	case "partition":
		return partitionCommand(ctx, env, sub)
	case "monitor":
		return monitorCommand(ctx, env, sub)
	case "optimize":
		return optimizeCommand(ctx, env, sub)
	case "client":
		return clientCommand(ctx, env, sub)
	}
	usage()
	return fmt.Errorf("unknown command %q", command)
}

func partitionCommand(ctx context.Context, env *environment, sub string) error {
	switch sub {
	case "create":
		now := time.Now().UTC()
		created, err := env.partitions.EnsurePartitions(ctx, now, now.AddDate(0, 3, 0))
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"ensured": created})
	case "list":
		partitions, err := env.partitions.ListPartitions(ctx)
		if err != nil {
			return err
		}
		return printJSON(partitions)
	case "analyze":
		analysis, err := env.partitions.AnalyzePerformance(ctx)
		if err != nil {
			return err
		}
		return printJSON(analysis)
	case "cleanup":
		dropped, err := env.partitions.DropExpired(ctx, env.cfg.Partitioning.RetentionDays)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"dropped": dropped})
	}
	return fmt.Errorf("unknown partition subcommand %q", sub)
}

func monitorCommand(ctx context.Context, env *environment, sub string) error {
	switch sub {
	case "slow-queries":
		slow, err := env.monitor.SlowQueries(ctx, 50)
		if err != nil {
			return err
		}
		return printJSON(slow)
	case "indexes":
		indexes, err := env.monitor.IndexUsage(ctx)
		if err != nil {
			return err
		}
		return printJSON(indexes)
	case "tables":
		tables, err := env.monitor.TableStatistics(ctx)
		if err != nil {
			return err
		}
		return printJSON(tables)
	case "summary":
		report := env.client.GeneratePerformanceReport(ctx)
		return printJSON(report)
	}
	return fmt.Errorf("unknown monitor subcommand %q", sub)
}

func optimizeCommand(ctx context.Context, env *environment, sub string) error {
	switch sub {
	case "maintenance":
		results, err := env.monitor.RunMaintenance(ctx)
		if err != nil {
			return err
		}
		return printJSON(results)
	case "config":
		opt, err := env.monitor.OptimizeConfiguration(ctx)
		if err != nil {
			return err
		}
		return printJSON(opt)
	}
	return fmt.Errorf("unknown optimize subcommand %q", sub)
}

func clientCommand(ctx context.Context, env *environment, sub string) error {
	switch sub {
	case "health":
		return printJSON(env.client.GetHealthStatus(ctx))
	case "report":
		return printJSON(env.client.GeneratePerformanceReport(ctx))
	case "optimize":
		result, err := env.client.OptimizeDatabase(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	}
	return fmt.Errorf("unknown client subcommand %q", sub)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
