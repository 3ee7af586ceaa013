package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/cache"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

// QueryOptions controls caching for one storage client call.
type QueryOptions struct {
	CacheKey  string
	CacheTTL  time.Duration
	SkipCache bool
	Write     bool // writes always route to the primary
}

// QueryMetric records one monitored query execution. Metrics are retained
// briefly for aggregation and are fire-and-forget: recording failures
// never fail the caller.
type QueryMetric struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	DurationMs   float64   `json:"durationMs"`
	RowsReturned int       `json:"rowsReturned"`
	Ts           time.Time `json:"ts"`
}

// PerformanceReport aggregates pool, cache, partition, and monitor views.
type PerformanceReport struct {
	GeneratedAt    time.Time             `json:"generatedAt"`
	Pool           PoolStats             `json:"pool"`
	Cache          cache.QueryCacheStats `json:"cache"`
	Replicas       []ReplicaMetrics      `json:"replicas,omitempty"`
	Partitions     *PartitionAnalysis    `json:"partitions,omitempty"`
	SlowQueries    []SlowQuery           `json:"slowQueries,omitempty"`
	UnusedIndexes  []IndexStats          `json:"unusedIndexes,omitempty"`
	BufferHitRatio float64               `json:"bufferHitRatio"`
}

// OptimizationResult is the outcome of a full optimization pass.
type OptimizationResult struct {
	PartitionOptimization []string               `json:"partitionOptimization,omitempty"`
	IndexOptimization     []string               `json:"indexOptimization,omitempty"`
	MaintenanceResults    []MaintenanceResult    `json:"maintenanceResults,omitempty"`
	ConfigOptimization    []ConfigRecommendation `json:"configOptimization,omitempty"`
}

// StorageHealth is the composite health view of the storage engine.
type StorageHealth struct {
	Overall         string            `json:"overall"` // healthy, warning, critical
	Components      map[string]string `json:"components"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// AlertFunc receives storage alerts raised by the report loop.
type AlertFunc func(severity, message string)

// Client is the monitored query surface over the storage engine. Reads
// route through the query cache and replica router; writes go to the
// primary. A report loop aggregates performance and, when enabled,
// auto-optimizes.
type Client struct {
	pool    *Pool
	router  *Router
	cache   *cache.QueryCache
	parts   *PartitionManager
	monitor *Monitor
	logger  *zap.Logger
	cfg     *config.Config
	onAlert AlertFunc

	metricsMu sync.Mutex
	metrics   []QueryMetric

	reporter *cron.Cron
}

// NewClient assembles the storage client. onAlert may be nil.
func NewClient(pool *Pool, router *Router, qc *cache.QueryCache, parts *PartitionManager, monitor *Monitor, logger *zap.Logger, cfg *config.Config, onAlert AlertFunc) *Client {
	return &Client{
		pool:    pool,
		router:  router,
		cache:   qc,
		parts:   parts,
		monitor: monitor,
		logger:  logger,
		cfg:     cfg,
		onAlert: onAlert,
	}
}

// Pool returns the primary pool for write-side repositories.
func (c *Client) Pool() *Pool {
	return c.pool
}

// PartitionManager exposes partition operations.
func (c *Client) PartitionManager() *PartitionManager {
	return c.parts
}

// Monitor exposes the performance monitor.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// Cache exposes the query cache for write-side invalidation.
func (c *Client) Cache() *cache.QueryCache {
	return c.cache
}

// ExecuteOptimizedQuery runs fn against the appropriate pool, routing
// through the cache when a cache key is given.
func (c *Client) ExecuteOptimizedQuery(ctx context.Context, opts QueryOptions, fn func(ctx context.Context, pool *Pool) (interface{}, error)) (interface{}, error) {
	useCache := c.cfg.Cache.Enabled && opts.CacheKey != "" && !opts.SkipCache && !opts.Write
	if useCache {
		if value, ok := c.cache.Get(opts.CacheKey); ok {
			return value, nil
		}
	}

	pool := c.pool
	if !opts.Write && c.router != nil {
		selected, err := c.router.ReadPool()
		if err != nil {
			return nil, err
		}
		pool = selected
	}

	start := time.Now()
	result, err := fn(ctx, pool)
	if c.router != nil && !opts.Write && pool != c.pool {
		c.router.ObserveReadLatency(pool, time.Since(start), err != nil)
	}
	if err != nil {
		return nil, err
	}

	if useCache {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.cfg.Cache.DefaultTTL
		}
		c.cache.Set(opts.CacheKey, result, ttl)
	}
	return result, nil
}

// ExecuteMonitoredQuery is ExecuteOptimizedQuery plus a QueryMetric record
// and a slow-query warning.
func (c *Client) ExecuteMonitoredQuery(ctx context.Context, name string, opts QueryOptions, fn func(ctx context.Context, pool *Pool) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := c.ExecuteOptimizedQuery(ctx, opts, fn)
	elapsed := time.Since(start)

	rows := 0
	if counted, ok := result.(interface{ Len() int }); ok {
		rows = counted.Len()
	}
	c.recordMetric(QueryMetric{
		ID:           uuid.New().String(),
		Query:        name,
		DurationMs:   float64(elapsed.Microseconds()) / 1000.0,
		RowsReturned: rows,
		Ts:           time.Now().UTC(),
	})

	if elapsed > c.cfg.Monitoring.SlowQueryThreshold {
		c.logger.Warn("slow query",
			zap.String("query", name),
			zap.Duration("duration", elapsed),
			zap.Duration("threshold", c.cfg.Monitoring.SlowQueryThreshold))
	}
	return result, err
}

// GenerateCacheKey canonicalizes a parameter map (sorted keys, JSON-encoded
// values) and hashes it with the query name.
func (c *Client) GenerateCacheKey(name string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		encoded, err := json.Marshal(params[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", params[k]))
		}
		parts = append(parts, k+"="+string(encoded))
	}

	sum := sha256.Sum256([]byte(name + "_" + strings.Join(parts, "&")))
	return c.cfg.Cache.KeyPrefix + name + ":" + hex.EncodeToString(sum[:])
}

// recordMetric appends to the metric ring, pruning entries past retention.
func (c *Client) recordMetric(m QueryMetric) {
	retention := time.Duration(c.cfg.Monitoring.MetricsRetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	kept := c.metrics[:0]
	for _, existing := range c.metrics {
		if existing.Ts.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	c.metrics = append(kept, m)
}

// RecentMetrics returns retained query metrics.
func (c *Client) RecentMetrics() []QueryMetric {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	out := make([]QueryMetric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// GeneratePerformanceReport aggregates every storage component.
func (c *Client) GeneratePerformanceReport(ctx context.Context) *PerformanceReport {
	report := &PerformanceReport{
		GeneratedAt: time.Now().UTC(),
		Pool:        c.pool.Stats(),
		Cache:       c.cache.Stats(),
	}
	if c.router != nil {
		report.Replicas = c.router.Metrics()
	}
	if analysis, err := c.parts.AnalyzePerformance(ctx); err == nil {
		report.Partitions = analysis
	} else {
		c.logger.Warn("partition analysis failed during report", zap.Error(err))
	}
	if slow, err := c.monitor.SlowQueries(ctx, 25); err == nil {
		report.SlowQueries = slow
	}
	if unused, err := c.monitor.UnusedIndexes(ctx); err == nil {
		report.UnusedIndexes = unused
	}
	if ratio, err := c.monitor.BufferCacheHitRatio(ctx); err == nil {
		report.BufferHitRatio = ratio
	}
	return report
}

// OptimizeDatabase runs the full optimization pass.
func (c *Client) OptimizeDatabase(ctx context.Context) (*OptimizationResult, error) {
	result := &OptimizationResult{}

	if analysis, err := c.parts.AnalyzePerformance(ctx); err == nil {
		result.PartitionOptimization = analysis.Recommendations
	} else {
		return nil, err
	}

	if suggestions, err := c.monitor.SuggestIndexes(ctx); err == nil {
		result.IndexOptimization = suggestions
	}

	maintenance, err := c.monitor.RunMaintenance(ctx)
	if err != nil {
		return nil, err
	}
	result.MaintenanceResults = maintenance

	if opt, err := c.monitor.OptimizeConfiguration(ctx); err == nil {
		result.ConfigOptimization = opt.Recommendations
	}

	return result, nil
}

// GetHealthStatus grades the storage engine from the latest report.
func (c *Client) GetHealthStatus(ctx context.Context) *StorageHealth {
	report := c.GeneratePerformanceReport(ctx)

	health := &StorageHealth{
		Overall:    "healthy",
		Components: map[string]string{},
	}
	degrade := func(level string) {
		if level == "critical" || health.Overall == "critical" {
			health.Overall = "critical"
			return
		}
		health.Overall = "warning"
	}

	// Pool
	poolState := "healthy"
	if report.Pool.TotalRequests > 0 {
		successRate := float64(report.Pool.SuccessfulConnections) / float64(report.Pool.TotalRequests)
		if successRate < 0.95 {
			poolState = "critical"
			degrade("critical")
			health.Recommendations = append(health.Recommendations,
				"connection success rate below 95%; inspect database availability")
		} else if report.Pool.AverageAcquisitionTime > 1000 {
			poolState = "warning"
			degrade("warning")
			health.Recommendations = append(health.Recommendations,
				"average connection acquisition above 1s; consider a larger pool")
		}
	}
	health.Components["pool"] = poolState

	// Cache
	cacheState := "healthy"
	if report.Cache.HitRatio < 0.5 && report.Cache.MemoryUsageMB > 10 {
		cacheState = "warning"
		degrade("warning")
		health.Recommendations = append(health.Recommendations,
			"cache hit ratio below 50%; review cache keys and TTLs")
	}
	health.Components["cache"] = cacheState

	// Partitions
	partState := "healthy"
	if report.Partitions != nil && report.Partitions.TotalPartitions > 100 {
		partState = "warning"
		degrade("warning")
		health.Recommendations = append(health.Recommendations,
			"more than 100 partitions; consider a coarser interval")
	}
	health.Components["partitions"] = partState

	// Queries
	queryState := "healthy"
	if len(report.SlowQueries) > 20 {
		queryState = "critical"
		degrade("critical")
		health.Recommendations = append(health.Recommendations,
			"more than 20 slow queries; run maintenance and review indexes")
	} else if len(report.SlowQueries) > 10 {
		queryState = "warning"
		degrade("warning")
	}
	health.Components["queries"] = queryState

	return health
}

// StartReportLoop schedules the periodic performance report with
// auto-optimization and alerting.
func (c *Client) StartReportLoop() error {
	interval := c.cfg.Monitoring.ReportInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.reporter = cron.New()
	_, err := c.reporter.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		c.runReportCycle(ctx)
	})
	if err != nil {
		return err
	}
	c.reporter.Start()
	c.logger.Info("storage report loop started", zap.Duration("interval", interval))
	return nil
}

// StopReportLoop halts the report scheduler.
func (c *Client) StopReportLoop() {
	if c.reporter != nil {
		c.reporter.Stop()
	}
}

// runReportCycle builds one report, applies auto-optimization rules, and
// emits threshold alerts.
func (c *Client) runReportCycle(ctx context.Context) {
	report := c.GeneratePerformanceReport(ctx)

	if c.cfg.Monitoring.AutoOptimization {
		if report.Cache.HitRatio < 0.10 && report.Cache.MemoryUsageMB > 50 {
			c.cache.Clear()
			c.logger.Info("auto-optimization cleared query cache",
				zap.Float64("hit_ratio", report.Cache.HitRatio),
				zap.Float64("size_mb", report.Cache.MemoryUsageMB))
		}
		if len(report.SlowQueries) > 10 {
			if _, err := c.monitor.RunMaintenance(ctx); err != nil {
				c.logger.Error("auto-optimization maintenance failed", zap.Error(err))
			}
		}
	}

	c.emitAlerts(report)
}

func (c *Client) emitAlerts(report *PerformanceReport) {
	alert := func(severity, message string) {
		c.logger.Warn("storage alert",
			zap.String("severity", severity),
			zap.String("message", message))
		if c.onAlert != nil {
			c.onAlert(severity, message)
		}
	}

	if report.Pool.TotalRequests > 0 {
		successRate := float64(report.Pool.SuccessfulConnections) / float64(report.Pool.TotalRequests)
		if successRate < 0.95 {
			alert("critical", fmt.Sprintf("pool success rate %.1f%% below 95%%", successRate*100))
		}
	}
	if report.Pool.AverageAcquisitionTime > 1000 {
		alert("warning", fmt.Sprintf("average acquisition time %.0fms above 1s", report.Pool.AverageAcquisitionTime))
	}
	if report.Cache.HitRatio < 0.5 && report.Cache.MemoryUsageMB > 10 {
		alert("warning", fmt.Sprintf("cache hit ratio %.1f%% below 50%%", report.Cache.HitRatio*100))
	}
	if report.Partitions != nil && report.Partitions.TotalPartitions > 100 {
		alert("warning", fmt.Sprintf("%d partitions exceed 100", report.Partitions.TotalPartitions))
	}
	if len(report.SlowQueries) > 20 {
		alert("critical", fmt.Sprintf("%d slow queries exceed 20", len(report.SlowQueries)))
	}
	if len(report.UnusedIndexes) > 10 {
		alert("warning", fmt.Sprintf("%d unused indexes exceed 10", len(report.UnusedIndexes)))
	}
}
