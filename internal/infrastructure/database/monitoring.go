package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

// Monitor reports on database performance: slow queries, table and index
// statistics, buffer cache effectiveness, and maintenance needs.
type Monitor struct {
	pool   *Pool
	logger *zap.Logger
	cfg    *config.MonitoringConfig
}

// SlowQuery is one entry from the statement statistics view.
type SlowQuery struct {
	Query   string  `json:"query"`
	Calls   int64   `json:"calls"`
	TotalMs float64 `json:"totalMs"`
	MeanMs  float64 `json:"meanMs"`
	MaxMs   float64 `json:"maxMs"`
	Rows    int64   `json:"rows"`
}

// TableStats summarizes one table's physical state.
type TableStats struct {
	TableName   string     `json:"tableName"`
	TotalBytes  int64      `json:"totalBytes"`
	LiveTuples  int64      `json:"liveTuples"`
	DeadTuples  int64      `json:"deadTuples"`
	SeqScans    int64      `json:"seqScans"`
	IndexScans  int64      `json:"indexScans"`
	LastVacuum  *time.Time `json:"lastVacuum,omitempty"`
	LastAnalyze *time.Time `json:"lastAnalyze,omitempty"`
}

// IndexStats summarizes one index's usage.
type IndexStats struct {
	TableName string `json:"tableName"`
	IndexName string `json:"indexName"`
	SizeBytes int64  `json:"sizeBytes"`
	Scans     int64  `json:"scans"`
	IsUnused  bool   `json:"isUnused"`
}

// MaintenanceResult records one maintenance operation outcome.
type MaintenanceResult struct {
	Operation string        `json:"operation"`
	Target    string        `json:"target"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ConfigRecommendation pairs a current setting with suggested change.
type ConfigRecommendation struct {
	Setting     string `json:"setting"`
	Current     string `json:"current"`
	Recommended string `json:"recommended"`
	Reason      string `json:"reason"`
}

// ConfigOptimization is the result of optimizeConfiguration.
type ConfigOptimization struct {
	CurrentSettings map[string]string      `json:"currentSettings"`
	Recommendations []ConfigRecommendation `json:"recommendations,omitempty"`
}

// unusedIndexSizeThreshold flags unused indexes worth reclaiming.
const unusedIndexSizeThreshold = 10 << 20 // 10 MB

// NewMonitor creates a performance monitor.
func NewMonitor(pool *Pool, logger *zap.Logger, cfg *config.MonitoringConfig) *Monitor {
	return &Monitor{pool: pool, logger: logger, cfg: cfg}
}

// SlowQueries returns statements whose mean execution time exceeds the
// configured threshold. Requires pg_stat_statements.
func (m *Monitor) SlowQueries(ctx context.Context, limit int) ([]SlowQuery, error) {
	thresholdMs := float64(m.cfg.SlowQueryThreshold.Milliseconds())
	rows, err := m.pool.Query(ctx, `
		SELECT query, calls, total_exec_time, mean_exec_time, max_exec_time, rows
		FROM pg_stat_statements
		WHERE mean_exec_time > $1
		ORDER BY mean_exec_time DESC
		LIMIT $2
	`, thresholdMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying slow statements")
	}
	defer rows.Close()

	out := make([]SlowQuery, 0)
	for rows.Next() {
		var q SlowQuery
		if err := rows.Scan(&q.Query, &q.Calls, &q.TotalMs, &q.MeanMs, &q.MaxMs, &q.Rows); err != nil {
			return nil, errors.Wrap(err, "scanning slow query row")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// TableStatistics returns physical statistics for user tables.
func (m *Monitor) TableStatistics(ctx context.Context) ([]TableStats, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT
			relname,
			pg_total_relation_size(relid),
			n_live_tup, n_dead_tup,
			seq_scan, idx_scan,
			last_vacuum, last_analyze
		FROM pg_stat_user_tables
		ORDER BY pg_total_relation_size(relid) DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying table statistics")
	}
	defer rows.Close()

	out := make([]TableStats, 0)
	for rows.Next() {
		var t TableStats
		if err := rows.Scan(&t.TableName, &t.TotalBytes, &t.LiveTuples, &t.DeadTuples,
			&t.SeqScans, &t.IndexScans, &t.LastVacuum, &t.LastAnalyze); err != nil {
			return nil, errors.Wrap(err, "scanning table stats row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IndexUsage returns index statistics, flagging unused indexes over the
// size threshold.
func (m *Monitor) IndexUsage(ctx context.Context) ([]IndexStats, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT relname, indexrelname, pg_relation_size(indexrelid), idx_scan
		FROM pg_stat_user_indexes
		ORDER BY pg_relation_size(indexrelid) DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying index usage")
	}
	defer rows.Close()

	out := make([]IndexStats, 0)
	for rows.Next() {
		var s IndexStats
		if err := rows.Scan(&s.TableName, &s.IndexName, &s.SizeBytes, &s.Scans); err != nil {
			return nil, errors.Wrap(err, "scanning index stats row")
		}
		s.IsUnused = s.Scans == 0 && s.SizeBytes > unusedIndexSizeThreshold
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnusedIndexes filters IndexUsage down to reclaimable indexes.
func (m *Monitor) UnusedIndexes(ctx context.Context) ([]IndexStats, error) {
	all, err := m.IndexUsage(ctx)
	if err != nil {
		return nil, err
	}
	unused := make([]IndexStats, 0)
	for _, s := range all {
		if s.IsUnused {
			unused = append(unused, s)
		}
	}
	return unused, nil
}

// BufferCacheHitRatio reports the shared-buffer hit ratio across the
// database.
func (m *Monitor) BufferCacheHitRatio(ctx context.Context) (float64, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT COALESCE(
			SUM(heap_blks_hit)::FLOAT / NULLIF(SUM(heap_blks_hit) + SUM(heap_blks_read), 0),
			1.0)
		FROM pg_statio_user_tables
	`)
	if err != nil {
		return 0, errors.Wrap(err, "querying buffer cache ratio")
	}
	defer rows.Close()

	var ratio float64
	if rows.Next() {
		if err := rows.Scan(&ratio); err != nil {
			return 0, errors.Wrap(err, "scanning buffer cache ratio")
		}
	}
	return ratio, rows.Err()
}

// SuggestIndexes flags tables whose sequential scan volume suggests a
// missing index.
func (m *Monitor) SuggestIndexes(ctx context.Context) ([]string, error) {
	tables, err := m.TableStatistics(ctx)
	if err != nil {
		return nil, err
	}
	suggestions := make([]string, 0)
	for _, t := range tables {
		if t.SeqScans > 1000 && t.SeqScans > t.IndexScans*10 && t.LiveTuples > 10000 {
			suggestions = append(suggestions, fmt.Sprintf(
				"table %s has %d sequential scans against %d index scans; review filter columns",
				t.TableName, t.SeqScans, t.IndexScans))
		}
	}
	return suggestions, nil
}

// RunMaintenance vacuums and analyzes tables with significant dead tuple
// ratios and returns per-operation outcomes.
func (m *Monitor) RunMaintenance(ctx context.Context) ([]MaintenanceResult, error) {
	tables, err := m.TableStatistics(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]MaintenanceResult, 0)
	for _, t := range tables {
		if t.LiveTuples == 0 || float64(t.DeadTuples)/float64(t.LiveTuples+t.DeadTuples) < 0.1 {
			continue
		}
		start := time.Now()
		result := MaintenanceResult{Operation: "VACUUM ANALYZE", Target: t.TableName}
		if err := m.pool.Exec(ctx, fmt.Sprintf("VACUUM ANALYZE %s", t.TableName)); err != nil {
			result.Error = err.Error()
			m.logger.Error("maintenance operation failed",
				zap.String("table", t.TableName),
				zap.Error(err))
		}
		result.Duration = time.Since(start)
		results = append(results, result)
	}
	return results, nil
}

// OptimizeConfiguration inspects server settings and proposes adjustments.
func (m *Monitor) OptimizeConfiguration(ctx context.Context) (*ConfigOptimization, error) {
	settings := []string{
		"shared_buffers", "work_mem", "maintenance_work_mem",
		"effective_cache_size", "random_page_cost", "max_connections",
	}

	opt := &ConfigOptimization{CurrentSettings: make(map[string]string, len(settings))}
	for _, name := range settings {
		rows, err := m.pool.Query(ctx,
			"SELECT setting FROM pg_settings WHERE name = $1", name)
		if err != nil {
			return nil, errors.Wrap(err, "querying settings")
		}
		if rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scanning setting")
			}
			opt.CurrentSettings[name] = value
		}
		rows.Close()
	}

	hitRatio, err := m.BufferCacheHitRatio(ctx)
	if err == nil && hitRatio < 0.9 {
		opt.Recommendations = append(opt.Recommendations, ConfigRecommendation{
			Setting:     "shared_buffers",
			Current:     opt.CurrentSettings["shared_buffers"],
			Recommended: "increase",
			Reason:      fmt.Sprintf("buffer cache hit ratio is %.1f%%", hitRatio*100),
		})
	}

	return opt, nil
}
