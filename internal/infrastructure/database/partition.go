package database

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/cache"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

// Partition intervals.
const (
	IntervalMonthly   = "monthly"
	IntervalQuarterly = "quarterly"
	IntervalYearly    = "yearly"
)

// partitionLockKey serializes partition maintenance across instances.
const partitionLockKey = "audit:lock:partition-maintenance"

// PartitionInfo describes one child table of the partitioned audit log.
type PartitionInfo struct {
	Name        string    `json:"name"`
	Table       string    `json:"table"`
	LowerBound  time.Time `json:"lowerBound"`
	UpperBound  time.Time `json:"upperBound"`
	RecordCount int64     `json:"recordCount"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// PartitionAnalysis summarizes partition health.
type PartitionAnalysis struct {
	TotalPartitions      int      `json:"totalPartitions"`
	TotalSizeBytes       int64    `json:"totalSizeBytes"`
	TotalRecords         int64    `json:"totalRecords"`
	AveragePartitionSize int64    `json:"averagePartitionSize"`
	Recommendations      []string `json:"recommendations,omitempty"`
}

// PartitionManager owns the time-ranged partitions of audit_log. No other
// component creates, renames, or drops them. Maintenance runs under a
// distributed lock so concurrent instances cannot race partition creation.
type PartitionManager struct {
	pool    *Pool
	backend cache.Backend
	logger  *zap.Logger
	cfg     *config.PartitioningConfig

	scheduler *cron.Cron
}

// NewPartitionManager creates the manager. Call StartMaintenance to enable
// the scheduled ensure+drop loop.
func NewPartitionManager(pool *Pool, backend cache.Backend, logger *zap.Logger, cfg *config.PartitioningConfig) *PartitionManager {
	return &PartitionManager{
		pool:    pool,
		backend: backend,
		logger:  logger,
		cfg:     cfg,
	}
}

// partitionBounds returns the inclusive lower and exclusive upper bound of
// the interval containing t.
func partitionBounds(t time.Time, interval string) (time.Time, time.Time) {
	t = t.UTC()
	switch interval {
	case IntervalYearly:
		lower := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return lower, lower.AddDate(1, 0, 0)
	case IntervalQuarterly:
		quarterMonth := time.Month(((int(t.Month())-1)/3)*3 + 1)
		lower := time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
		return lower, lower.AddDate(0, 3, 0)
	default: // monthly
		lower := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return lower, lower.AddDate(0, 1, 0)
	}
}

// partitionName derives the child table name for an interval start.
func partitionName(lower time.Time, interval string) string {
	switch interval {
	case IntervalYearly:
		return fmt.Sprintf("audit_log_y%04d", lower.Year())
	case IntervalQuarterly:
		quarter := (int(lower.Month())-1)/3 + 1
		return fmt.Sprintf("audit_log_y%04dq%d", lower.Year(), quarter)
	default:
		return fmt.Sprintf("audit_log_y%04dm%02d", lower.Year(), int(lower.Month()))
	}
}

// EnsurePartitions idempotently creates every partition needed to cover
// [from, to). Callers racing from other instances are serialized by the
// distributed lock.
func (pm *PartitionManager) EnsurePartitions(ctx context.Context, from, to time.Time) ([]string, error) {
	lock := cache.NewDistributedLock(pm.backend, pm.logger, partitionLockKey, time.Minute)
	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	acquired, err := lock.Acquire(lockCtx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring partition lock")
	}
	if !acquired {
		return nil, errors.NewInternalError("partition maintenance lock unavailable")
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			pm.logger.Warn("failed to release partition lock", zap.Error(err))
		}
	}()

	created := make([]string, 0)
	for cursor := from.UTC(); cursor.Before(to); {
		lower, upper := partitionBounds(cursor, pm.cfg.Interval)
		name := partitionName(lower, pm.cfg.Interval)

		sql := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s PARTITION OF audit_log
			FOR VALUES FROM ('%s') TO ('%s')
		`, name, lower.Format("2006-01-02"), upper.Format("2006-01-02"))

		if err := pm.pool.Exec(ctx, sql); err != nil {
			return created, errors.Wrap(err, fmt.Sprintf("creating partition %s", name))
		}
		created = append(created, name)
		cursor = upper
	}

	pm.logger.Info("partitions ensured",
		zap.Int("count", len(created)),
		zap.Time("from", from),
		zap.Time("to", to))
	return created, nil
}

// ListPartitions reads the current child partitions with their bounds and
// sizes.
func (pm *PartitionManager) ListPartitions(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := pm.pool.Query(ctx, `
		SELECT
			child.relname,
			pg_get_expr(child.relpartbound, child.oid),
			pg_total_relation_size(child.oid),
			COALESCE(child.reltuples, 0)::BIGINT
		FROM pg_inherits
		JOIN pg_class parent ON pg_inherits.inhparent = parent.oid
		JOIN pg_class child ON pg_inherits.inhrelid = child.oid
		WHERE parent.relname = 'audit_log'
		ORDER BY child.relname
	`)
	if err != nil {
		return nil, errors.Wrap(err, "listing partitions")
	}
	defer rows.Close()

	partitions := make([]PartitionInfo, 0)
	for rows.Next() {
		var p PartitionInfo
		var boundExpr string
		if err := rows.Scan(&p.Name, &boundExpr, &p.SizeBytes, &p.RecordCount); err != nil {
			return nil, errors.Wrap(err, "scanning partition row")
		}
		p.Table = "audit_log"
		p.LowerBound, p.UpperBound = parsePartitionBounds(boundExpr)
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// parsePartitionBounds extracts the range from a Postgres partition bound
// expression like: FOR VALUES FROM ('2024-01-01') TO ('2024-02-01').
func parsePartitionBounds(expr string) (time.Time, time.Time) {
	var fromStr, toStr string
	if _, err := fmt.Sscanf(expr, "FOR VALUES FROM ('%10s') TO ('%10s')", &fromStr, &toStr); err != nil {
		return time.Time{}, time.Time{}
	}
	lower, _ := time.Parse("2006-01-02", fromStr)
	upper, _ := time.Parse("2006-01-02", toStr)
	return lower, upper
}

// DropExpired drops partitions whose upper bound is older than the
// retention horizon and returns their names. A partition is only dropped
// when every record in it is past retention, which its upper bound
// guarantees.
func (pm *PartitionManager) DropExpired(ctx context.Context, retentionDays int) ([]string, error) {
	lock := cache.NewDistributedLock(pm.backend, pm.logger, partitionLockKey, time.Minute)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring partition lock")
	}
	if !acquired {
		return nil, errors.NewInternalError("partition maintenance lock unavailable")
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			pm.logger.Warn("failed to release partition lock", zap.Error(err))
		}
	}()

	partitions, err := pm.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	dropped := make([]string, 0)
	for _, p := range partitions {
		if p.UpperBound.IsZero() || !p.UpperBound.Before(cutoff) {
			continue
		}
		if err := pm.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.Name)); err != nil {
			return dropped, errors.Wrap(err, fmt.Sprintf("dropping partition %s", p.Name))
		}
		dropped = append(dropped, p.Name)
		pm.logger.Info("dropped expired partition",
			zap.String("partition", p.Name),
			zap.Time("upper_bound", p.UpperBound))
	}
	return dropped, nil
}

// AnalyzePerformance summarizes partition layout and flags imbalances.
func (pm *PartitionManager) AnalyzePerformance(ctx context.Context) (*PartitionAnalysis, error) {
	partitions, err := pm.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	analysis := &PartitionAnalysis{TotalPartitions: len(partitions)}
	for _, p := range partitions {
		analysis.TotalSizeBytes += p.SizeBytes
		analysis.TotalRecords += p.RecordCount
	}
	if len(partitions) > 0 {
		analysis.AveragePartitionSize = analysis.TotalSizeBytes / int64(len(partitions))
	}

	if len(partitions) > 100 {
		analysis.Recommendations = append(analysis.Recommendations,
			"partition count exceeds 100; consider a coarser interval")
	}
	for _, p := range partitions {
		if analysis.AveragePartitionSize > 0 && p.SizeBytes > analysis.AveragePartitionSize*4 {
			analysis.Recommendations = append(analysis.Recommendations,
				fmt.Sprintf("partition %s is more than 4x the average size", p.Name))
		}
	}
	return analysis, nil
}

// StartMaintenance schedules the ensure+drop loop when auto-maintenance is
// enabled. The next interval's partition is always created ahead of need.
func (pm *PartitionManager) StartMaintenance() error {
	if !pm.cfg.AutoMaintenance {
		return nil
	}

	pm.scheduler = cron.New()
	spec := fmt.Sprintf("@every %s", pm.cfg.MaintenanceInterval)
	_, err := pm.scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		pm.runMaintenance(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "scheduling partition maintenance")
	}
	pm.scheduler.Start()
	pm.logger.Info("partition auto-maintenance scheduled",
		zap.Duration("interval", pm.cfg.MaintenanceInterval))
	return nil
}

// StopMaintenance halts the scheduler.
func (pm *PartitionManager) StopMaintenance() {
	if pm.scheduler != nil {
		pm.scheduler.Stop()
	}
}

func (pm *PartitionManager) runMaintenance(ctx context.Context) {
	now := time.Now().UTC()
	// Cover from now through two intervals ahead.
	_, horizon := partitionBounds(now, pm.cfg.Interval)
	_, horizon = partitionBounds(horizon, pm.cfg.Interval)

	if _, err := pm.EnsurePartitions(ctx, now, horizon); err != nil {
		pm.logger.Error("partition ensure failed", zap.Error(err))
	}
	if _, err := pm.DropExpired(ctx, pm.cfg.RetentionDays); err != nil {
		pm.logger.Error("partition drop failed", zap.Error(err))
	}
}
