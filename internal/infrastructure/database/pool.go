package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

// PoolStats reports connection pool behavior.
type PoolStats struct {
	TotalConnections       int64   `json:"totalConnections"`
	ActiveConnections      int64   `json:"activeConnections"`
	IdleConnections        int64   `json:"idleConnections"`
	TotalRequests          int64   `json:"totalRequests"`
	SuccessfulConnections  int64   `json:"successfulConnections"`
	FailedConnections      int64   `json:"failedConnections"`
	AverageAcquisitionTime float64 `json:"averageAcquisitionTimeMs"`
}

// Pool is a bounded, validated connection pool over pgxpool. Acquisition
// past the configured timeout fails with PoolExhausted; a periodic sweep
// pings idle connections and lets pgx evict broken ones.
type Pool struct {
	inner  *pgxpool.Pool
	logger *zap.Logger
	cfg    *config.DatabaseConfig

	mu               sync.Mutex
	totalRequests    int64
	successes        int64
	failures         int64
	acquisitionEMAMs float64

	validateStop chan struct{}
	stopOnce     sync.Once
}

// NewPool connects to the primary database and starts idle validation.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	return newPoolForURL(ctx, cfg.URL, cfg, logger)
}

// newPoolForURL backs both the primary pool and replica pools.
func newPoolForURL(ctx context.Context, url string, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnIdleTime = cfg.IdleTimeout
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	poolConfig.ConnConfig.RuntimeParams = map[string]string{
		"application_name":              "audit_pipeline",
		"timezone":                      "UTC",
		"statement_timeout":             "30s",
		"default_transaction_isolation": "read committed",
	}

	p := &Pool{
		logger:       logger,
		cfg:          cfg,
		validateStop: make(chan struct{}),
	}

	if cfg.ValidateConnections {
		poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
			pingCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			return conn.Ping(pingCtx) == nil
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.inner, err = pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := p.inner.Ping(connectCtx); err != nil {
		p.inner.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go p.validateLoop()

	logger.Info("database connection pool initialized",
		zap.Int("max_connections", cfg.PoolSize),
		zap.Int("min_connections", cfg.MinConnections))

	return p, nil
}

// Acquire checks out a connection, bounded by the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	p.mu.Lock()
	p.totalRequests++
	p.mu.Unlock()

	acquireCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := p.inner.Acquire(acquireCtx)
	elapsed := time.Since(start)

	p.mu.Lock()
	sample := float64(elapsed.Microseconds()) / 1000.0
	if p.acquisitionEMAMs == 0 {
		p.acquisitionEMAMs = sample
	} else {
		p.acquisitionEMAMs = 0.2*sample + 0.8*p.acquisitionEMAMs
	}
	if err != nil {
		p.failures++
	} else {
		p.successes++
	}
	p.mu.Unlock()

	if err != nil {
		if acquireCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errors.NewPoolExhaustedError(
				fmt.Sprintf("connection acquisition exceeded %s", p.cfg.AcquireTimeout))
		}
		return nil, errors.NewInternalError("connection acquisition failed").WithCause(err)
	}
	return conn, nil
}

// Query runs a query on an acquired connection.
func (p *Pool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &releasingRows{Rows: rows, conn: conn}, nil
}

// releasingRows returns the connection to the pool when the rows close.
type releasingRows struct {
	pgx.Rows
	conn *pgxpool.Conn
}

func (r *releasingRows) Close() {
	r.Rows.Close()
	r.conn.Release()
}

// Exec runs a statement on an acquired connection.
func (p *Pool) Exec(ctx context.Context, sql string, args ...interface{}) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, sql, args...)
	return err
}

// Transaction executes fn inside a transaction on a single acquired
// connection. Multi-statement sequences that must be atomic go through
// here; the default isolation is READ COMMITTED.
func (p *Pool) Transaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return pgx.BeginTxFunc(ctx, conn, pgx.TxOptions{}, fn)
}

// Inner exposes the raw pgx pool for components that need it directly.
func (p *Pool) Inner() *pgxpool.Pool {
	return p.inner
}

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

// Stats returns a snapshot of pool behavior.
func (p *Pool) Stats() PoolStats {
	stat := p.inner.Stat()

	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		TotalConnections:       int64(stat.TotalConns()),
		ActiveConnections:      int64(stat.AcquiredConns()),
		IdleConnections:        int64(stat.IdleConns()),
		TotalRequests:          p.totalRequests,
		SuccessfulConnections:  p.successes,
		FailedConnections:      p.failures,
		AverageAcquisitionTime: p.acquisitionEMAMs,
	}
}

// Close stops validation and closes all connections.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.validateStop) })
	p.inner.Close()
	p.logger.Info("database connection pool closed")
}

// validateLoop pings the pool periodically so broken idle connections are
// detected and evicted between acquisitions.
func (p *Pool) validateLoop() {
	interval := p.cfg.IdleTimeout
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.validateStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.inner.Ping(ctx); err != nil {
				p.logger.Warn("idle connection validation failed", zap.Error(err))
			}
			cancel()
		}
	}
}
