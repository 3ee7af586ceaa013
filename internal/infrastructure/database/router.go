package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

// Routing policies.
const (
	PolicyRoundRobin   = "round_robin"
	PolicyWeighted     = "weighted"
	PolicyLeastLatency = "least_latency"
)

// replica tracks one read replica and its health profile.
type replica struct {
	name   string
	pool   *Pool
	weight int

	mu        sync.Mutex
	healthy   bool
	lagMs     int64
	latencyMs float64 // EMA
	requests  int64
	errs      int64
}

// ReplicaMetrics is the per-replica view exposed in reports.
type ReplicaMetrics struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	LagMs     int64   `json:"lagMs"`
	LatencyMs float64 `json:"latencyMs"`
	Requests  int64   `json:"requests"`
	ErrorRate float64 `json:"errorRate"`
}

// Router directs read queries among healthy replicas. Writes and
// transactions always go to the primary. A replica is healthy when it is
// reachable within the probe timeout and its replication lag is inside
// the configured bound; when every replica is unhealthy, reads fall back
// to the primary only if fallback is enabled.
type Router struct {
	primary  *Pool
	replicas []*replica
	logger   *zap.Logger
	cfg      *config.DatabaseConfig

	mu      sync.Mutex
	rrIndex int

	healthStop chan struct{}
	stopOnce   sync.Once
}

// NewRouter builds the router and connects replica pools. Replica connect
// failures are logged and skipped: a missing replica degrades read
// scaling, not availability.
func NewRouter(ctx context.Context, primary *Pool, cfg *config.DatabaseConfig, logger *zap.Logger) *Router {
	r := &Router{
		primary:    primary,
		logger:     logger,
		cfg:        cfg,
		healthStop: make(chan struct{}),
	}

	for i, url := range cfg.ReplicaURLs {
		pool, err := newPoolForURL(ctx, url, cfg, logger)
		if err != nil {
			logger.Warn("failed to connect read replica",
				zap.Int("replica", i),
				zap.Error(err))
			continue
		}
		r.replicas = append(r.replicas, &replica{
			name:    replicaName(i),
			pool:    pool,
			weight:  1,
			healthy: true,
		})
	}

	go r.healthLoop()

	logger.Info("read-replica router initialized",
		zap.Int("replicas", len(r.replicas)),
		zap.String("policy", cfg.ReplicaPolicy))
	return r
}

func replicaName(i int) string {
	return fmt.Sprintf("replica-%d", i)
}

// Primary returns the write pool.
func (r *Router) Primary() *Pool {
	return r.primary
}

// ReadPool selects a pool for a read query per the configured policy.
func (r *Router) ReadPool() (*Pool, error) {
	healthy := r.healthyReplicas()
	if len(healthy) == 0 {
		if r.cfg.FallbackToMaster || len(r.replicas) == 0 {
			return r.primary, nil
		}
		return nil, errors.NewInternalError("no healthy read replicas and master fallback disabled")
	}

	var chosen *replica
	switch r.cfg.ReplicaPolicy {
	case PolicyLeastLatency:
		chosen = healthy[0]
		for _, rep := range healthy[1:] {
			rep.mu.Lock()
			lat := rep.latencyMs
			rep.mu.Unlock()
			chosen.mu.Lock()
			best := chosen.latencyMs
			chosen.mu.Unlock()
			if lat < best {
				chosen = rep
			}
		}
	case PolicyWeighted:
		chosen = r.pickWeighted(healthy)
	default: // round robin
		r.mu.Lock()
		chosen = healthy[r.rrIndex%len(healthy)]
		r.rrIndex++
		r.mu.Unlock()
	}

	chosen.mu.Lock()
	chosen.requests++
	chosen.mu.Unlock()
	return chosen.pool, nil
}

// pickWeighted selects proportionally to static weights using a rotating
// cursor over the expanded weight space.
func (r *Router) pickWeighted(healthy []*replica) *replica {
	total := 0
	for _, rep := range healthy {
		total += rep.weight
	}
	if total == 0 {
		return healthy[0]
	}
	r.mu.Lock()
	cursor := r.rrIndex % total
	r.rrIndex++
	r.mu.Unlock()
	for _, rep := range healthy {
		cursor -= rep.weight
		if cursor < 0 {
			return rep
		}
	}
	return healthy[len(healthy)-1]
}

// ObserveReadLatency feeds a replica's latency EMA and error counters.
func (r *Router) ObserveReadLatency(pool *Pool, elapsed time.Duration, failed bool) {
	for _, rep := range r.replicas {
		if rep.pool != pool {
			continue
		}
		rep.mu.Lock()
		sample := float64(elapsed.Microseconds()) / 1000.0
		if rep.latencyMs == 0 {
			rep.latencyMs = sample
		} else {
			rep.latencyMs = 0.2*sample + 0.8*rep.latencyMs
		}
		if failed {
			rep.errs++
		}
		rep.mu.Unlock()
		return
	}
}

// Metrics returns per-replica routing metrics.
func (r *Router) Metrics() []ReplicaMetrics {
	out := make([]ReplicaMetrics, 0, len(r.replicas))
	for _, rep := range r.replicas {
		rep.mu.Lock()
		rate := 0.0
		if rep.requests > 0 {
			rate = float64(rep.errs) / float64(rep.requests)
		}
		out = append(out, ReplicaMetrics{
			Name:      rep.name,
			Healthy:   rep.healthy,
			LagMs:     rep.lagMs,
			LatencyMs: rep.latencyMs,
			Requests:  rep.requests,
			ErrorRate: rate,
		})
		rep.mu.Unlock()
	}
	return out
}

// Close stops health probing and closes replica pools. The primary pool
// is owned by the caller.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.healthStop) })
	for _, rep := range r.replicas {
		rep.pool.Close()
	}
}

func (r *Router) healthyReplicas() []*replica {
	out := make([]*replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		rep.mu.Lock()
		if rep.healthy {
			out = append(out, rep)
		}
		rep.mu.Unlock()
	}
	return out
}

func (r *Router) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthStop:
			return
		case <-ticker.C:
			r.probeReplicas()
		}
	}
}

// probeReplicas checks reachability and replication lag for each replica.
func (r *Router) probeReplicas() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	maxLagMs := r.cfg.MaxReplicaLag.Milliseconds()

	for _, rep := range r.replicas {
		healthy := true
		var lagMs int64

		if err := rep.pool.Ping(ctx); err != nil {
			healthy = false
		} else {
			row := rep.pool.Inner().QueryRow(ctx, `
				SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - pg_last_xact_replay_timestamp())) * 1000, 0)::BIGINT
			`)
			if err := row.Scan(&lagMs); err == nil && maxLagMs > 0 && lagMs > maxLagMs {
				healthy = false
			}
		}

		rep.mu.Lock()
		wasHealthy := rep.healthy
		rep.healthy = healthy
		rep.lagMs = lagMs
		rep.mu.Unlock()

		if wasHealthy != healthy {
			r.logger.Warn("replica health changed",
				zap.String("replica", rep.name),
				zap.Bool("healthy", healthy),
				zap.Int64("lag_ms", lagMs))
		}
	}
}
