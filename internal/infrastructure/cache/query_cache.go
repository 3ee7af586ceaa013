package cache

import (
	"container/list"
	"encoding/json"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueryCacheConfig bounds the in-process query cache.
type QueryCacheConfig struct {
	MaxSizeMB     int
	MaxKeys       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultQueryCacheConfig returns the standard bounds.
func DefaultQueryCacheConfig() QueryCacheConfig {
	return QueryCacheConfig{
		MaxSizeMB:     100,
		MaxKeys:       10000,
		DefaultTTL:    5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// QueryCacheStats is a point-in-time view of cache effectiveness.
type QueryCacheStats struct {
	HitRatio      float64 `json:"hitRatio"`
	TotalKeys     int     `json:"totalKeys"`
	MemoryUsageMB float64 `json:"memoryUsageMB"`
	Evictions     int64   `json:"evictions"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
}

type cacheEntry struct {
	key        string
	value      interface{}
	expiresAt  time.Time
	sizeBytes  int64
	lastAccess time.Time
}

// QueryCache is a bounded LRU with TTL. Get, Set, and eviction are O(1)
// through a doubly-linked list plus hashmap. Entries past their TTL are
// never served: reads expire lazily and a background sweep reclaims the
// rest.
type QueryCache struct {
	mu         sync.Mutex
	cfg        QueryCacheConfig
	logger     *zap.Logger
	entries    map[string]*list.Element
	lru        *list.List // front = most recent
	totalBytes int64
	hits       int64
	misses     int64
	evictions  int64
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewQueryCache creates a cache and starts its expiry sweep.
func NewQueryCache(cfg QueryCacheConfig, logger *zap.Logger) *QueryCache {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	qc := &QueryCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go qc.sweepLoop()
	return qc
}

// Get returns the cached value for key, or (nil, false) on miss or expiry.
func (qc *QueryCache) Get(key string) (interface{}, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	elem, ok := qc.entries[key]
	if !ok {
		qc.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		qc.removeElement(elem)
		qc.misses++
		return nil, false
	}

	entry.lastAccess = time.Now()
	qc.lru.MoveToFront(elem)
	qc.hits++
	return entry.value, true
}

// Set stores a value under key. A non-positive ttl uses the default.
func (qc *QueryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = qc.cfg.DefaultTTL
	}
	size := estimateSize(value)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	if elem, ok := qc.entries[key]; ok {
		qc.removeElement(elem)
	}

	entry := &cacheEntry{
		key:        key,
		value:      value,
		expiresAt:  time.Now().Add(ttl),
		sizeBytes:  size,
		lastAccess: time.Now(),
	}
	elem := qc.lru.PushFront(entry)
	qc.entries[key] = elem
	qc.totalBytes += size

	qc.evictOverCap()
}

// Invalidate removes all entries whose key matches the glob pattern and
// returns how many were dropped.
func (qc *QueryCache) Invalidate(pattern string) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	removed := 0
	for key, elem := range qc.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			// Bad pattern matches nothing.
			return 0
		}
		if matched {
			qc.removeElement(elem)
			removed++
		}
	}
	if removed > 0 && qc.logger != nil {
		qc.logger.Debug("query cache invalidated",
			zap.String("pattern", pattern),
			zap.Int("removed", removed))
	}
	return removed
}

// Clear drops every entry.
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.entries = make(map[string]*list.Element)
	qc.lru.Init()
	qc.totalBytes = 0
}

// Stats returns cache effectiveness numbers.
func (qc *QueryCache) Stats() QueryCacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	total := qc.hits + qc.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(qc.hits) / float64(total)
	}
	return QueryCacheStats{
		HitRatio:      ratio,
		TotalKeys:     len(qc.entries),
		MemoryUsageMB: float64(qc.totalBytes) / (1 << 20),
		Evictions:     qc.evictions,
		Hits:          qc.hits,
		Misses:        qc.misses,
	}
}

// MemoryUsageBytes returns the tracked byte total.
func (qc *QueryCache) MemoryUsageBytes() int64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.totalBytes
}

// Stop terminates the sweep goroutine.
func (qc *QueryCache) Stop() {
	qc.stopOnce.Do(func() { close(qc.stop) })
}

// evictOverCap removes LRU entries until both the byte cap and key cap
// hold. Caller holds the lock.
func (qc *QueryCache) evictOverCap() {
	byteCap := int64(qc.cfg.MaxSizeMB) << 20
	for (qc.totalBytes > byteCap || len(qc.entries) > qc.cfg.MaxKeys) && qc.lru.Len() > 0 {
		qc.removeElement(qc.lru.Back())
		qc.evictions++
	}
}

// removeElement drops an entry. Caller holds the lock; pressure eviction
// accounting happens in evictOverCap.
func (qc *QueryCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	qc.lru.Remove(elem)
	delete(qc.entries, entry.key)
	qc.totalBytes -= entry.sizeBytes
}

func (qc *QueryCache) sweepLoop() {
	ticker := time.NewTicker(qc.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-qc.stop:
			return
		case <-ticker.C:
			qc.sweepExpired()
		}
	}
}

func (qc *QueryCache) sweepExpired() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := time.Now()
	for _, elem := range qc.entries {
		if now.After(elem.Value.(*cacheEntry).expiresAt) {
			qc.removeElement(elem)
		}
	}
}

// estimateSize approximates an entry's memory footprint from its JSON
// encoding. Unencodable values get a flat estimate.
func estimateSize(v interface{}) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 512
	}
	return int64(len(data))
}
