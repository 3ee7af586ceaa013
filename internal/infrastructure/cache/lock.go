package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DistributedLock serializes maintenance operations across pipeline
// instances using the cache backend. Acquisition is best-effort SETNX with
// a TTL so a crashed holder cannot wedge maintenance forever.
type DistributedLock struct {
	backend Backend
	logger  *zap.Logger
	key     string
	token   string
	ttl     time.Duration
}

// NewDistributedLock creates a lock on the given key.
func NewDistributedLock(backend Backend, logger *zap.Logger, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		backend: backend,
		logger:  logger,
		key:     key,
		token:   uuid.New().String(),
		ttl:     ttl,
	}
}

// Acquire attempts to take the lock, retrying until the context expires.
// Returns false if the lock could not be taken.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	for {
		ok, err := l.backend.SetNX(ctx, l.key, l.token, l.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			l.logger.Debug("distributed lock acquired", zap.String("key", l.key))
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (l *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.backend.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.logger.Debug("distributed lock acquired", zap.String("key", l.key))
	}
	return ok, nil
}

// Release drops the lock. Only the holder's token is honored: if the TTL
// expired and another instance took the lock, Release leaves it alone.
func (l *DistributedLock) Release(ctx context.Context) error {
	current, err := l.backend.Get(ctx, l.key)
	if err != nil {
		if _, notFound := err.(ErrKeyNotFound); notFound {
			return nil
		}
		return err
	}
	if current != l.token {
		l.logger.Warn("distributed lock held by another owner, not releasing",
			zap.String("key", l.key))
		return nil
	}
	return l.backend.Delete(ctx, l.key)
}
