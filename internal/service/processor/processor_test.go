package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
)

// fakeQueue is an in-process Queue double.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   chan *audit.DeliveryEnvelope
	acked  []string
	nacked []nackCall
}

type nackCall struct {
	jobID string
	delay time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(chan *audit.DeliveryEnvelope, 64)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, event *audit.Event) (string, error) {
	env := &audit.DeliveryEnvelope{
		JobID:      uuid.New().String(),
		Queue:      "test",
		Event:      event,
		EnqueuedAt: time.Now(),
	}
	q.jobs <- env
	return env.JobID, nil
}

func (q *fakeQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Nack(ctx context.Context, env *audit.DeliveryEnvelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, nackCall{jobID: env.JobID, delay: delay})
	return nil
}

func (q *fakeQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

func (q *fakeQueue) Consume(ctx context.Context, concurrency int, fn func(ctx context.Context, env *audit.DeliveryEnvelope)) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-q.jobs:
					fn(ctx, env)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *fakeQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *fakeQueue) nackedCalls() []nackCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]nackCall, len(q.nacked))
	copy(out, q.nacked)
	return out
}

// memStore is an in-memory DeadLetterStore double.
type memStore struct {
	mu      sync.Mutex
	records map[string]*audit.DeadLetterRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*audit.DeadLetterRecord)}
}

func (s *memStore) InsertDeadLetter(ctx context.Context, record *audit.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *memStore) GetDeadLetter(ctx context.Context, id string) (*audit.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id], nil
}

func (s *memStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*audit.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.DeadLetterRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, r := range s.records {
		if r.LastFailureAt.Before(cutoff) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

func (s *memStore) CountDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testConfig() Config {
	return Config{
		QueueName:   "test",
		Concurrency: 1,
		Retry: RetryPolicy{
			MaxRetries: 3,
			Strategy:   StrategyFixed,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  100,
			MinimumThroughput: 100,
			RecoveryTimeout:   time.Minute,
		},
		ShutdownTimeout: time.Second,
	}
}

func TestProcessor_RetryThenSuccess(t *testing.T) {
	q := newFakeQueue()
	store := newMemStore()
	dlq := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)

	var calls int32
	handler := func(ctx context.Context, event *audit.Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Failure("connection-reset", "peer reset")
		}
		return nil
	}

	p := New(q, handler, dlq, zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	event := audit.NewEvent("user.login", audit.StatusSuccess)
	_, err := q.Enqueue(ctx, event)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.ackedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Zero(t, store.count(), "no dead-letter record on eventual success")

	health := p.GetHealthStatus()
	assert.Equal(t, int64(1), health.SucceededTotal)
}

func TestProcessor_PermanentFailureDeadLetters(t *testing.T) {
	q := newFakeQueue()
	store := newMemStore()

	var alerts int32
	dlq := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 1},
		func(stats DLQStats) { atomic.AddInt32(&alerts, 1) })

	var calls int32
	handler := func(ctx context.Context, event *audit.Event) error {
		atomic.AddInt32(&calls, 1)
		return Failure("permanent", "unprocessable")
	}

	p := New(q, handler, dlq, zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	_, err := q.Enqueue(ctx, audit.NewEvent("user.login", audit.StatusSuccess))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.count() == 1 && q.ackedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "permanent failures skip retries")
	assert.Equal(t, int32(1), atomic.LoadInt32(&alerts), "alert fires at threshold 1")

	records, err := store.ListDeadLetters(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test", records[0].OriginalQueue)
	assert.Contains(t, records[0].FailureReason, "unprocessable")
	require.NotEmpty(t, records[0].Attempts)
}

func TestProcessor_ExhaustedRetriesDeadLetter(t *testing.T) {
	q := newFakeQueue()
	store := newMemStore()
	dlq := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)

	var calls int32
	handler := func(ctx context.Context, event *audit.Event) error {
		atomic.AddInt32(&calls, 1)
		return Failure("timeout", "still timing out")
	}

	p := New(q, handler, dlq, zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	_, err := q.Enqueue(ctx, audit.NewEvent("user.login", audit.StatusSuccess))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.count() == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "initial plus three retries")

	records, _ := store.ListDeadLetters(ctx, DeadLetterFilter{})
	require.Len(t, records, 1)
	assert.Len(t, records[0].Attempts, 4)
}

func TestProcessor_OpenBreakerDefersWithoutHandler(t *testing.T) {
	q := newFakeQueue()
	store := newMemStore()
	dlq := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)

	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker = BreakerConfig{
		FailureThreshold:  2,
		MinimumThroughput: 2,
		RecoveryTimeout:   time.Minute,
	}

	var calls int32
	handler := func(ctx context.Context, event *audit.Event) error {
		atomic.AddInt32(&calls, 1)
		return Failure("connection-reset", "down")
	}

	p := New(q, handler, dlq, zap.NewNop(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, audit.NewEvent("user.login", audit.StatusSuccess))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return p.Breaker().State() == "open"
	}, 3*time.Second, 10*time.Millisecond)
	callsBeforeDeferred := atomic.LoadInt32(&calls)

	_, err := q.Enqueue(ctx, audit.NewEvent("user.login", audit.StatusSuccess))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range q.nackedCalls() {
			if n.delay == cfg.Breaker.RecoveryTimeout {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "deferred with the recovery delay")

	assert.Equal(t, callsBeforeDeferred, atomic.LoadInt32(&calls),
		"handler not invoked while breaker open")
	assert.Equal(t, 2, store.count(),
		"only the two genuine failures dead-letter; the deferred job does not")
}
