package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockRedis is an in-memory RedisClient. Setting failWith makes every
// command fail with that error.
type mockRedis struct {
	mu       sync.Mutex
	data     map[string]string
	gets     int
	sets     int
	failWith error
}

func newMockRedis() *mockRedis {
	return &mockRedis{data: make(map[string]string)}
}

func (m *mockRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failWith != nil {
		return redis.NewStringResult("", m.failWith)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.failWith != nil {
		return redis.NewStatusResult("", m.failWith)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	if _, ok := m.data[key]; ok && m.failWith == nil {
		m.mu.Unlock()
		return redis.NewBoolResult(false, nil)
	}
	m.mu.Unlock()
	if err := m.Set(ctx, key, value, expiration).Err(); err != nil {
		return redis.NewBoolResult(false, err)
	}
	return redis.NewBoolResult(true, nil)
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return redis.NewIntResult(0, m.failWith)
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.failWith)
}

func (m *mockRedis) Close() error { return nil }

// countingLedger counts Get calls that reach the inner ledger.
type countingLedger struct {
	*MemoryStore
	gets int
}

func (c *countingLedger) Get(ctx context.Context, id string) (*UploadRecord, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func TestCachedLedgerCachesCompleteRecords(t *testing.T) {
	inner := &countingLedger{MemoryStore: NewMemoryStore()}
	rdb := newMockRedis()
	c := NewCachedLedger(inner, rdb, time.Minute)
	ctx := context.Background()

	rec := sampleRecord("done1")
	rec.Status = StatusComplete
	rec.UploadedLength = rec.Length
	if err := c.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, "done1")
		if err != nil || got == nil {
			t.Fatalf("Get #%d = (%v, %v)", i, got, err)
		}
		if got.Name != "holiday" {
			t.Errorf("Name = %q, want holiday", got.Name)
		}
	}
	if inner.gets != 1 {
		t.Errorf("inner Get called %d times, want 1", inner.gets)
	}
}

func TestCachedLedgerSkipsPendingRecords(t *testing.T) {
	inner := &countingLedger{MemoryStore: NewMemoryStore()}
	c := NewCachedLedger(inner, newMockRedis(), time.Minute)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecord("pend1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Get(ctx, "pend1")
	c.Get(ctx, "pend1")
	if inner.gets != 2 {
		t.Errorf("inner Get called %d times, want 2", inner.gets)
	}
}

func TestCachedLedgerInvalidatesOnUpdateAndDelete(t *testing.T) {
	inner := NewMemoryStore()
	rdb := newMockRedis()
	c := NewCachedLedger(inner, rdb, time.Minute)
	ctx := context.Background()

	rec := sampleRecord("done2")
	rec.Status = StatusComplete
	if err := c.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Get(ctx, "done2")

	when := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	rec.PendingForDeletionAt = &when
	if err := c.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := c.Get(ctx, "done2")
	if got.PendingForDeletionAt == nil || !got.PendingForDeletionAt.Equal(when) {
		t.Errorf("PendingForDeletionAt = %v, want %v", got.PendingForDeletionAt, when)
	}

	if err := c.Delete(ctx, "done2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := c.Get(ctx, "done2")
	if err != nil || got != nil {
		t.Errorf("Get after Delete = (%v, %v), want (nil, nil)", got, err)
	}
}

// racingLedger runs afterGet once, between reading a record and returning
// it, the way a concurrent write can land while a cache fill is in flight.
type racingLedger struct {
	*MemoryStore
	afterGet func()
}

func (r *racingLedger) Get(ctx context.Context, id string) (*UploadRecord, error) {
	rec, err := r.MemoryStore.Get(ctx, id)
	if f := r.afterGet; f != nil {
		r.afterGet = nil
		f()
	}
	return rec, err
}

func TestCachedLedgerFillDoesNotOutliveConcurrentUpdate(t *testing.T) {
	inner := &racingLedger{MemoryStore: NewMemoryStore()}
	c := NewCachedLedger(inner, newMockRedis(), time.Hour)
	ctx := context.Background()

	rec := sampleRecord("race1")
	rec.Status = StatusComplete
	rec.UploadedLength = rec.Length
	if err := c.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	when := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	inner.afterGet = func() {
		upd := *rec
		upd.PendingForDeletionAt = &when
		if err := c.Update(ctx, &upd); err != nil {
			t.Errorf("Update: %v", err)
		}
	}

	stale, err := c.Get(ctx, "race1")
	if err != nil || stale == nil {
		t.Fatalf("Get = (%v, %v)", stale, err)
	}
	if stale.PendingForDeletionAt != nil {
		t.Fatal("first Get should return the record read before the update")
	}

	got, err := c.Get(ctx, "race1")
	if err != nil || got == nil {
		t.Fatalf("Get = (%v, %v)", got, err)
	}
	if got.PendingForDeletionAt == nil || !got.PendingForDeletionAt.Equal(when) {
		t.Errorf("PendingForDeletionAt = %v, want %v; stale record was cached", got.PendingForDeletionAt, when)
	}
}

func TestCachedLedgerFallsBackWhenRedisDown(t *testing.T) {
	inner := NewMemoryStore()
	rdb := newMockRedis()
	rdb.failWith = errors.New("connection refused")
	c := NewCachedLedger(inner, rdb, time.Minute)
	ctx := context.Background()

	rec := sampleRecord("down1")
	rec.Status = StatusComplete
	if err := inner.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := c.Get(ctx, "down1")
	if err != nil || got == nil {
		t.Fatalf("Get = (%v, %v), want record", got, err)
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping should report the redis failure")
	}
}
