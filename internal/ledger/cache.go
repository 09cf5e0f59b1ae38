package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/honeydew/honeydew/internal/ledger")

// RedisClient is the subset of *redis.Client used by CachedLedger.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// CachedLedger is a read-through redis cache in front of another Ledger.
// Only Complete records are cached: a Pending record's offset changes with
// every block and must always come from the ledger. Writes go to the inner
// ledger first and then replace the cached copy with a short-lived
// tombstone. Reads only fill an empty key, so a read that raced a write
// cannot put the old record back. Redis failures are logged and the inner
// ledger answers instead.
type CachedLedger struct {
	inner Ledger
	redis RedisClient
	ttl   time.Duration
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewCachedLedger wraps inner with a redis cache.
func NewCachedLedger(inner Ledger, client RedisClient, ttl time.Duration) *CachedLedger {
	return &CachedLedger{inner: inner, redis: client, ttl: ttl}
}

// tombstone marks a record that was just written. It outlives any read that
// started before the write.
const (
	tombstone    = "-"
	tombstoneTTL = 30 * time.Second
)

func cacheKey(id string) string {
	return "upload:" + id
}

func (c *CachedLedger) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return c.inner.Ping(ctx)
}

func (c *CachedLedger) Close() error {
	redisErr := c.redis.Close()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return redisErr
}

func (c *CachedLedger) Create(ctx context.Context, rec *UploadRecord) error {
	return c.inner.Create(ctx, rec)
}

func (c *CachedLedger) Get(ctx context.Context, id string) (*UploadRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.cache_get",
		trace.WithAttributes(attribute.String("upload_id", id)),
	)
	defer span.End()

	data, err := c.redis.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil && string(data) == tombstone:
		span.SetAttributes(attribute.String("cache_status", "invalidated"))
	case err == nil:
		var rec UploadRecord
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			span.SetAttributes(attribute.String("cache_status", "hit"))
			return &rec, nil
		}
		slog.Warn("Discarding undecodable cached upload", "upload_id", id)
	case err == redis.Nil:
		span.SetAttributes(attribute.String("cache_status", "miss"))
	default:
		span.RecordError(err)
		slog.Warn("Redis get failed, reading ledger", "upload_id", id, "error", err)
	}

	rec, err := c.inner.Get(ctx, id)
	if err != nil || rec == nil || !rec.IsComplete() {
		return rec, err
	}

	if data, err := json.Marshal(rec); err == nil {
		if err := c.redis.SetNX(ctx, cacheKey(id), data, c.ttl).Err(); err != nil {
			slog.Warn("Redis set failed", "upload_id", id, "error", err)
		}
	}
	return rec, nil
}

func (c *CachedLedger) Exists(ctx context.Context, id string) (bool, error) {
	return c.inner.Exists(ctx, id)
}

func (c *CachedLedger) Update(ctx context.Context, rec *UploadRecord) error {
	if err := c.inner.Update(ctx, rec); err != nil {
		return err
	}
	c.invalidate(ctx, rec.ID)
	return nil
}

func (c *CachedLedger) Delete(ctx context.Context, id string) error {
	if err := c.inner.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *CachedLedger) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	return c.inner.ListDueForDeletion(ctx, now)
}

func (c *CachedLedger) List(ctx context.Context) ([]UploadRecord, error) {
	return c.inner.List(ctx)
}

func (c *CachedLedger) invalidate(ctx context.Context, id string) {
	if err := c.redis.Set(ctx, cacheKey(id), tombstone, tombstoneTTL).Err(); err != nil {
		slog.Warn("Redis invalidate failed", "upload_id", id, "error", err)
	}
}

var _ Ledger = (*CachedLedger)(nil)
