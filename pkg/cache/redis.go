// Package cache persists the device snapshots in Redis so that a restarted backend
// starts from the last known device records instead of an empty store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// CachedSnapshot is the payload stored for each monitoring entry.
type CachedSnapshot struct {
	Cycle   uint64               `json:"cycle"`
	TakenAt time.Time            `json:"taken_at"`
	Records []devicestore.Record `json:"records"`
}

// RedisCache stores one snapshot per monitoring entry.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at the given URL, e.g. "redis://host:6379/0".
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func snapshotKey(entry string) string {
	return fmt.Sprintf("devices:%s", entry)
}

// SaveSnapshot stores the records of the snapshot, replacing the previous ones.
func (r *RedisCache) SaveSnapshot(ctx context.Context, entry string, snap *devicestore.Snapshot) error {
	data, err := json.Marshal(CachedSnapshot{
		Cycle:   snap.Cycle(),
		TakenAt: snap.TakenAt(),
		Records: snap.List(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = r.client.Set(ctx, snapshotKey(entry), data, r.ttl).Err()
	metrics.RedisOperations.WithLabelValues("save_snapshot", metrics.Status(err)).Inc()
	return err
}

// LoadSnapshot returns the cached snapshot of the entry, or nil when there is none.
func (r *RedisCache) LoadSnapshot(ctx context.Context, entry string) (*CachedSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKey(entry)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RedisOperations.WithLabelValues("load_snapshot", "miss").Inc()
		return nil, nil
	}
	metrics.RedisOperations.WithLabelValues("load_snapshot", metrics.Status(err)).Inc()
	if err != nil {
		return nil, err
	}

	var cached CachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &cached, nil
}

// DeleteSnapshot drops the cached snapshot of the entry.
func (r *RedisCache) DeleteSnapshot(ctx context.Context, entry string) error {
	err := r.client.Del(ctx, snapshotKey(entry)).Err()
	metrics.RedisOperations.WithLabelValues("delete_snapshot", metrics.Status(err)).Inc()
	return err
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
