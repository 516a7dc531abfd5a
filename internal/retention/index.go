// Package retention removes stored uploads once their retention period ends.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Index records stored files and reports the ones past their expiry.
type Index interface {
	Track(ctx context.Context, path string, expiresAt time.Time) error
	Expired(ctx context.Context, now time.Time) ([]string, error)
	Forget(ctx context.Context, paths ...string) error
}

// RedisIndex keeps paths in a sorted set scored by expiry (unix millis), so
// every replica sharing the upload volume sees the same schedule.
type RedisIndex struct {
	client         *redis.Client
	key            string
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisIndex constructs a Redis-backed index under key.
func NewRedisIndex(client *redis.Client, key string, logger *zap.Logger) *RedisIndex {
	return &RedisIndex{
		client:         client,
		key:            key,
		logger:         logger.Named("retention_index"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Track schedules path for removal at expiresAt.
func (r *RedisIndex) Track(ctx context.Context, path string, expiresAt time.Time) error {
	return r.executeWithRetry(ctx, "retention.track", path, func() error {
		return r.client.ZAdd(ctx, r.key, &redis.Z{
			Score:  float64(expiresAt.UnixMilli()),
			Member: path,
		}).Err()
	})
}

// Expired returns paths whose expiry is at or before now.
func (r *RedisIndex) Expired(ctx context.Context, now time.Time) ([]string, error) {
	var paths []string
	err := r.executeWithRetry(ctx, "retention.expired", "", func() error {
		result, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		paths = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Forget drops paths from the index.
func (r *RedisIndex) Forget(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	members := make([]interface{}, len(paths))
	for i, p := range paths {
		members[i] = p
	}
	return r.executeWithRetry(ctx, "retention.forget", "", func() error {
		return r.client.ZRem(ctx, r.key, members...).Err()
	})
}

// DirectoryIndex derives expiry from file modification times. It needs no
// bookkeeping, so Track and Forget are no-ops.
type DirectoryIndex struct {
	dir string
	ttl time.Duration
}

// NewDirectoryIndex returns an index over the regular files directly in dir.
func NewDirectoryIndex(dir string, ttl time.Duration) *DirectoryIndex {
	return &DirectoryIndex{dir: dir, ttl: ttl}
}

// Track is a no-op; the file's modification time is its registration.
func (d *DirectoryIndex) Track(context.Context, string, time.Time) error {
	return nil
}

// Expired lists files modified at least ttl before now.
func (d *DirectoryIndex) Expired(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Add(d.ttl).After(now) {
			paths = append(paths, filepath.Join(d.dir, entry.Name()))
		}
	}
	return paths, nil
}

// Forget is a no-op; removed files drop out of the next listing.
func (d *DirectoryIndex) Forget(context.Context, ...string) error {
	return nil
}
