package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/store"
	"go.uber.org/zap"
)

// CachedStore is a store.Store with a Redis read-through cache in front of
// pseudonym lookups. Cache failures fall through to the backing store.
type CachedStore struct {
	store.Store
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logger.Logger
	stats  cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewCachedStore connects to Redis and wraps the backing store
func NewCachedStore(cfg config.CacheConfig, backing store.Store, log *logger.Logger) (*CachedStore, error) {
	// Parse Redis URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = cfg.MaxConnections
	opts.MinIdleConns = cfg.MinIdleConns

	c := newCachedStore(redis.NewClient(opts), cfg, backing, log)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.logger.Info("Pseudonym cache initialized successfully",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("default_ttl", cfg.DefaultTTL))

	return c, nil
}

func newCachedStore(client *redis.Client, cfg config.CacheConfig, backing store.Store, log *logger.Logger) *CachedStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gateway"
	}
	return &CachedStore{
		Store:  backing,
		client: client,
		prefix: prefix,
		ttl:    cfg.DefaultTTL,
		logger: log.WithComponent("cache"),
	}
}

// LookupPseudonym checks Redis before the backing store and fills the cache on a store hit
func (c *CachedStore) LookupPseudonym(ctx context.Context, hash string) (*store.PseudonymRecord, error) {
	key := c.key(hash)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec store.PseudonymRecord
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			c.stats.hits.Add(1)
			c.logger.Debug("Cache hit", zap.String("key", key))
			return &rec, nil
		}
		c.logger.Warn("Dropping corrupted cache entry", zap.String("key", key))
		c.client.Del(ctx, key)
	case err == redis.Nil:
		c.stats.misses.Add(1)
	default:
		c.stats.errors.Add(1)
		c.logger.Warn("Cache lookup failed, using store", zap.Error(err))
	}

	rec, err := c.Store.LookupPseudonym(ctx, hash)
	if err != nil || rec == nil {
		return rec, err
	}
	c.set(ctx, rec)
	return rec, nil
}

// InsertPseudonym writes to the store and then the cache
func (c *CachedStore) InsertPseudonym(ctx context.Context, rec *store.PseudonymRecord) error {
	if err := c.Store.InsertPseudonym(ctx, rec); err != nil {
		return err
	}
	c.set(ctx, rec)
	return nil
}

func (c *CachedStore) set(ctx context.Context, rec *store.PseudonymRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("Failed to marshal record for caching", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(rec.OriginalHash), data, c.ttl).Err(); err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn("Failed to cache pseudonym", zap.Error(err))
	}
}

// GetCacheStats returns cache performance statistics
func (c *CachedStore) GetCacheStats(ctx context.Context) *Stats {
	stats := &Stats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
		Errors: c.stats.errors.Load(),
	}

	// Calculate hit rate
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	// Parse memory usage from Redis info
	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\r\n") {
			if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
				if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}
	return stats
}

// Clear removes all cached pseudonyms
func (c *CachedStore) Clear(ctx context.Context) error {
	// Use SCAN to find all keys with our prefix
	iter := c.client.Scan(ctx, 0, c.prefix+":pseudonym:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes Redis and the backing store
func (c *CachedStore) Close() error {
	cacheErr := c.client.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}

func (c *CachedStore) key(hash string) string {
	return c.prefix + ":pseudonym:" + hash
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
