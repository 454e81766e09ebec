package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// Cache key namespaces. Flush refuses any pattern outside these so a
// shared Redis instance never loses foreign keys.
const (
	docKeyPrefix            = "ltmc:doc:"
	chatKeyPrefix           = "ltmc:chat:"
	reasoningChainKeyPrefix = "mindgraph:reasoning_chain:"
)

// defaultCacheTTL applies when callers pass a non-positive TTL.
const defaultCacheTTL = 3600 * time.Second

// scanBatch is the COUNT hint per SCAN round trip.
const scanBatch = 100

// DocKey returns the cache key for a stored document.
func DocKey(id int64) string { return fmt.Sprintf("%s%d", docKeyPrefix, id) }

// EntryKey returns the cache key for a named cache-only entry.
func EntryKey(name string) string { return docKeyPrefix + name }

// ChatKey returns the cache key for a conversation's recent messages.
func ChatKey(conversationID string) string { return chatKeyPrefix + conversationID }

// ReasoningChainKey returns the cache key for a chain-of-thought entry.
func ReasoningChainKey(id string) string { return reasoningChainKeyPrefix + id }

// RedisStore implements CacheStore on a Redis connection.
type RedisStore struct {
	client     *redis.Client
	defaultTTL time.Duration
	log        *logging.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisStore(ctx context.Context, addr, password string, db int, defaultTTL time.Duration, log *logging.Logger) (*RedisStore, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, ltmcerrors.NewBackendUnavailable(types.BackendCache, err)
	}

	s := &RedisStore{
		client:     client,
		defaultTTL: defaultTTL,
		log:        log.WithComponent("redis"),
	}
	s.log.Info("cache store ready", "addr", addr, "db", db, "default_ttl", defaultTTL)
	return s, nil
}

// Cache stores content under key with the given TTL. A non-positive
// TTL falls back to the store default.
func (s *RedisStore) Cache(ctx context.Context, key, content string, metadata map[string]any, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ltmcerrors.NewInvalidInput("cache key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	entry := CacheEntry{
		Key:      key,
		Content:  content,
		Metadata: metadata,
		CachedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendCache, "marshal cache entry", err)
	}

	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendCache, "set", err)
	}
	return nil
}

// Get fetches a cache entry. A miss is a typed not_found so callers
// can fall through to the durable stores.
func (s *RedisStore) Get(ctx context.Context, key string) (*CacheEntry, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ltmcerrors.NewNotFound("cache entry", key)
	}
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendCache, "get", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, ltmcerrors.NewIntegrity("corrupt cache entry at " + key).WithContext("key", key)
	}
	return &entry, nil
}

// Exists reports whether a key is present without fetching its value.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, ltmcerrors.NewBackendFailed(types.BackendCache, "exists", err)
	}
	return n > 0, nil
}

// Delete removes the given keys and returns how many existed.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, ltmcerrors.NewBackendFailed(types.BackendCache, "del", err)
	}
	return n, nil
}

// Scan returns up to limit keys matching pattern using cursor-based
// iteration, never the blocking KEYS command.
func (s *RedisStore) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = scanBatch
	}

	keys := make([]string, 0, limit)
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendCache, "scan", err)
	}
	return keys, nil
}

// SetTTL updates a key's expiry in place.
func (s *RedisStore) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return ltmcerrors.NewInvalidInput("ttl must be positive")
	}
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendCache, "expire", err)
	}
	if !ok {
		return ltmcerrors.NewNotFound("cache entry", key)
	}
	return nil
}

// Flush deletes every key matching pattern and returns the count. The
// pattern must stay inside this store's namespaces.
func (s *RedisStore) Flush(ctx context.Context, pattern string) (int64, error) {
	if !strings.HasPrefix(pattern, "ltmc:") && !strings.HasPrefix(pattern, "mindgraph:") {
		return 0, ltmcerrors.NewInvalidInputf("flush pattern %q is outside the ltmc:/mindgraph: namespaces", pattern)
	}

	var deleted int64
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := flushBatch(); err != nil {
				return deleted, ltmcerrors.NewBackendFailed(types.BackendCache, "flush", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, ltmcerrors.NewBackendFailed(types.BackendCache, "flush scan", err)
	}
	if err := flushBatch(); err != nil {
		return deleted, ltmcerrors.NewBackendFailed(types.BackendCache, "flush", err)
	}

	s.log.Debug("flushed cache namespace", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return ltmcerrors.NewBackendUnavailable(types.BackendCache, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ CacheStore = (*RedisStore)(nil)
