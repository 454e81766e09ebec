package storage

import (
	"context"
	"time"

	"ltmc/internal/circuitbreaker"
	"ltmc/pkg/types"
)

// BreakerGraphStore decorates a GraphStore with a circuit breaker so a
// dead graph database sheds load instead of stalling every write path.
// Composed outside the retry wrapper, the breaker counts each retried
// sequence as a single outcome.
type BreakerGraphStore struct {
	inner   GraphStore
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerGraphStore wraps inner. A nil breaker gets the default
// policy for the graph backend.
func NewBreakerGraphStore(inner GraphStore, breaker *circuitbreaker.CircuitBreaker) *BreakerGraphStore {
	if breaker == nil {
		breaker = circuitbreaker.New(types.BackendGraph, circuitbreaker.DefaultConfig())
	}
	return &BreakerGraphStore{inner: inner, breaker: breaker}
}

// Breaker exposes the underlying breaker for health reporting.
func (s *BreakerGraphStore) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

func (s *BreakerGraphStore) UpsertDocumentNode(ctx context.Context, docID string, properties map[string]any) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.UpsertDocumentNode(ctx, docID, properties)
	})
}

func (s *BreakerGraphStore) DeleteDocumentNode(ctx context.Context, docID string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.DeleteDocumentNode(ctx, docID)
	})
}

func (s *BreakerGraphStore) CreateRelationship(ctx context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.CreateRelationship(ctx, sourceDocID, targetDocID, relType, properties)
	})
}

func (s *BreakerGraphStore) DeleteRelationship(ctx context.Context, sourceDocID, targetDocID, relType string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.DeleteRelationship(ctx, sourceDocID, targetDocID, relType)
	})
}

func (s *BreakerGraphStore) GetRelationships(ctx context.Context, docID string, direction types.Direction) ([]GraphRelationship, error) {
	var out []GraphRelationship
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.GetRelationships(ctx, docID, direction)
		return err
	})
	return out, err
}

func (s *BreakerGraphStore) QueryGraph(ctx context.Context, docID, relType string) ([]GraphRelationship, error) {
	var out []GraphRelationship
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.QueryGraph(ctx, docID, relType)
		return err
	})
	return out, err
}

func (s *BreakerGraphStore) DeepRelationships(ctx context.Context, docID string, depth int) ([]types.GraphPath, error) {
	var out []types.GraphPath
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.DeepRelationships(ctx, docID, depth)
		return err
	})
	return out, err
}

// HealthCheck bypasses the breaker so probes can watch a tripped
// backend recover.
func (s *BreakerGraphStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *BreakerGraphStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

var _ GraphStore = (*BreakerGraphStore)(nil)

// BreakerCacheStore decorates a CacheStore with a circuit breaker.
type BreakerCacheStore struct {
	inner   CacheStore
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerCacheStore wraps inner. A nil breaker gets the default
// policy for the cache backend.
func NewBreakerCacheStore(inner CacheStore, breaker *circuitbreaker.CircuitBreaker) *BreakerCacheStore {
	if breaker == nil {
		breaker = circuitbreaker.New(types.BackendCache, circuitbreaker.DefaultConfig())
	}
	return &BreakerCacheStore{inner: inner, breaker: breaker}
}

// Breaker exposes the underlying breaker for health reporting.
func (s *BreakerCacheStore) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

func (s *BreakerCacheStore) Cache(ctx context.Context, key, content string, metadata map[string]any, ttl time.Duration) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.Cache(ctx, key, content, metadata, ttl)
	})
}

func (s *BreakerCacheStore) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var out *CacheEntry
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (s *BreakerCacheStore) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Exists(ctx, key)
		return err
	})
	return out, err
}

func (s *BreakerCacheStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	var out int64
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Delete(ctx, keys...)
		return err
	})
	return out, err
}

func (s *BreakerCacheStore) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	var out []string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Scan(ctx, pattern, limit)
		return err
	})
	return out, err
}

func (s *BreakerCacheStore) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.SetTTL(ctx, key, ttl)
	})
}

func (s *BreakerCacheStore) Flush(ctx context.Context, pattern string) (int64, error) {
	var out int64
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Flush(ctx, pattern)
		return err
	})
	return out, err
}

// HealthCheck bypasses the breaker so probes can watch a tripped
// backend recover.
func (s *BreakerCacheStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *BreakerCacheStore) Close() error {
	return s.inner.Close()
}

var _ CacheStore = (*BreakerCacheStore)(nil)
