package storage

import (
	"context"
	"time"

	"ltmc/internal/retry"
	"ltmc/pkg/types"
)

// RetryingGraphStore decorates a GraphStore with bounded retries on
// transient failures. Every wrapped operation is idempotent (merges,
// detach-deletes, reads), so replays are safe.
type RetryingGraphStore struct {
	inner   GraphStore
	retrier *retry.Retrier
}

// NewRetryingGraphStore wraps inner. A nil retrier gets the default
// backoff policy.
func NewRetryingGraphStore(inner GraphStore, retrier *retry.Retrier) *RetryingGraphStore {
	if retrier == nil {
		retrier = retry.New(retry.DefaultConfig())
	}
	return &RetryingGraphStore{inner: inner, retrier: retrier}
}

func (s *RetryingGraphStore) UpsertDocumentNode(ctx context.Context, docID string, properties map[string]any) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.UpsertDocumentNode(ctx, docID, properties)
	}).Err
}

func (s *RetryingGraphStore) DeleteDocumentNode(ctx context.Context, docID string) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.DeleteDocumentNode(ctx, docID)
	}).Err
}

func (s *RetryingGraphStore) CreateRelationship(ctx context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.CreateRelationship(ctx, sourceDocID, targetDocID, relType, properties)
	}).Err
}

func (s *RetryingGraphStore) DeleteRelationship(ctx context.Context, sourceDocID, targetDocID, relType string) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.DeleteRelationship(ctx, sourceDocID, targetDocID, relType)
	}).Err
}

func (s *RetryingGraphStore) GetRelationships(ctx context.Context, docID string, direction types.Direction) ([]GraphRelationship, error) {
	var out []GraphRelationship
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.GetRelationships(ctx, docID, direction)
		return err
	}).Err
	return out, err
}

func (s *RetryingGraphStore) QueryGraph(ctx context.Context, docID, relType string) ([]GraphRelationship, error) {
	var out []GraphRelationship
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.QueryGraph(ctx, docID, relType)
		return err
	}).Err
	return out, err
}

func (s *RetryingGraphStore) DeepRelationships(ctx context.Context, docID string, depth int) ([]types.GraphPath, error) {
	var out []types.GraphPath
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.DeepRelationships(ctx, docID, depth)
		return err
	}).Err
	return out, err
}

// HealthCheck is deliberately not retried; health probes should report
// the backend as it is right now.
func (s *RetryingGraphStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *RetryingGraphStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

var _ GraphStore = (*RetryingGraphStore)(nil)

// RetryingCacheStore decorates a CacheStore with bounded retries on
// transient failures.
type RetryingCacheStore struct {
	inner   CacheStore
	retrier *retry.Retrier
}

// NewRetryingCacheStore wraps inner. A nil retrier gets the default
// backoff policy.
func NewRetryingCacheStore(inner CacheStore, retrier *retry.Retrier) *RetryingCacheStore {
	if retrier == nil {
		retrier = retry.New(retry.DefaultConfig())
	}
	return &RetryingCacheStore{inner: inner, retrier: retrier}
}

func (s *RetryingCacheStore) Cache(ctx context.Context, key, content string, metadata map[string]any, ttl time.Duration) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.Cache(ctx, key, content, metadata, ttl)
	}).Err
}

func (s *RetryingCacheStore) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var out *CacheEntry
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Get(ctx, key)
		return err
	}).Err
	return out, err
}

func (s *RetryingCacheStore) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Exists(ctx, key)
		return err
	}).Err
	return out, err
}

func (s *RetryingCacheStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	var out int64
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Delete(ctx, keys...)
		return err
	}).Err
	return out, err
}

func (s *RetryingCacheStore) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	var out []string
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Scan(ctx, pattern, limit)
		return err
	}).Err
	return out, err
}

func (s *RetryingCacheStore) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.inner.SetTTL(ctx, key, ttl)
	}).Err
}

func (s *RetryingCacheStore) Flush(ctx context.Context, pattern string) (int64, error) {
	var out int64
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Flush(ctx, pattern)
		return err
	}).Err
	return out, err
}

// HealthCheck is deliberately not retried.
func (s *RetryingCacheStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *RetryingCacheStore) Close() error {
	return s.inner.Close()
}

var _ CacheStore = (*RetryingCacheStore)(nil)
