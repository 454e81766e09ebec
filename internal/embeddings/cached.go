package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the memoization cache when config gives none.
const DefaultCacheSize = 4096

// CachedEmbeddingService memoizes an inner service with an LRU cache so
// identical strings embed once per process.
type CachedEmbeddingService struct {
	inner EmbeddingService
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbeddingService wraps inner with an LRU of the given size.
func NewCachedEmbeddingService(inner EmbeddingService, cacheSize int) *CachedEmbeddingService {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbeddingService{inner: inner, cache: cache}
}

// cacheKey hashes model and text together so a model change never
// serves stale vectors.
func (c *CachedEmbeddingService) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.GetModel() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// GenerateEmbedding returns the cached vector when available
func (c *CachedEmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vector, ok := c.cache.Get(key); ok {
		return vector, nil
	}
	vector, err := c.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vector)
	return vector, nil
}

// GenerateBatchEmbeddings serves cache hits individually and forwards
// only the misses to the inner service.
func (c *CachedEmbeddingService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIndices []int

	for i, text := range texts {
		if vector, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vector
		} else {
			missTexts = append(missTexts, text)
			missIndices = append(missIndices, i)
		}
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := c.inner.GenerateBatchEmbeddings(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIndices {
		results[idx] = vectors[j]
		c.cache.Add(c.cacheKey(missTexts[j]), vectors[j])
	}
	return results, nil
}

// GetDimension returns the inner service dimension
func (c *CachedEmbeddingService) GetDimension() int { return c.inner.GetDimension() }

// GetModel returns the inner service model name
func (c *CachedEmbeddingService) GetModel() string { return c.inner.GetModel() }

// HealthCheck delegates to the inner service
func (c *CachedEmbeddingService) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

// Len reports how many embeddings are currently cached
func (c *CachedEmbeddingService) Len() int { return c.cache.Len() }
