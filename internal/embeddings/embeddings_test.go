package embeddings

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps the deterministic service to record how often
// the inner service is actually reached.
type countingEmbedder struct {
	inner      EmbeddingService
	calls      int
	batchCalls int
}

func (c *countingEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.GenerateEmbedding(ctx, text)
}

func (c *countingEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls++
	return c.inner.GenerateBatchEmbeddings(ctx, texts)
}

func (c *countingEmbedder) GetDimension() int                     { return c.inner.GetDimension() }
func (c *countingEmbedder) GetModel() string                      { return c.inner.GetModel() }
func (c *countingEmbedder) HealthCheck(ctx context.Context) error { return c.inner.HealthCheck(ctx) }

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestDeterministicEmbedding_Deterministic(t *testing.T) {
	svc := NewDeterministicEmbeddingService(384)
	ctx := context.Background()

	first, err := svc.GenerateEmbedding(ctx, "machine learning fundamentals")
	require.NoError(t, err)
	second, err := svc.GenerateEmbedding(ctx, "machine learning fundamentals")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 384)
}

func TestDeterministicEmbedding_UnitNorm(t *testing.T) {
	svc := NewDeterministicEmbeddingService(128)
	vector, err := svc.GenerateEmbedding(context.Background(), "normalize me please")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(vector), 1e-5)
}

func TestDeterministicEmbedding_EmptyTextRejected(t *testing.T) {
	svc := NewDeterministicEmbeddingService(64)
	_, err := svc.GenerateEmbedding(context.Background(), "")
	assert.Error(t, err)
}

func TestDeterministicEmbedding_SimilarTextsCloser(t *testing.T) {
	svc := NewDeterministicEmbeddingService(384)
	ctx := context.Background()

	base, err := svc.GenerateEmbedding(ctx, "machine learning is a subset of artificial intelligence")
	require.NoError(t, err)
	related, err := svc.GenerateEmbedding(ctx, "artificial intelligence and machine learning")
	require.NoError(t, err)
	unrelated, err := svc.GenerateEmbedding(ctx, "recipe for sourdough bread with olives")
	require.NoError(t, err)

	simRelated := CosineSimilarity(base, related)
	simUnrelated := CosineSimilarity(base, unrelated)
	assert.Greater(t, simRelated, simUnrelated)
}

func TestDeterministicEmbedding_IdenticalTextFullSimilarity(t *testing.T) {
	svc := NewDeterministicEmbeddingService(384)
	ctx := context.Background()

	text := "identical content scores one"
	a, err := svc.GenerateEmbedding(ctx, text)
	require.NoError(t, err)
	b, err := svc.GenerateEmbedding(ctx, text)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
}

func TestDeterministicEmbedding_Batch(t *testing.T) {
	svc := NewDeterministicEmbeddingService(96)
	ctx := context.Background()

	texts := []string{"first text", "second text", "third text"}
	vectors, err := svc.GenerateBatchEmbeddings(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	for i, text := range texts {
		single, err := svc.GenerateEmbedding(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, vectors[i], "batch vector %d must match single embedding", i)
	}
}

func TestCamelAndSnakeCaseTokenization(t *testing.T) {
	tokens := tokenize("parseHTTPResponse store_universal_vector")
	assert.Contains(t, tokens, "parse")
	assert.Contains(t, tokens, "http")
	assert.Contains(t, tokens, "response")
	assert.Contains(t, tokens, "store")
	assert.Contains(t, tokens, "universal")
	assert.Contains(t, tokens, "vector")
}

func TestCachedEmbedding_MemoizesSingle(t *testing.T) {
	counting := &countingEmbedder{inner: NewDeterministicEmbeddingService(64)}
	cached := NewCachedEmbeddingService(counting, 16)
	ctx := context.Background()

	first, err := cached.GenerateEmbedding(ctx, "repeated text")
	require.NoError(t, err)
	second, err := cached.GenerateEmbedding(ctx, "repeated text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.calls)
	assert.Equal(t, 1, cached.Len())
}

func TestCachedEmbedding_BatchServesHitsFromCache(t *testing.T) {
	counting := &countingEmbedder{inner: NewDeterministicEmbeddingService(64)}
	cached := NewCachedEmbeddingService(counting, 16)
	ctx := context.Background()

	_, err := cached.GenerateEmbedding(ctx, "alpha")
	require.NoError(t, err)

	vectors, err := cached.GenerateBatchEmbeddings(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// Only the two misses reach the inner batch path.
	assert.Equal(t, 1, counting.batchCalls)
	assert.Equal(t, 3, cached.Len())

	again, err := cached.GenerateBatchEmbeddings(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, vectors, again)
	assert.Equal(t, 1, counting.batchCalls, "full cache hit must not call inner service")
}

func TestNormalizeL2_ZeroVectorUnchanged(t *testing.T) {
	zero := make([]float32, 8)
	got := NormalizeL2(zero)
	assert.Equal(t, make([]float32, 8), got)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, c), 1e-9)
	assert.Zero(t, CosineSimilarity(a, []float32{1, 2}))
}

func TestNoiseVector_NormalizedAndNonZero(t *testing.T) {
	v := noiseVector(384)
	require.Len(t, v, 384)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-5)
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)

	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, rl.Allow(), "token should refill after the interval")
}
