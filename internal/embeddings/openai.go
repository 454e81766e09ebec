package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"ltmc/internal/config"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
)

// embedBatchSize caps how many inputs a single API request carries.
const embedBatchSize = 64

// OpenAIEmbeddingService implements EmbeddingService using OpenAI's API.
// One instance is shared process-wide; the model loads once on the
// provider side and requests are paced by a token-bucket rate limiter.
type OpenAIEmbeddingService struct {
	client         *openai.Client
	model          string
	dimension      int
	requestTimeout time.Duration
	rateLimiter    *RateLimiter
	log            *logging.Logger
}

// RateLimiter implements a simple token bucket for API calls
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter refilling one token per
// refillRate up to maxTokens
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can proceed
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	tokensToAdd := int(elapsed / rl.refillRate)
	if tokensToAdd > 0 {
		rl.tokens = minInt(rl.maxTokens, rl.tokens+tokensToAdd)
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a request can proceed or the context ends
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// NewOpenAIEmbeddingService creates the process-wide real-mode service.
func NewOpenAIEmbeddingService(cfg *config.Config, log *logging.Logger) *OpenAIEmbeddingService {
	rpm := cfg.OpenAI.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &OpenAIEmbeddingService{
		client:         openai.NewClient(cfg.OpenAI.APIKey),
		model:          cfg.Database.EmbeddingModel,
		dimension:      cfg.Database.VectorDimension,
		requestTimeout: time.Duration(cfg.OpenAI.RequestTimeout) * time.Second,
		rateLimiter:    NewRateLimiter(rpm, time.Minute/time.Duration(rpm)),
		log:            log.WithComponent("embeddings"),
	}
}

// GenerateEmbedding generates a unit-norm embedding for a single text.
// Backend failures degrade to a normalized noise vector with a warning;
// a response of the wrong dimension is an integrity failure returned to
// the caller.
func (oes *OpenAIEmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ltmcerrors.NewInvalidInput("text cannot be empty")
	}

	vectors, err := oes.requestEmbeddings(ctx, []string{text})
	if err != nil {
		if ltmcerrors.IsKind(err, ltmcerrors.KindIntegrity) {
			return nil, err
		}
		oes.log.WarnContext(ctx, "embedding request failed, substituting noise vector", "error", err)
		return noiseVector(oes.dimension), nil
	}
	return vectors[0], nil
}

// GenerateBatchEmbeddings embeds texts in batches, fanning the batches
// out to a bounded worker pool. Per-text failure policy matches
// GenerateEmbedding.
func (oes *OpenAIEmbeddingService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ltmcerrors.NewInvalidInput("texts cannot be empty")
	}
	for _, t := range texts {
		if t == "" {
			return nil, ltmcerrors.NewInvalidInput("texts cannot contain empty entries")
		}
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += embedBatchSize {
		start := start // per-iteration copy; required for correctness under go <= 1.21 loop semantics
		end := minInt(start+embedBatchSize, len(texts))
		g.Go(func() error {
			vectors, err := oes.requestEmbeddings(gctx, texts[start:end])
			if err != nil {
				if ltmcerrors.IsKind(err, ltmcerrors.KindIntegrity) {
					return err
				}
				oes.log.WarnContext(gctx, "batch embedding failed, substituting noise vectors",
					"batch_start", start, "batch_size", end-start, "error", err)
				for i := start; i < end; i++ {
					results[i] = noiseVector(oes.dimension)
				}
				return nil
			}
			copy(results[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// requestEmbeddings performs one rate-limited API call and validates
// the returned dimensionality.
func (oes *OpenAIEmbeddingService) requestEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := oes.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, oes.requestTimeout)
	defer cancel()

	resp, err := oes.client.CreateEmbeddings(timeoutCtx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(oes.model),
		Dimensions: oes.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != oes.dimension {
			return nil, ltmcerrors.NewIntegrity(
				fmt.Sprintf("embedding dimension mismatch: want %d, got %d", oes.dimension, len(d.Embedding)))
		}
		vectors[i] = NormalizeL2(append([]float32(nil), d.Embedding...))
	}
	return vectors, nil
}

// GetDimension returns the configured embedding dimension
func (oes *OpenAIEmbeddingService) GetDimension() int { return oes.dimension }

// GetModel returns the embedding model name
func (oes *OpenAIEmbeddingService) GetModel() string { return oes.model }

// HealthCheck verifies the API is reachable by embedding a trivial input
func (oes *OpenAIEmbeddingService) HealthCheck(ctx context.Context) error {
	_, err := oes.requestEmbeddings(ctx, []string{"ping"})
	return err
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
