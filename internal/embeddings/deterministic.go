package embeddings

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	ltmcerrors "ltmc/internal/errors"
)

// Feature weights for the hash-based vector.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// tokenPattern matches alphanumeric token runs.
var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// DeterministicEmbeddingService is the injected test-mode embedder:
// hash-based feature vectors seeded entirely by the input text. The
// same text always produces the same unit vector, and texts sharing
// tokens land near each other, which is enough for retrieval paths to
// behave realistically without a model.
type DeterministicEmbeddingService struct {
	dimension int
}

// NewDeterministicEmbeddingService creates a test-mode embedder of the
// given dimension.
func NewDeterministicEmbeddingService(dimension int) *DeterministicEmbeddingService {
	return &DeterministicEmbeddingService{dimension: dimension}
}

// GenerateEmbedding returns the deterministic unit vector for text
func (d *DeterministicEmbeddingService) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ltmcerrors.NewInvalidInput("text cannot be empty")
	}
	vector := make([]float32, d.dimension)

	normalized := norm.NFC.String(text)
	for _, token := range tokenize(normalized) {
		vector[hashToIndex(token, d.dimension)] += tokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(normalized), ngramSize) {
		vector[hashToIndex(ngram, d.dimension)] += ngramWeight
	}

	return NormalizeL2(vector), nil
}

// GenerateBatchEmbeddings embeds each text independently
func (d *DeterministicEmbeddingService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ltmcerrors.NewInvalidInput("texts cannot be empty")
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := d.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vector
	}
	return results, nil
}

// GetDimension returns the configured embedding dimension
func (d *DeterministicEmbeddingService) GetDimension() int { return d.dimension }

// GetModel returns the test-mode model name
func (d *DeterministicEmbeddingService) GetModel() string { return "deterministic-hash" }

// HealthCheck always succeeds; there is no external dependency
func (d *DeterministicEmbeddingService) HealthCheck(_ context.Context) error { return nil }

// tokenize lowercases and splits text into tokens, breaking camelCase
// and snake_case identifiers so code content embeds usefully.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenPattern.FindAllString(text, -1) {
		for _, sub := range splitCodeToken(word) {
			if lower := strings.ToLower(sub); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitCodeToken splits snake_case, then camelCase, identifiers.
func splitCodeToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

// splitCamelCase splits on case boundaries, keeping acronyms together.
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// normalizeForNgrams keeps only lowercase letters and digits.
func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// extractNgrams extracts n-byte sliding windows.
func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return nil
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

// hashToIndex maps a feature string to a vector slot.
func hashToIndex(s string, dimension int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(dimension)) // #nosec G115 -- dimension is small and positive
}
