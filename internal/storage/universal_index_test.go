package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/embeddings"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

const universalTestDim = 64

func newTestUniversalIndex(t *testing.T) (*UniversalIndex, *VectorIndex, embeddings.EmbeddingService) {
	t.Helper()
	vectors, err := NewVectorIndex(filepath.Join(t.TempDir(), "vectors.bin"), universalTestDim, 0, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	embedder := embeddings.NewDeterministicEmbeddingService(universalTestDim)
	return NewUniversalIndex(vectors, embedder, logging.NewNop()), vectors, embedder
}

func mustStoreUniversal(t *testing.T, idx *UniversalIndex, originalID string, st types.StorageType, sd types.SourceDatabase, content string) *types.UniversalEnvelope {
	t.Helper()
	env, err := idx.StoreUniversalVector(context.Background(), &UniversalStoreRequest{
		OriginalID:     originalID,
		StorageType:    st,
		SourceDatabase: sd,
		Content:        content,
	})
	require.NoError(t, err)
	return env
}

func TestUniversalIndex_StoreBuildsEnvelope(t *testing.T) {
	idx, vectors, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	content := "universal entries describe items across every backend"
	env, err := idx.StoreUniversalVector(ctx, &UniversalStoreRequest{
		OriginalID:     "notes.md",
		StorageType:    types.StorageTypeDocument,
		SourceDatabase: types.SourceSQLite,
		Content:        content,
		Metadata:       map[string]any{"project": "ltmc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "document:sqlite:notes.md", env.UniversalID)
	assert.Equal(t, types.Preview(content), env.ContentPreview)
	assert.Equal(t, ContentHash(content), env.ContentHash)
	assert.Equal(t, types.StorageTypeDocument, env.StorageType)
	assert.Equal(t, types.SourceSQLite, env.SourceDatabase)
	assert.False(t, env.IndexedAt.IsZero())
	assert.Equal(t, "ltmc", env.Metadata["project"])

	// The stored sidecar carries the envelope verbatim.
	meta, ok := vectors.GetMeta(env.UniversalID)
	require.True(t, ok)
	var stored types.UniversalEnvelope
	require.NoError(t, json.Unmarshal(meta.EnvelopeJSON, &stored))
	assert.Equal(t, env.UniversalID, stored.UniversalID)
	assert.Equal(t, env.ContentHash, stored.ContentHash)
}

func TestUniversalIndex_StoreValidation(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *UniversalStoreRequest
	}{
		{"nil request", nil},
		{"missing original id", &UniversalStoreRequest{StorageType: types.StorageTypeDocument, SourceDatabase: types.SourceSQLite, Content: "x"}},
		{"unknown storage type", &UniversalStoreRequest{OriginalID: "a", StorageType: "scroll", SourceDatabase: types.SourceSQLite, Content: "x"}},
		{"unknown source", &UniversalStoreRequest{OriginalID: "a", StorageType: types.StorageTypeDocument, SourceDatabase: "etcd", Content: "x"}},
		{"empty content", &UniversalStoreRequest{OriginalID: "a", StorageType: types.StorageTypeDocument, SourceDatabase: types.SourceSQLite, Content: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idx.StoreUniversalVector(ctx, tt.req)
			assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
		})
	}
}

func TestUniversalIndex_StoreIsUpsert(t *testing.T) {
	idx, vectors, _ := newTestUniversalIndex(t)

	mustStoreUniversal(t, idx, "notes.md", types.StorageTypeDocument, types.SourceSQLite, "first revision of the notes")
	env := mustStoreUniversal(t, idx, "notes.md", types.StorageTypeDocument, types.SourceSQLite, "second revision of the notes")

	assert.Equal(t, 1, vectors.Stats().ActiveVectors)
	meta, ok := vectors.GetMeta(env.UniversalID)
	require.True(t, ok)
	var stored types.UniversalEnvelope
	require.NoError(t, json.Unmarshal(meta.EnvelopeJSON, &stored))
	assert.Equal(t, ContentHash("second revision of the notes"), stored.ContentHash)
}

func TestUniversalIndex_SearchFindsStoredContent(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	mustStoreUniversal(t, idx, "tides.md", types.StorageTypeDocument, types.SourceSQLite, "tidal observations near the harbor breakwater")
	mustStoreUniversal(t, idx, "42", types.StorageTypeChat, types.SourceSQLite, "we discussed the deployment checklist yesterday")
	mustStoreUniversal(t, idx, "build-status", types.StorageTypeCacheEntry, types.SourceRedis, "pipeline green at last run")

	hits, err := idx.SearchUniversal(ctx, "tidal observations near the harbor breakwater", 3, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "document:sqlite:tides.md", hits[0].Envelope.UniversalID)
	assert.GreaterOrEqual(t, hits[0].Similarity, 0.99)
}

func TestUniversalIndex_SearchFilters(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	query := "status report for the weekly sync"
	mustStoreUniversal(t, idx, "a.md", types.StorageTypeDocument, types.SourceSQLite, query)
	mustStoreUniversal(t, idx, "7", types.StorageTypeChat, types.SourceSQLite, query)
	mustStoreUniversal(t, idx, "status", types.StorageTypeCacheEntry, types.SourceRedis, query)

	byType, err := idx.SearchUniversal(ctx, query, 10, []types.StorageType{types.StorageTypeChat}, nil)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, types.StorageTypeChat, byType[0].Envelope.StorageType)

	bySource, err := idx.SearchUniversal(ctx, query, 10, nil, []types.SourceDatabase{types.SourceRedis})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, types.SourceRedis, bySource[0].Envelope.SourceDatabase)

	// Conjunctive filters can select nothing.
	none, err := idx.SearchUniversal(ctx, query, 10,
		[]types.StorageType{types.StorageTypeChat}, []types.SourceDatabase{types.SourceRedis})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUniversalIndex_SearchValidation(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	_, err := idx.SearchUniversal(ctx, "  ", 5, nil, nil)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))

	_, err = idx.SearchUniversal(ctx, "query", 0, nil, nil)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))

	_, err = idx.SearchUniversal(ctx, "query", 5, []types.StorageType{"scroll"}, nil)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))

	_, err = idx.SearchUniversal(ctx, "query", 5, nil, []types.SourceDatabase{"etcd"})
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}

func TestUniversalIndex_SearchSkipsChunkVectors(t *testing.T) {
	idx, vectors, embedder := newTestUniversalIndex(t)
	ctx := context.Background()

	content := "shared text stored both as a chunk and universally"
	vec, err := embedder.GenerateEmbedding(ctx, content)
	require.NoError(t, err)
	_, err = vectors.Add(ctx, "42", vec, VectorMeta{Preview: content})
	require.NoError(t, err)
	mustStoreUniversal(t, idx, "shared.md", types.StorageTypeDocument, types.SourceSQLite, content)

	hits, err := idx.SearchUniversal(ctx, content, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "document:sqlite:shared.md", hits[0].Envelope.UniversalID)
}

func TestUniversalIndex_DeleteByOriginalID(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	mustStoreUniversal(t, idx, "report.md", types.StorageTypeDocument, types.SourceSQLite, "quarterly report draft")
	mustStoreUniversal(t, idx, "report.md", types.StorageTypePattern, types.SourceSQLite, "report formatting pattern")
	mustStoreUniversal(t, idx, "other.md", types.StorageTypeDocument, types.SourceSQLite, "unrelated document")

	deleted, ids, err := idx.DeleteByOriginalID(ctx, "report.md")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.ElementsMatch(t, []string{
		"document:sqlite:report.md",
		"pattern:sqlite:report.md",
	}, ids)

	counts, err := idx.StorageTypeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.StorageType]int{types.StorageTypeDocument: 1}, counts)

	// Deleting again matches nothing.
	deleted, ids, err = idx.DeleteByOriginalID(ctx, "report.md")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Empty(t, ids)
}

func TestUniversalIndex_DeleteByUniversalID(t *testing.T) {
	idx, vectors, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	env := mustStoreUniversal(t, idx, "gone.md", types.StorageTypeDocument, types.SourceSQLite, "soon to be removed")

	require.NoError(t, idx.DeleteByUniversalID(ctx, env.UniversalID))
	_, ok := vectors.GetMeta(env.UniversalID)
	assert.False(t, ok)

	err := idx.DeleteByUniversalID(ctx, env.UniversalID)
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))

	err = idx.DeleteByUniversalID(ctx, "not-a-universal-id")
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}

func TestUniversalIndex_StorageTypeCounts(t *testing.T) {
	idx, _, _ := newTestUniversalIndex(t)
	ctx := context.Background()

	mustStoreUniversal(t, idx, "a.md", types.StorageTypeDocument, types.SourceSQLite, "first document")
	mustStoreUniversal(t, idx, "b.md", types.StorageTypeDocument, types.SourceSQLite, "second document")
	mustStoreUniversal(t, idx, "3", types.StorageTypeChat, types.SourceSQLite, "one chat message")

	counts, err := idx.StorageTypeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.StorageType]int{
		types.StorageTypeDocument: 2,
		types.StorageTypeChat:     1,
	}, counts)
}

func TestDecodeMetadata(t *testing.T) {
	type snapshotMeta struct {
		SessionID   string    `json:"session_id"`
		ActiveTodos []string  `json:"active_todos"`
		Attempts    int       `json:"attempts"`
		CreatedAt   time.Time `json:"created_at"`
	}

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var out snapshotMeta
	err := DecodeMetadata(map[string]any{
		"session_id":   "sess-1",
		"active_todos": []any{"one", "two"},
		"attempts":     "3",
		"created_at":   at.Format(time.RFC3339Nano),
		"extra_field":  "ignored",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, []string{"one", "two"}, out.ActiveTodos)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.CreatedAt.Equal(at))

	err = DecodeMetadata(map[string]any{"created_at": "not a timestamp"}, &out)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}
