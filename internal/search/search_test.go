package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

type fakeIndex struct {
	hits []storage.UniversalHit
	err  error

	gotQuery   string
	gotK       int
	gotTypes   []types.StorageType
	gotSources []types.SourceDatabase
}

func (f *fakeIndex) StoreUniversalVector(ctx context.Context, req *storage.UniversalStoreRequest) (*types.UniversalEnvelope, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeIndex) SearchUniversal(ctx context.Context, query string, k int, storageTypes []types.StorageType, sources []types.SourceDatabase) ([]storage.UniversalHit, error) {
	f.gotQuery, f.gotK, f.gotTypes, f.gotSources = query, k, storageTypes, sources
	return f.hits, f.err
}

func (f *fakeIndex) DeleteByOriginalID(ctx context.Context, originalID string) (int, []string, error) {
	return 0, nil, nil
}

func (f *fakeIndex) DeleteByUniversalID(ctx context.Context, universalID string) error { return nil }

func (f *fakeIndex) StorageTypeCounts(ctx context.Context) (map[types.StorageType]int, error) {
	return nil, nil
}

func (f *fakeIndex) HealthCheck(ctx context.Context) error { return nil }

type fakeGraph struct {
	rels     []storage.GraphRelationship
	paths    []types.GraphPath
	relErr   error
	pathErr  error
	relCalls int
	gotDepth int
}

func (f *fakeGraph) UpsertDocumentNode(ctx context.Context, docID string, properties map[string]any) error {
	return nil
}
func (f *fakeGraph) DeleteDocumentNode(ctx context.Context, docID string) error { return nil }
func (f *fakeGraph) CreateRelationship(ctx context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error {
	return nil
}
func (f *fakeGraph) DeleteRelationship(ctx context.Context, sourceDocID, targetDocID, relType string) error {
	return nil
}

func (f *fakeGraph) GetRelationships(ctx context.Context, docID string, direction types.Direction) ([]storage.GraphRelationship, error) {
	f.relCalls++
	return f.rels, f.relErr
}

func (f *fakeGraph) QueryGraph(ctx context.Context, docID, relType string) ([]storage.GraphRelationship, error) {
	return nil, nil
}

func (f *fakeGraph) DeepRelationships(ctx context.Context, docID string, depth int) ([]types.GraphPath, error) {
	f.gotDepth = depth
	return f.paths, f.pathErr
}

func (f *fakeGraph) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeGraph) Close(ctx context.Context) error       { return nil }

func hit(st types.StorageType, originalID string, sim float64, indexedAt time.Time) storage.UniversalHit {
	return storage.UniversalHit{
		Envelope: types.UniversalEnvelope{
			UniversalID:    types.MakeUniversalID(st, types.SourceSQLite, originalID),
			ContentPreview: "preview of " + originalID,
			ContentHash:    "hash",
			StorageType:    st,
			SourceDatabase: types.SourceSQLite,
			IndexedAt:      indexedAt,
		},
		Similarity: sim,
	}
}

func TestSemanticSearchAll_OrdersBySimilarity(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeMemory, "b", 0.50, now),
		hit(types.StorageTypeDocument, "a", 0.90, now),
		hit(types.StorageTypeChat, "c", 0.70, now),
	}}
	svc := NewService(idx, nil, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, false)
	require.NoError(t, err)
	require.Len(t, result.Hits, 3)

	assert.Equal(t, 0.90, result.Hits[0].Similarity)
	assert.Equal(t, 0.70, result.Hits[1].Similarity)
	assert.Equal(t, 0.50, result.Hits[2].Similarity)
	assert.Equal(t, 3, result.TotalFound)
}

func TestSemanticSearchAll_TieBreaks(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	// Same similarity everywhere: document outranks chat; within a
	// type, newer outranks older.
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeChat, "chat-1", 0.8, newer),
		hit(types.StorageTypeDocument, "doc-old", 0.8, older),
		hit(types.StorageTypeDocument, "doc-new", 0.8, newer),
	}}
	svc := NewService(idx, nil, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, false)
	require.NoError(t, err)
	require.Len(t, result.Hits, 3)

	assert.Contains(t, result.Hits[0].UniversalID, "doc-new")
	assert.Contains(t, result.Hits[1].UniversalID, "doc-old")
	assert.Contains(t, result.Hits[2].UniversalID, "chat-1")
}

func TestSemanticSearchAll_Facets(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "a", 0.9, day1),
		hit(types.StorageTypeDocument, "b", 0.8, day2),
		hit(types.StorageTypeChat, "c", 0.7, day2),
	}}
	svc := NewService(idx, nil, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, false)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"document": 2, "chat": 1}, result.Facets.StorageTypes)
	assert.Equal(t, map[string]int{"sqlite": 3}, result.Facets.SourceDatabases)
	assert.Equal(t, map[string]int{"2026-03-01": 1, "2026-03-02": 2}, result.Facets.TimeBuckets)
}

func TestSemanticSearchFiltered_PassesFilters(t *testing.T) {
	idx := &fakeIndex{}
	svc := NewService(idx, nil, nil)

	wantTypes := []types.StorageType{types.StorageTypeMemory, types.StorageTypeDocument}
	wantSources := []types.SourceDatabase{types.SourceRedis}

	_, err := svc.SemanticSearchFiltered(context.Background(), "query", wantTypes, wantSources, 5)
	require.NoError(t, err)

	assert.Equal(t, "query", idx.gotQuery)
	assert.Equal(t, 5, idx.gotK)
	assert.Equal(t, wantTypes, idx.gotTypes)
	assert.Equal(t, wantSources, idx.gotSources)
}

func TestSemanticSearch_DefaultTopK(t *testing.T) {
	idx := &fakeIndex{}
	svc := NewService(idx, nil, nil)

	_, err := svc.SemanticSearchAll(context.Background(), "query", 0, false)
	require.NoError(t, err)
	assert.Equal(t, defaultTopK, idx.gotK)
}

func TestSemanticSearchAll_RelationshipEnrichment(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "notes.md", 0.9, now),
	}}
	graph := &fakeGraph{rels: []storage.GraphRelationship{
		{SourceID: "notes.md", TargetID: "api.md", Type: "references", Direction: types.DirectionOutgoing, Weight: 0.7},
		{SourceID: "readme.md", TargetID: "notes.md", Type: "links_to", Direction: types.DirectionIncoming, Weight: 1.0},
	}}
	svc := NewService(idx, graph, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, true)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)

	rels := result.Hits[0].Relationships
	require.Len(t, rels, 2)
	assert.Equal(t, "references", rels[0].Type)
	assert.Equal(t, "api.md", rels[0].TargetID)
	// Incoming edges point back at their source.
	assert.Equal(t, "links_to", rels[1].Type)
	assert.Equal(t, "readme.md", rels[1].TargetID)
}

func TestSemanticSearchAll_NoEnrichmentWithoutFlag(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "notes.md", 0.9, now),
	}}
	graph := &fakeGraph{}
	svc := NewService(idx, graph, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, false)
	require.NoError(t, err)
	assert.Zero(t, graph.relCalls)
	assert.Empty(t, result.Hits[0].Relationships)
}

func TestSemanticSearchAll_GraphFailureDegrades(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "notes.md", 0.9, now),
	}}
	graph := &fakeGraph{relErr: errors.New("connection refused")}
	svc := NewService(idx, graph, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, true)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Empty(t, result.Hits[0].Relationships)
}

func TestSemanticSearchWithContext_DepthClamped(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "notes.md", 0.9, now),
	}}
	graph := &fakeGraph{paths: []types.GraphPath{
		{Nodes: []string{"notes.md", "api.md", "impl.md"}, Types: []string{"references", "references"}, Depth: 2},
	}}
	svc := NewService(idx, graph, nil)

	result, err := svc.SemanticSearchWithContext(context.Background(), "query", 10, 99)
	require.NoError(t, err)
	assert.Equal(t, maxRelationshipDepth, graph.gotDepth)
	require.Len(t, result.Hits, 1)
	assert.Len(t, result.Hits[0].DeepRelationships, 1)

	_, err = svc.SemanticSearchWithContext(context.Background(), "query", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.gotDepth)
}

func TestSemanticSearchAll_NilGraph(t *testing.T) {
	now := time.Now().UTC()
	idx := &fakeIndex{hits: []storage.UniversalHit{
		hit(types.StorageTypeDocument, "notes.md", 0.9, now),
	}}
	svc := NewService(idx, nil, nil)

	result, err := svc.SemanticSearchAll(context.Background(), "query", 10, true)
	require.NoError(t, err)
	assert.Empty(t, result.Hits[0].Relationships)
}

func TestSemanticSearch_IndexErrorPropagates(t *testing.T) {
	idx := &fakeIndex{err: errors.New("index corrupt")}
	svc := NewService(idx, nil, nil)

	_, err := svc.SemanticSearchAll(context.Background(), "query", 10, false)
	require.Error(t, err)
}

var _ storage.UniversalIndexer = (*fakeIndex)(nil)
var _ storage.GraphStore = (*fakeGraph)(nil)
