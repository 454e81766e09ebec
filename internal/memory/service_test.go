package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/chunking"
	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/routing"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

const testDimension = 128

// fakeGraph is an in-memory GraphStore with a kill switch for outage
// tests.
type fakeGraph struct {
	mu    sync.Mutex
	down  bool
	nodes map[string]map[string]any
	edges map[edgeKey]map[string]any
}

type edgeKey struct {
	source, target, relType string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes: make(map[string]map[string]any),
		edges: make(map[edgeKey]map[string]any),
	}
}

var _ storage.GraphStore = (*fakeGraph)(nil)

func (g *fakeGraph) fail() error {
	if g.down {
		return ltmcerrors.NewBackendUnavailable(types.BackendGraph, errors.New("connection refused"))
	}
	return nil
}

func (g *fakeGraph) UpsertDocumentNode(_ context.Context, docID string, properties map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	node := g.nodes[docID]
	if node == nil {
		node = make(map[string]any)
		g.nodes[docID] = node
	}
	for k, v := range properties {
		node[k] = v
	}
	return nil
}

func (g *fakeGraph) DeleteDocumentNode(_ context.Context, docID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	delete(g.nodes, docID)
	for key := range g.edges {
		if key.source == docID || key.target == docID {
			delete(g.edges, key)
		}
	}
	return nil
}

func (g *fakeGraph) CreateRelationship(_ context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	key := edgeKey{source: sourceDocID, target: targetDocID, relType: relType}
	props := g.edges[key]
	if props == nil {
		props = make(map[string]any)
		g.edges[key] = props
	}
	for k, v := range properties {
		props[k] = v
	}
	return nil
}

func (g *fakeGraph) DeleteRelationship(_ context.Context, sourceDocID, targetDocID, relType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	delete(g.edges, edgeKey{source: sourceDocID, target: targetDocID, relType: relType})
	return nil
}

func (g *fakeGraph) relationshipsLocked(docID, relType string) []storage.GraphRelationship {
	var out []storage.GraphRelationship
	for key, props := range g.edges {
		if key.source != docID && key.target != docID {
			continue
		}
		if relType != "" && key.relType != relType {
			continue
		}
		rel := storage.GraphRelationship{
			SourceID:  key.source,
			TargetID:  key.target,
			Type:      key.relType,
			Direction: types.DirectionOutgoing,
		}
		if key.target == docID {
			rel.Direction = types.DirectionIncoming
		}
		if w, ok := props["weight"].(float64); ok {
			rel.Weight = w
		}
		if m, ok := props["metadata"].(string); ok {
			rel.Metadata = m
		}
		if c, ok := props["created_at"].(string); ok {
			rel.CreatedAt = c
		}
		out = append(out, rel)
	}
	return out
}

func (g *fakeGraph) GetRelationships(_ context.Context, docID string, direction types.Direction) ([]storage.GraphRelationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	all := g.relationshipsLocked(docID, "")
	if direction == types.DirectionBoth {
		return all, nil
	}
	var out []storage.GraphRelationship
	for _, rel := range all {
		if rel.Direction == direction {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (g *fakeGraph) QueryGraph(_ context.Context, docID, relType string) ([]storage.GraphRelationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	return g.relationshipsLocked(docID, relType), nil
}

func (g *fakeGraph) DeepRelationships(_ context.Context, docID string, depth int) ([]types.GraphPath, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *fakeGraph) HealthCheck(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fail()
}

func (g *fakeGraph) Close(context.Context) error { return nil }

func (g *fakeGraph) hasNode(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[docID]
	return ok
}

func (g *fakeGraph) edgeProps(source, target, relType string) (map[string]any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	props, ok := g.edges[edgeKey{source: source, target: target, relType: relType}]
	return props, ok
}

func (g *fakeGraph) edgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// fakeCache is an in-memory CacheStore with the same not_found contract
// as the Redis adapter.
type fakeCache struct {
	mu      sync.Mutex
	down    bool
	entries map[string]storage.CacheEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]storage.CacheEntry)}
}

var _ storage.CacheStore = (*fakeCache)(nil)

func (c *fakeCache) fail() error {
	if c.down {
		return ltmcerrors.NewBackendUnavailable(types.BackendCache, errors.New("connection refused"))
	}
	return nil
}

func (c *fakeCache) Cache(_ context.Context, key, content string, metadata map[string]any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return err
	}
	c.entries[key] = storage.CacheEntry{Key: key, Content: content, Metadata: metadata, CachedAt: time.Now().UTC()}
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) (*storage.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	entry, ok := c.entries[key]
	if !ok {
		return nil, ltmcerrors.NewNotFound("cache entry", key)
	}
	return &entry, nil
}

func (c *fakeCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return false, err
	}
	_, ok := c.entries[key]
	return ok, nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	var removed int64
	for _, key := range keys {
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *fakeCache) Scan(_ context.Context, pattern string, limit int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (c *fakeCache) SetTTL(context.Context, string, time.Duration) error { return nil }

func (c *fakeCache) Flush(_ context.Context, pattern string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var removed int64
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *fakeCache) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fail()
}

func (c *fakeCache) Close() error { return nil }

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// newTestService wires a service over a real catalog, vector index, and
// universal index, with in-memory graph and cache stand-ins.
func newTestService(t *testing.T) (*Service, *fakeGraph, *fakeCache) {
	t.Helper()
	graph := newFakeGraph()
	cache := newFakeCache()
	return buildTestService(t, graph, cache), graph, cache
}

func buildTestService(t *testing.T, graph storage.GraphStore, cache storage.CacheStore) *Service {
	t.Helper()
	dir := t.TempDir()

	catalog, err := storage.NewSQLiteStore(filepath.Join(dir, "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	vectors, err := storage.NewVectorIndex(filepath.Join(dir, "vectors.gob"), testDimension, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	embedder := embeddings.NewDeterministicEmbeddingService(testDimension)
	universal := storage.NewUniversalIndex(vectors, embedder, nil)

	chunker, err := chunking.NewChunker(600, 60)
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Catalog:         catalog,
		Vectors:         vectors,
		Universal:       universal,
		Graph:           graph,
		Cache:           cache,
		Chunker:         chunker,
		Embedder:        embedder,
		StorageRouter:   routing.NewStorageRouter(),
		RetrievalRouter: routing.NewRetrievalRouter(),
		Coordinator:     coordinator.New(5*time.Second, nil),
		CacheTTL:        time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	content := "The archive keeps every observation about tidal patterns near the harbor."
	stored, err := svc.Store(ctx, &StoreRequest{FileName: "tides.md", Content: content})
	require.NoError(t, err)

	assert.Positive(t, stored.ResourceID)
	assert.Equal(t, "tides.md", stored.FileName)
	assert.Equal(t, 1, stored.ChunksCreated)
	assert.Equal(t, []types.Backend{
		types.BackendRelational,
		types.BackendVector,
		types.BackendUniversal,
		types.BackendGraph,
		types.BackendCache,
	}, stored.AffectedBackends)
	assert.Empty(t, stored.FallbackReasons)
	require.NotNil(t, stored.ImmediateSearchValidation)
	assert.True(t, stored.ImmediateSearchValidation.ValidationPassed)

	got, err := svc.Retrieve(ctx, &RetrieveRequest{Query: content, TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyVectorSemantic), got.RetrievalMethod)
	require.NotEmpty(t, got.Documents)
	top := got.Documents[0]
	assert.Equal(t, "tides.md", top.FileName)
	assert.GreaterOrEqual(t, top.Score, 0.99)
	assert.Equal(t, content, top.Content)
}

func TestStoreValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *StoreRequest
	}{
		{"empty content", &StoreRequest{FileName: "a.md", Content: ""}},
		{"whitespace content", &StoreRequest{FileName: "a.md", Content: "   \n\t"}},
		{"empty file name", &StoreRequest{FileName: "", Content: "text"}},
		{"unknown type", &StoreRequest{FileName: "a.md", Content: "text", ResourceType: "scroll"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Store(ctx, tt.req)
			assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
		})
	}
}

func TestRetrieveTopKZero(t *testing.T) {
	svc, _, _ := newTestService(t)

	got, err := svc.Retrieve(context.Background(), &RetrieveRequest{Query: "anything", TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, got.Documents)
	assert.Zero(t, got.TotalFound)

	_, err = svc.Retrieve(context.Background(), &RetrieveRequest{Query: "anything", TopK: -1})
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}

func TestStoreReplacesExistingResource(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Store(ctx, &StoreRequest{FileName: "notes.md", Content: "original draft about zanzibar spice routes"})
	require.NoError(t, err)
	second, err := svc.Store(ctx, &StoreRequest{FileName: "notes.md", Content: "revised notes describing quokka habitats"})
	require.NoError(t, err)

	assert.Equal(t, first.ResourceID, second.ResourceID)

	res, err := svc.catalog.GetResourceByFileName(ctx, "notes.md")
	require.NoError(t, err)
	chunks, err := svc.catalog.GetChunksByResource(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "quokka")

	got, err := svc.Retrieve(ctx, &RetrieveRequest{Query: "revised notes describing quokka habitats", TopK: 1})
	require.NoError(t, err)
	require.Len(t, got.Documents, 1)
	assert.GreaterOrEqual(t, got.Documents[0].Score, 0.99)

	// One chunk vector plus one universal vector remain live.
	stats := svc.vectors.Stats()
	assert.Equal(t, 2, stats.ActiveVectors)
}

func TestStoreConflictingTypeRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "spec.md", Content: "stored as a document"})
	require.NoError(t, err)

	_, err = svc.Store(ctx, &StoreRequest{FileName: "spec.md", Content: "now as code", ResourceType: "code"})
	assert.Equal(t, ltmcerrors.KindConflict, ltmcerrors.KindOf(err))

	// The original survives untouched.
	res, err := svc.catalog.GetResourceByFileName(ctx, "spec.md")
	require.NoError(t, err)
	assert.Equal(t, types.StorageTypeDocument, res.Type)
	chunks, err := svc.catalog.GetChunksByResource(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "stored as a document")
}

func TestStoreGraphDownIsPartialSuccess(t *testing.T) {
	svc, graph, _ := newTestService(t)
	graph.down = true
	ctx := context.Background()

	stored, err := svc.Store(ctx, &StoreRequest{FileName: "degraded.md", Content: "written while the graph is down"})
	require.NoError(t, err)

	assert.NotContains(t, stored.AffectedBackends, types.BackendGraph)
	assert.Contains(t, stored.AffectedBackends, types.BackendRelational)
	assert.Contains(t, stored.AffectedBackends, types.BackendVector)
	assert.Contains(t, stored.AffectedBackends, types.BackendUniversal)
	assert.Contains(t, stored.AffectedBackends, types.BackendCache)
	require.Contains(t, stored.FallbackReasons, types.BackendGraph)
	assert.Contains(t, stored.FallbackReasons[types.BackendGraph], "connection refused")
}

func TestStoreWithoutCacheBackend(t *testing.T) {
	svc := buildTestService(t, newFakeGraph(), nil)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &StoreRequest{FileName: "nocache.md", Content: "cache backend disabled"})
	require.NoError(t, err)
	assert.NotContains(t, stored.AffectedBackends, types.BackendCache)
	require.Contains(t, stored.FallbackReasons, types.BackendCache)
	assert.Contains(t, stored.FallbackReasons[types.BackendCache], "disabled")
}

func TestLinkResourcesIdempotent(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "a.md", Content: "alpha document"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "b.md", Content: "beta document"})
	require.NoError(t, err)

	weight := 0.8
	first, err := svc.LinkResources(ctx, &LinkRequest{
		SourceID: "a.md", TargetID: "b.md", Relation: "references",
		Weight: &weight, Metadata: map[string]any{"note": "seed"},
	})
	require.NoError(t, err)
	second, err := svc.LinkResources(ctx, &LinkRequest{
		SourceID: "a.md", TargetID: "b.md", Relation: "references",
		Weight: &weight, Metadata: map[string]any{"note": "seed"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.LinkID, second.LinkID)
	assert.Equal(t, 1, graph.edgeCount())

	src, err := svc.catalog.GetResourceByFileName(ctx, "a.md")
	require.NoError(t, err)
	tgt, err := svc.catalog.GetResourceByFileName(ctx, "b.md")
	require.NoError(t, err)
	links, err := svc.catalog.ListLinks(ctx, src.ID, types.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, links, 1)

	// The mirrored edge carries the catalog row verbatim.
	row := links[0]
	props, ok := graph.edgeProps("a.md", "b.md", "references")
	require.True(t, ok)
	assert.Equal(t, row.Weight, props["weight"])
	assert.Equal(t, row.Metadata, props["metadata"])
	assert.Equal(t, row.CreatedAt.UTC().Format(time.RFC3339), props["created_at"])
	assert.Equal(t, row.LinkType, props["link_type"])
	assert.Equal(t, src.ID, props["source_resource_id"])
	assert.Equal(t, tgt.ID, props["target_resource_id"])
}

func TestLinkResourcesGraphDown(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "one.md", Content: "first"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "two.md", Content: "second"})
	require.NoError(t, err)

	graph.down = true
	linked, err := svc.LinkResources(ctx, &LinkRequest{SourceID: "one.md", TargetID: "two.md", Relation: "references"})
	require.NoError(t, err)

	assert.Equal(t, []types.Backend{types.BackendRelational}, linked.AffectedBackends)
	require.Contains(t, linked.FallbackReasons, types.BackendGraph)

	src, err := svc.catalog.GetResourceByFileName(ctx, "one.md")
	require.NoError(t, err)
	tgt, err := svc.catalog.GetResourceByFileName(ctx, "two.md")
	require.NoError(t, err)
	_, err = svc.catalog.GetLink(ctx, src.ID, tgt.ID, "references")
	assert.NoError(t, err)
	assert.Equal(t, 0, graph.edgeCount())
}

func TestLinkResourcesValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "solo.md", Content: "single document"})
	require.NoError(t, err)

	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "solo.md", TargetID: "solo.md", Relation: "references"})
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))

	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "solo.md", TargetID: "ghost.md", Relation: "references"})
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))

	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "solo.md", TargetID: "solo.md", Relation: "bad relation!"})
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}

func TestChatLogAndReplay(t *testing.T) {
	svc, _, cache := newTestService(t)
	ctx := context.Background()

	for i, content := range []string{"first message", "second message", "third message"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		logged, err := svc.LogChat(ctx, &ChatLogRequest{
			ConversationID: "conv-1",
			Role:           role,
			Content:        content,
			SourceTool:     "session-agent",
		})
		require.NoError(t, err)
		assert.Positive(t, logged.MessageID)
	}

	// The replay window mirrors the catalog.
	entry, err := cache.Get(ctx, storage.ChatKey("conv-1"))
	require.NoError(t, err)
	var window []types.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(entry.Content), &window))
	require.Len(t, window, 3)
	assert.Equal(t, "first message", window[0].Content)

	// Chat retrieval is served from the cache first.
	got, err := svc.Retrieve(ctx, &RetrieveRequest{
		Query:          "replay",
		ConversationID: "conv-1",
		TopK:           10,
		StorageTypes:   []string{"chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyCacheFirst), got.RetrievalMethod)
	require.Len(t, got.Documents, 3)
	assert.Equal(t, "first message", got.Documents[0].Content)

	// With the cache down, replay falls back to the catalog.
	cache.down = true
	got, err = svc.Retrieve(ctx, &RetrieveRequest{
		Query:          "replay",
		ConversationID: "conv-1",
		TopK:           10,
		StorageTypes:   []string{"chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyRelationalIndexed), got.RetrievalMethod)
	assert.Len(t, got.Documents, 3)

	byTool, err := svc.GetChatByTool(ctx, "session-agent", 10)
	require.NoError(t, err)
	assert.Len(t, byTool, 3)
}

func TestAskWithContextRecordsProvenance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{
		FileName:       "harbor.md",
		Content:        "The harbor closes at dusk during storm season.",
		ConversationID: "conv-9",
	})
	require.NoError(t, err)

	answer, err := svc.AskWithContext(ctx, "When does the harbor close?", "conv-9", 3)
	require.NoError(t, err)
	assert.Positive(t, answer.MessageID)
	require.NotEmpty(t, answer.Documents)
	assert.Equal(t, "harbor.md", answer.Documents[0].FileName)
	assert.Equal(t, len(answer.Documents), answer.LinkedChunks)

	linked, err := svc.catalog.GetContextLinksForMessage(ctx, answer.MessageID)
	require.NoError(t, err)
	assert.Len(t, linked, answer.LinkedChunks)

	msgs, err := svc.GetConversation(ctx, "conv-9", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ask_with_context", msgs[0].SourceTool)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
}

func TestTodoLifecycle(t *testing.T) {
	svc, _, cache := newTestService(t)
	ctx := context.Background()

	added, err := svc.TodoAdd(ctx, "Rotate index snapshots", "weekly maintenance")
	require.NoError(t, err)
	assert.Positive(t, added.Todo.ID)
	assert.False(t, added.Todo.Completed)
	assert.True(t, cache.has(todoCacheKey(added.Todo.ID)))

	open, err := svc.TodoList(ctx, "open", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Realtime lookup goes through the cache entry.
	got, err := svc.Retrieve(ctx, &RetrieveRequest{
		Query:        "todo:" + strconv.FormatInt(added.Todo.ID, 10),
		TopK:         1,
		StorageTypes: []string{"todo"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyCacheRealtime), got.RetrievalMethod)
	require.Len(t, got.Documents, 1)
	assert.Contains(t, got.Documents[0].Content, "Rotate index snapshots")

	done, err := svc.TodoComplete(ctx, added.Todo.ID)
	require.NoError(t, err)
	assert.True(t, done.Todo.Completed)
	require.NotNil(t, done.Todo.CompletedAt)

	// Completing again changes nothing.
	again, err := svc.TodoComplete(ctx, added.Todo.ID)
	require.NoError(t, err)
	assert.True(t, again.Todo.Completed)
	assert.Equal(t, done.Todo.CompletedAt.Unix(), again.Todo.CompletedAt.Unix())

	open, err = svc.TodoList(ctx, "open", 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	completed, err := svc.TodoList(ctx, "completed", 10)
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	_, err = svc.TodoList(ctx, "someday", 10)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
	_, err = svc.TodoComplete(ctx, 99999)
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))
}

func TestSessionCompactAndResume(t *testing.T) {
	svc, _, cache := newTestService(t)
	ctx := context.Background()

	compacted, err := svc.CompactSession(ctx, &CompactRequest{
		SessionID:   "sess-1",
		FullContext: "Worked through the retry wrapper and left the breaker half wired.",
		ActiveTodos: []string{"finish breaker wiring", "add jitter test"},
		ActiveFile:  "internal/retry/retry.go",
		Goal:        "reliability wrappers",
	})
	require.NoError(t, err)
	assert.Positive(t, compacted.SummaryID)
	assert.Equal(t, "session:sess-1:snapshot", compacted.SnapshotFileName)

	lean, err := svc.ResumeSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", lean.SessionID)
	assert.Equal(t, "reliability wrappers", lean.Goal)
	assert.Equal(t, "internal/retry/retry.go", lean.ActiveFile)
	assert.Equal(t, []string{"finish breaker wiring", "add jitter test"}, lean.ActiveTodos)

	// The cached snapshot preserves the exact context.
	snap, err := svc.GetSessionSnapshot(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Worked through the retry wrapper and left the breaker half wired.", snap.FullContext)

	// After the cache expires, the snapshot is rebuilt from the catalog
	// with metadata decoded off the universal envelope.
	_, err = cache.Delete(ctx, storage.ReasoningChainKey("sess-1"))
	require.NoError(t, err)
	rebuilt, err := svc.GetSessionSnapshot(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rebuilt.SessionID)
	assert.Equal(t, "reliability wrappers", rebuilt.Goal)
	assert.Equal(t, "internal/retry/retry.go", rebuilt.ActiveFile)
	assert.Equal(t, []string{"finish breaker wiring", "add jitter test"}, rebuilt.ActiveTodos)
	assert.Equal(t,
		strings.Fields("Worked through the retry wrapper and left the breaker half wired."),
		strings.Fields(rebuilt.FullContext))

	_, err = svc.ResumeSession(ctx, "sess-unknown")
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))
}

func TestDeleteCascadesAcrossBackends(t *testing.T) {
	svc, graph, cache := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &StoreRequest{FileName: "main.md", Content: "primary document about lighthouse maintenance"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "side.md", Content: "secondary document"})
	require.NoError(t, err)
	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "main.md", TargetID: "side.md", Relation: "references"})
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, "main.md")
	require.NoError(t, err)
	assert.Equal(t, stored.ResourceID, deleted.ResourceID)
	assert.Equal(t, 1, deleted.ChunksDeleted)
	assert.Equal(t, 1, deleted.LinksDeleted)
	assert.Equal(t, 1, deleted.VectorsDeleted)
	assert.Equal(t, []types.Backend{
		types.BackendCache,
		types.BackendGraph,
		types.BackendUniversal,
		types.BackendVector,
		types.BackendRelational,
	}, deleted.AffectedBackends)

	_, err = svc.catalog.GetResourceByFileName(ctx, "main.md")
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))
	assert.False(t, graph.hasNode("main.md"))
	assert.Equal(t, 0, graph.edgeCount())
	assert.False(t, cache.has(storage.DocKey(stored.ResourceID)))

	universalID := types.MakeUniversalID(types.StorageTypeDocument, types.SourceSQLite, "main.md")
	_, ok := svc.vectors.GetMeta(universalID)
	assert.False(t, ok)

	// The neighbor survives with its own content.
	_, err = svc.catalog.GetResourceByFileName(ctx, "side.md")
	assert.NoError(t, err)

	_, err = svc.Delete(ctx, "main.md")
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))
}

func TestCacheEntryLifecycle(t *testing.T) {
	svc, _, cache := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &StoreRequest{
		FileName:     "build-status",
		Content:      "green as of last pipeline run",
		ResourceType: "cache_entry",
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Backend{types.BackendUniversal, types.BackendCache}, stored.AffectedBackends)
	assert.Zero(t, stored.ResourceID)
	assert.True(t, cache.has(storage.EntryKey("build-status")))

	got, err := svc.Retrieve(ctx, &RetrieveRequest{
		Query:        "build-status",
		TopK:         1,
		StorageTypes: []string{"cache_entry"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyCacheRealtime), got.RetrievalMethod)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, "green as of last pipeline run", got.Documents[0].Content)

	deleted, err := svc.Delete(ctx, "build-status")
	require.NoError(t, err)
	assert.Contains(t, deleted.AffectedBackends, types.BackendCache)
	assert.False(t, cache.has(storage.EntryKey("build-status")))

	_, err = svc.Delete(ctx, "build-status")
	assert.Equal(t, ltmcerrors.KindNotFound, ltmcerrors.KindOf(err))
}

func TestGraphTraversalRetrieval(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "deploy.md", Content: "deployment blueprint for the ingest tier", ResourceType: "blueprint"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "rollback.md", Content: "rollback blueprint for failed releases", ResourceType: "blueprint"})
	require.NoError(t, err)
	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "deploy.md", TargetID: "rollback.md", Relation: "depends_on"})
	require.NoError(t, err)

	got, err := svc.Retrieve(ctx, &RetrieveRequest{
		Query:        "deploy.md",
		TopK:         5,
		StorageTypes: []string{"blueprint"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(routing.StrategyGraphTraversal), got.RetrievalMethod)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, "rollback.md", got.Documents[0].FileName)
	assert.Contains(t, got.Documents[0].Content, "rollback blueprint")
}

func TestQueryGraph(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "hub.md", Content: "hub document"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "spoke.md", Content: "spoke document"})
	require.NoError(t, err)
	_, err = svc.LinkResources(ctx, &LinkRequest{SourceID: "hub.md", TargetID: "spoke.md", Relation: "references"})
	require.NoError(t, err)

	edges, err := svc.QueryGraph(ctx, "hub.md", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "hub.md", edges[0].Source)
	assert.Equal(t, "spoke.md", edges[0].Target)
	assert.Equal(t, "references", edges[0].Type)

	edges, err = svc.QueryGraph(ctx, "hub.md", "depends_on")
	require.NoError(t, err)
	assert.Empty(t, edges)

	graph.down = true
	_, err = svc.QueryGraph(ctx, "hub.md", "")
	assert.Equal(t, ltmcerrors.KindBackendUnavailable, ltmcerrors.KindOf(err))
}

func TestAutoLinkDocuments(t *testing.T) {
	svc, graph, _ := newTestService(t)
	ctx := context.Background()

	// Two near-identical documents and one unrelated one.
	_, err := svc.Store(ctx, &StoreRequest{FileName: "guide-a.md", Content: "how to configure the ingest pipeline for batch processing"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "guide-b.md", Content: "how to configure the ingest pipeline for stream processing"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "lunch.md", Content: "tomato soup recipe with basil and garlic croutons"})
	require.NoError(t, err)

	result, err := svc.AutoLinkDocuments(ctx, nil, 0.6, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.DocumentsScanned)
	require.Equal(t, 1, result.LinksCreated)
	pair := result.Pairs[0]
	linkedGuides := (pair.Source == "guide-a.md" && pair.Target == "guide-b.md") ||
		(pair.Source == "guide-b.md" && pair.Target == "guide-a.md")
	assert.True(t, linkedGuides, "expected the two guides to be linked, got %s -> %s", pair.Source, pair.Target)
	assert.GreaterOrEqual(t, pair.Similarity, 0.6)
	assert.Equal(t, 1, graph.edgeCount())

	// Re-running creates no duplicates: the same pair upserts.
	again, err := svc.AutoLinkDocuments(ctx, nil, 0.6, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, again.LinksCreated)
	assert.Equal(t, 1, graph.edgeCount())

	src, err := svc.catalog.GetResourceByFileName(ctx, pair.Source)
	require.NoError(t, err)
	links, err := svc.catalog.ListLinks(ctx, src.ID, types.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, links, 1)
	assert.Equal(t, "semantically_related", links[0].LinkType)
}

func TestListResources(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{FileName: "doc1.md", Content: "about migration tooling"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &StoreRequest{FileName: "note1.md", Content: "short note on migration", ResourceType: "note"})
	require.NoError(t, err)

	all, err := svc.List(ctx, "*", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	notes, err := svc.List(ctx, "*", "note", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "note1.md", notes[0].FileName)

	matched, err := svc.List(ctx, "migration", "document", 10)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "doc1.md", matched[0].FileName)

	_, err = svc.List(ctx, "*", "scroll", 10)
	assert.Equal(t, ltmcerrors.KindInvalidInput, ltmcerrors.KindOf(err))
}
