// Package storage implements the four coordinated backends: the SQLite
// relational catalog, the embedded vector index, the Neo4j relationship
// graph, and the Redis cache, plus the universal index layer that gives
// every item a cross-backend identity.
package storage

import (
	"context"
	"time"

	"ltmc/pkg/types"
)

// ChunkInput pairs chunk text with its pre-allocated vector id.
type ChunkInput struct {
	Text     string
	VectorID int64
}

// CascadeResult reports what a cascading resource delete removed. The
// vector ids are returned so the caller can clear the vector index.
type CascadeResult struct {
	ResourceID          int64
	ChunksDeleted       int
	LinksDeleted        int
	ContextLinksDeleted int
	VectorIDs           []int64
}

// TodoFilter selects which todos a list operation returns.
type TodoFilter string

const (
	// TodoFilterAll returns every todo
	TodoFilterAll TodoFilter = "all"
	// TodoFilterOpen returns only incomplete todos
	TodoFilterOpen TodoFilter = "open"
	// TodoFilterCompleted returns only completed todos
	TodoFilterCompleted TodoFilter = "completed"
)

// RelationalStore is the catalog of record. Identity for resources,
// chunks, messages, and links originates here and nowhere else.
type RelationalStore interface {
	CreateResource(ctx context.Context, fileName string, resourceType types.StorageType) (resource *types.Resource, created bool, err error)
	GetResourceByID(ctx context.Context, id int64) (*types.Resource, error)
	GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error)
	ListResources(ctx context.Context, resourceType types.StorageType, limit int) ([]types.Resource, error)
	DeleteResource(ctx context.Context, id int64) (*CascadeResult, error)

	AppendChunks(ctx context.Context, resourceID int64, chunks []ChunkInput) ([]types.Chunk, error)
	GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error)
	GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error)
	DeleteChunks(ctx context.Context, resourceID int64) (vectorIDs []int64, err error)
	SearchChunks(ctx context.Context, textQuery string, limit int) ([]types.Chunk, error)
	AllocateVectorID(ctx context.Context) (int64, error)

	CreateLink(ctx context.Context, link *types.Link) (*types.Link, error)
	GetLink(ctx context.Context, sourceID, targetID int64, linkType string) (*types.Link, error)
	DeleteLink(ctx context.Context, sourceID, targetID int64, linkType string) error
	ListLinks(ctx context.Context, resourceID int64, direction types.Direction) ([]types.Link, error)

	LogChatMessage(ctx context.Context, msg *types.ChatMessage) (*types.ChatMessage, error)
	DeleteChatMessage(ctx context.Context, id int64) error
	GetChatByTool(ctx context.Context, sourceTool string, limit int) ([]types.ChatMessage, error)
	GetChatByConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error)
	StoreContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) error
	GetContextLinksForMessage(ctx context.Context, messageID int64) ([]types.Chunk, error)

	AddTodo(ctx context.Context, title, description string) (*types.Todo, error)
	ListTodos(ctx context.Context, filter TodoFilter, limit int) ([]types.Todo, error)
	CompleteTodo(ctx context.Context, id int64) (*types.Todo, error)
	StoreSummary(ctx context.Context, sourceID, text string) (*types.Summary, error)
	GetSummaries(ctx context.Context, sourceID string, limit int) ([]types.Summary, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// VectorMeta is the per-document metadata carried by the vector index
// sidecar. EnvelopeJSON is set only for universally indexed documents.
type VectorMeta struct {
	Preview        string
	ConversationID string
	EnvelopeJSON   []byte
}

// AddResult reports where an added vector landed and whether the
// immediate-searchability check passed.
type AddResult struct {
	DocID         string
	InternalIndex int
	Validation    types.SearchValidation
}

// BatchEntry is one vector in an AddBatch call.
type BatchEntry struct {
	DocID  string
	Vector []float32
	Meta   VectorMeta
}

// VectorResult is one ranked nearest-neighbor hit.
type VectorResult struct {
	DocID      string
	Similarity float64
	Meta       VectorMeta
}

// IndexStats describes the vector index state.
type IndexStats struct {
	TotalVectors  int
	ActiveVectors int
	Tombstones    int
	Dimension     int
	NextIndex     int
	LastSave      time.Time
}

// VectorStore is the embedded vector index. Every added vector must be
// findable by the call that added it.
type VectorStore interface {
	Add(ctx context.Context, docID string, vector []float32, meta VectorMeta) (*AddResult, error)
	AddBatch(ctx context.Context, entries []BatchEntry) ([]*AddResult, error)
	Search(ctx context.Context, query []float32, k int) ([]VectorResult, error)
	SearchWithConversationFilter(ctx context.Context, query []float32, k int, conversationID string) ([]VectorResult, error)
	SearchFiltered(ctx context.Context, query []float32, k, pool int, keep func(docID string, meta VectorMeta) bool) ([]VectorResult, error)
	Delete(ctx context.Context, docID string) error
	AllDocIDs() []string
	GetMeta(docID string) (VectorMeta, bool)
	GetVector(docID string) ([]float32, bool)
	Save() error
	Stats() IndexStats
	HealthCheck(ctx context.Context) error
	Close() error
}

// GraphRelationship is one edge touching a document node.
type GraphRelationship struct {
	SourceID  string
	TargetID  string
	Type      string
	Direction types.Direction
	Weight    float64
	Metadata  string
	CreatedAt string
}

// GraphStore is the relationship graph. Nodes are documents keyed by
// name; relationship types are first-class edge types.
type GraphStore interface {
	UpsertDocumentNode(ctx context.Context, docID string, properties map[string]any) error
	DeleteDocumentNode(ctx context.Context, docID string) error
	CreateRelationship(ctx context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error
	DeleteRelationship(ctx context.Context, sourceDocID, targetDocID, relType string) error
	GetRelationships(ctx context.Context, docID string, direction types.Direction) ([]GraphRelationship, error)
	QueryGraph(ctx context.Context, docID, relType string) ([]GraphRelationship, error)
	DeepRelationships(ctx context.Context, docID string, depth int) ([]types.GraphPath, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// CacheEntry is one cached document with its envelope.
type CacheEntry struct {
	Key      string         `json:"key"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	CachedAt time.Time      `json:"cached_at"`
}

// CacheStore is the TTL key/value cache. A missing key is a not_found,
// never a backend failure.
type CacheStore interface {
	Cache(ctx context.Context, key, content string, metadata map[string]any, ttl time.Duration) error
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, pattern string, limit int) ([]string, error)
	SetTTL(ctx context.Context, key string, ttl time.Duration) error
	Flush(ctx context.Context, pattern string) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// UniversalStoreRequest describes one item to index universally.
type UniversalStoreRequest struct {
	OriginalID     string
	StorageType    types.StorageType
	SourceDatabase types.SourceDatabase
	Content        string
	Metadata       map[string]any
}

// UniversalHit is one ranked universal search result.
type UniversalHit struct {
	Envelope   types.UniversalEnvelope
	Similarity float64
}

// UniversalIndexer maintains the cross-backend semantic index.
type UniversalIndexer interface {
	StoreUniversalVector(ctx context.Context, req *UniversalStoreRequest) (*types.UniversalEnvelope, error)
	SearchUniversal(ctx context.Context, query string, k int, storageTypes []types.StorageType, sources []types.SourceDatabase) ([]UniversalHit, error)
	DeleteByOriginalID(ctx context.Context, originalID string) (int, []string, error)
	DeleteByUniversalID(ctx context.Context, universalID string) error
	StorageTypeCounts(ctx context.Context) (map[types.StorageType]int, error)
	HealthCheck(ctx context.Context) error
}
