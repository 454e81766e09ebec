// Package memory implements the caller-facing verbs: store, retrieve,
// delete, chat logging, context linking, todos, and session
// compaction. Each write verb resolves its storage plan, builds a
// compensated transaction, and reports exactly which backends
// committed.
package memory

import (
	"encoding/json"
	"strconv"
	"time"

	"ltmc/internal/chunking"
	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/routing"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// chatReplayWindow is how many recent messages the cache mirror keeps
// per conversation.
const chatReplayWindow = 50

// Deps collects everything the service needs. Graph and Cache may be
// nil when those backends are disabled; the prescribed steps then
// degrade into fallback reasons instead of failing the operation.
type Deps struct {
	Catalog   storage.RelationalStore
	Vectors   storage.VectorStore
	Universal storage.UniversalIndexer
	Graph     storage.GraphStore
	Cache     storage.CacheStore

	Chunker  *chunking.Chunker
	Embedder embeddings.EmbeddingService

	StorageRouter   *routing.StorageRouter
	RetrievalRouter *routing.RetrievalRouter
	Coordinator     *coordinator.Coordinator

	CacheTTL time.Duration
	Logger   *logging.Logger
}

// Service is the long-term memory service layer.
type Service struct {
	catalog   storage.RelationalStore
	vectors   storage.VectorStore
	universal storage.UniversalIndexer
	graph     storage.GraphStore
	cache     storage.CacheStore

	chunker  *chunking.Chunker
	embedder embeddings.EmbeddingService

	storageRouter   *routing.StorageRouter
	retrievalRouter *routing.RetrievalRouter
	coord           *coordinator.Coordinator

	cacheTTL time.Duration
	log      *logging.Logger
}

// NewService validates the dependency set and returns the service.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Catalog == nil:
		return nil, ltmcerrors.NewInvalidInput("relational store is required")
	case d.Vectors == nil:
		return nil, ltmcerrors.NewInvalidInput("vector store is required")
	case d.Universal == nil:
		return nil, ltmcerrors.NewInvalidInput("universal index is required")
	case d.Chunker == nil:
		return nil, ltmcerrors.NewInvalidInput("chunker is required")
	case d.Embedder == nil:
		return nil, ltmcerrors.NewInvalidInput("embedder is required")
	case d.StorageRouter == nil || d.RetrievalRouter == nil:
		return nil, ltmcerrors.NewInvalidInput("routers are required")
	case d.Coordinator == nil:
		return nil, ltmcerrors.NewInvalidInput("coordinator is required")
	}

	log := d.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{
		catalog:         d.Catalog,
		vectors:         d.Vectors,
		universal:       d.Universal,
		graph:           d.Graph,
		cache:           d.Cache,
		chunker:         d.Chunker,
		embedder:        d.Embedder,
		storageRouter:   d.StorageRouter,
		retrievalRouter: d.RetrievalRouter,
		coord:           d.Coordinator,
		cacheTTL:        d.CacheTTL,
		log:             log.WithComponent("memory"),
	}, nil
}

// errDisabled is the failure a prescribed-but-disabled backend step
// reports; the coordinator turns it into a fallback reason.
func errDisabled(b types.Backend) error {
	return ltmcerrors.New(ltmcerrors.KindBackendUnavailable,
		string(b)+" is disabled by configuration").WithContext("backend", string(b))
}

// vectorDocID is the vector index key for a chunk vector.
func vectorDocID(vectorID int64) string {
	return strconv.FormatInt(vectorID, 10)
}

// parseVectorDocID reports whether a vector index key belongs to a
// chunk (plain decimal) rather than a universal entry.
func parseVectorDocID(docID string) (int64, bool) {
	id, err := strconv.ParseInt(docID, 10, 64)
	return id, err == nil
}

// metadataJSON renders caller metadata as the canonical opaque string
// stored on links. Nil maps become the empty string.
func metadataJSON(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", ltmcerrors.NewInvalidInputf("metadata not serializable: %v", err)
	}
	return string(raw), nil
}

// cloneMetadata copies caller metadata so envelope mutations never leak
// back into the request.
func cloneMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
