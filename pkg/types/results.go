package types

import "time"

// BackendResult records the outcome of one backend step inside a
// coordinated transaction.
type BackendResult struct {
	Backend  Backend       `json:"backend"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// TransactionResult is what the atomic coordinator returns on commit.
// AffectedBackends contains exactly the backends that committed; every
// prescribed backend missing from it has an entry in FallbackReasons.
type TransactionResult struct {
	TransactionID     string                    `json:"transaction_id"`
	AffectedBackends  []Backend                 `json:"affected_backends"`
	PerBackendResults map[Backend]BackendResult `json:"per_backend_results"`
	FallbackReasons   map[Backend]string        `json:"fallback_reasons,omitempty"`
}

// Committed reports whether the named backend committed in this
// transaction.
func (tr *TransactionResult) Committed(b Backend) bool {
	for _, ab := range tr.AffectedBackends {
		if ab == b {
			return true
		}
	}
	return false
}

// SearchValidation reports the immediate-searchability check performed
// after every vector index add.
type SearchValidation struct {
	ValidationPassed bool   `json:"validation_passed"`
	Detail           string `json:"detail,omitempty"`
}

// StoreResult is the response payload of a memory store operation.
type StoreResult struct {
	ResourceID                int64              `json:"resource_id"`
	FileName                  string             `json:"file_name"`
	ChunksCreated             int                `json:"chunks_created"`
	AffectedBackends          []Backend          `json:"affected_backends"`
	FallbackReasons           map[Backend]string `json:"fallback_reasons,omitempty"`
	TransactionID             string             `json:"transaction_id"`
	ImmediateSearchValidation *SearchValidation  `json:"immediate_search_validation,omitempty"`
}

// RetrievedDocument is one ranked result of a retrieval operation.
type RetrievedDocument struct {
	ResourceID  int64          `json:"resource_id,omitempty"`
	FileName    string         `json:"file_name,omitempty"`
	StorageType StorageType    `json:"storage_type"`
	Content     string         `json:"content"`
	Score       float64        `json:"score"`
	ChunkID     int64          `json:"chunk_id,omitempty"`
	VectorID    int64          `json:"vector_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RetrieveResult is the response payload of a retrieval operation,
// including which strategy actually served it.
type RetrieveResult struct {
	Documents       []RetrievedDocument `json:"documents"`
	TotalFound      int                 `json:"total_found"`
	RetrievalMethod string              `json:"retrieval_method"`
}

// LinkResult is the response payload of a link operation.
type LinkResult struct {
	LinkID           int64              `json:"link_id"`
	AffectedBackends []Backend          `json:"affected_backends"`
	FallbackReasons  map[Backend]string `json:"fallback_reasons,omitempty"`
	TransactionID    string             `json:"transaction_id"`
}

// ChatLogResult is the response payload of a chat log operation.
type ChatLogResult struct {
	MessageID        int64              `json:"message_id"`
	AffectedBackends []Backend          `json:"affected_backends"`
	FallbackReasons  map[Backend]string `json:"fallback_reasons,omitempty"`
	TransactionID    string             `json:"transaction_id"`
}

// RelationshipSummary is a compact outgoing-edge view attached to
// search hits when relationship enrichment is requested.
type RelationshipSummary struct {
	Type      string    `json:"type"`
	TargetID  string    `json:"target_id"`
	Direction Direction `json:"direction"`
	Weight    float64   `json:"weight,omitempty"`
}

// GraphPath is one traversal path returned by deep relationship
// queries, bounded by the requested depth.
type GraphPath struct {
	Nodes []string `json:"nodes"`
	Types []string `json:"types"`
	Depth int      `json:"depth"`
}

// UniversalSearchHit is one ranked result of a universal search.
type UniversalSearchHit struct {
	UniversalID       string                `json:"universal_id"`
	StorageType       StorageType           `json:"storage_type"`
	SourceDatabase    SourceDatabase        `json:"source_database"`
	Similarity        float64               `json:"similarity"`
	ContentPreview    string                `json:"content_preview"`
	IndexedAt         time.Time             `json:"indexed_at"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
	Relationships     []RelationshipSummary `json:"relationships,omitempty"`
	DeepRelationships []GraphPath           `json:"deep_relationships,omitempty"`
}

// SearchFacets projects the result set onto storage type, source
// database, and UTC-day time buckets.
type SearchFacets struct {
	StorageTypes    map[string]int `json:"storage_types"`
	SourceDatabases map[string]int `json:"source_databases"`
	TimeBuckets     map[string]int `json:"time_buckets"`
}

// UniversalSearchResult is the response payload of a universal search.
type UniversalSearchResult struct {
	Hits       []UniversalSearchHit `json:"hits"`
	TotalFound int                  `json:"total_found"`
	Facets     SearchFacets         `json:"facets"`
	DurationMS int64                `json:"search_duration_ms"`
}

// DeleteResult is the response payload of a resource delete.
type DeleteResult struct {
	ResourceID       int64              `json:"resource_id"`
	ChunksDeleted    int                `json:"chunks_deleted"`
	LinksDeleted     int                `json:"links_deleted"`
	VectorsDeleted   int                `json:"vectors_deleted"`
	AffectedBackends []Backend          `json:"affected_backends"`
	FallbackReasons  map[Backend]string `json:"fallback_reasons,omitempty"`
	TransactionID    string             `json:"transaction_id"`
}
