package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/crypto/blake2b"

	"ltmc/internal/embeddings"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// UniversalIndex maintains one semantic index entry per stored item,
// regardless of which backend owns the item. Entries share the vector
// index with chunk vectors; universal ids are distinguishable because
// chunk keys are plain decimal vector ids.
type UniversalIndex struct {
	vectors  VectorStore
	embedder embeddings.EmbeddingService
	log      *logging.Logger
}

// NewUniversalIndex wires the index layer over the shared vector store.
func NewUniversalIndex(vectors VectorStore, embedder embeddings.EmbeddingService, log *logging.Logger) *UniversalIndex {
	if log == nil {
		log = logging.NewNop()
	}
	return &UniversalIndex{
		vectors:  vectors,
		embedder: embedder,
		log:      log.WithComponent("universal_index"),
	}
}

// ContentHash returns the hex BLAKE2b-256 digest of the content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DecodeMetadata maps a caller-supplied metadata map onto a typed
// struct. Field names follow the struct's json tags, and scalar types
// are coerced loosely since metadata travels through JSON.
func DecodeMetadata(meta map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return ltmcerrors.NewInternal(err)
	}
	if err := dec.Decode(meta); err != nil {
		return ltmcerrors.NewInvalidInputf("metadata does not match expected shape: %v", err)
	}
	return nil
}

// StoreUniversalVector validates the request, builds the metadata
// envelope, embeds the content, and adds it to the vector index under
// its universal id.
func (u *UniversalIndex) StoreUniversalVector(ctx context.Context, req *UniversalStoreRequest) (*types.UniversalEnvelope, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	if strings.TrimSpace(req.OriginalID) == "" {
		return nil, ltmcerrors.NewInvalidInput("original id is required")
	}
	if !req.StorageType.Valid() {
		return nil, ltmcerrors.NewInvalidInputf("unknown storage type: %q", req.StorageType)
	}
	if !req.SourceDatabase.Valid() {
		return nil, ltmcerrors.NewInvalidInputf("unknown source database: %q", req.SourceDatabase)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ltmcerrors.NewInvalidInput("content is required")
	}

	envelope := types.UniversalEnvelope{
		UniversalID:    types.MakeUniversalID(req.StorageType, req.SourceDatabase, req.OriginalID),
		ContentPreview: types.Preview(req.Content),
		ContentHash:    ContentHash(req.Content),
		StorageType:    req.StorageType,
		SourceDatabase: req.SourceDatabase,
		IndexedAt:      time.Now().UTC(),
		Metadata:       req.Metadata,
	}
	if err := envelope.Validate(); err != nil {
		return nil, ltmcerrors.NewInvalidInput(err.Error())
	}

	vector, err := u.embedder.GenerateEmbedding(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	envelopeJSON, err := json.Marshal(&envelope)
	if err != nil {
		return nil, ltmcerrors.NewInvalidInputf("envelope not serializable: %v", err)
	}

	meta := VectorMeta{
		Preview:      envelope.ContentPreview,
		EnvelopeJSON: envelopeJSON,
	}
	if cid, ok := req.Metadata["conversation_id"].(string); ok {
		meta.ConversationID = cid
	}

	if _, err := u.vectors.Add(ctx, envelope.UniversalID, vector, meta); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// SearchUniversal embeds the query and searches universal entries only.
// Type and source filters are conjunctive and applied over a candidate
// pool widened by filter selectivity.
func (u *UniversalIndex) SearchUniversal(ctx context.Context, query string, k int, storageTypes []types.StorageType, sources []types.SourceDatabase) ([]UniversalHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ltmcerrors.NewInvalidInput("query is required")
	}
	if k <= 0 {
		return nil, ltmcerrors.NewInvalidInputf("k must be positive, got %d", k)
	}

	typeSet := make(map[types.StorageType]bool, len(storageTypes))
	for _, st := range storageTypes {
		if !st.Valid() {
			return nil, ltmcerrors.NewInvalidInputf("unknown storage type: %q", st)
		}
		typeSet[st] = true
	}
	sourceSet := make(map[types.SourceDatabase]bool, len(sources))
	for _, sd := range sources {
		if !sd.Valid() {
			return nil, ltmcerrors.NewInvalidInputf("unknown source database: %q", sd)
		}
		sourceSet[sd] = true
	}

	vector, err := u.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	// Filters narrow the result set, so the candidate pool widens with
	// them; unfiltered searches still widen enough to skip chunk keys.
	pool := 2 * k
	if len(typeSet) > 0 || len(sourceSet) > 0 {
		pool = 10 * k
	}

	hits, err := u.vectors.SearchFiltered(ctx, vector, k, pool, func(docID string, _ VectorMeta) bool {
		st, sd, _, err := types.ParseUniversalID(docID)
		if err != nil {
			return false
		}
		if len(typeSet) > 0 && !typeSet[st] {
			return false
		}
		if len(sourceSet) > 0 && !sourceSet[sd] {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	out := make([]UniversalHit, 0, len(hits))
	for _, h := range hits {
		var envelope types.UniversalEnvelope
		if err := json.Unmarshal(h.Meta.EnvelopeJSON, &envelope); err != nil {
			u.log.Warn("skipping entry with corrupt envelope", "universal_id", h.DocID, "error", err)
			continue
		}
		out = append(out, UniversalHit{Envelope: envelope, Similarity: h.Similarity})
	}
	return out, nil
}

// DeleteByOriginalID removes every universal entry whose original id
// matches, across all storage types and sources. Returns how many were
// removed and their universal ids.
func (u *UniversalIndex) DeleteByOriginalID(ctx context.Context, originalID string) (int, []string, error) {
	if strings.TrimSpace(originalID) == "" {
		return 0, nil, ltmcerrors.NewInvalidInput("original id is required")
	}

	var matched []string
	for _, docID := range u.vectors.AllDocIDs() {
		_, _, original, err := types.ParseUniversalID(docID)
		if err != nil {
			continue // chunk entry
		}
		if original == originalID {
			matched = append(matched, docID)
		}
	}

	deleted := make([]string, 0, len(matched))
	for _, docID := range matched {
		if err := u.vectors.Delete(ctx, docID); err != nil {
			if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
				continue
			}
			return len(deleted), deleted, err
		}
		deleted = append(deleted, docID)
	}
	return len(deleted), deleted, nil
}

// DeleteByUniversalID removes exactly one universal entry.
func (u *UniversalIndex) DeleteByUniversalID(ctx context.Context, universalID string) error {
	if _, _, _, err := types.ParseUniversalID(universalID); err != nil {
		return ltmcerrors.NewInvalidInput(err.Error())
	}
	return u.vectors.Delete(ctx, universalID)
}

// StorageTypeCounts reports how many universal entries each storage
// type currently has.
func (u *UniversalIndex) StorageTypeCounts(ctx context.Context) (map[types.StorageType]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[types.StorageType]int)
	for _, docID := range u.vectors.AllDocIDs() {
		st, _, _, err := types.ParseUniversalID(docID)
		if err != nil {
			continue
		}
		counts[st]++
	}
	return counts, nil
}

// HealthCheck delegates to the underlying vector index.
func (u *UniversalIndex) HealthCheck(ctx context.Context) error {
	return u.vectors.HealthCheck(ctx)
}

var _ UniversalIndexer = (*UniversalIndex)(nil)
