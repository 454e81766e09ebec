package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/routing"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// RetrieveRequest describes a retrieval query. TopK of zero is a valid
// request that returns no documents.
type RetrieveRequest struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	TopK           int      `json:"top_k"`
	StorageTypes   []string `json:"storage_types,omitempty"`
}

// AskResult is the response payload of ask_with_context: a retrieval
// plus the logged question and its context links.
type AskResult struct {
	types.RetrieveResult
	MessageID    int64 `json:"message_id"`
	LinkedChunks int   `json:"linked_chunks"`
}

// Retrieve routes the query to the strategy chain for the requested
// storage type and walks the chain until one strategy answers. A
// failing strategy is logged and the next one tried; only when every
// strategy fails does the last error surface.
func (s *Service) Retrieve(ctx context.Context, req *RetrieveRequest) (*types.RetrieveResult, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ltmcerrors.NewInvalidInput("query is required")
	}
	if req.TopK < 0 {
		return nil, ltmcerrors.NewInvalidInput("top_k must not be negative")
	}
	if req.TopK == 0 {
		return &types.RetrieveResult{Documents: []types.RetrievedDocument{}, RetrievalMethod: "none"}, nil
	}

	typeSet := make(map[types.StorageType]bool, len(req.StorageTypes))
	var planType types.StorageType
	for _, raw := range req.StorageTypes {
		st, err := types.NormalizeStorageType(raw)
		if err != nil {
			return nil, ltmcerrors.NewInvalidInput(err.Error())
		}
		typeSet[st] = true
		planType = st
	}
	// With zero or several requested types there is no single home
	// backend; route as general memory and post-filter.
	if len(typeSet) != 1 {
		planType = types.StorageTypeMemory
	}

	plan, err := s.retrievalRouter.Plan(planType)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, strategy := range plan.Chain() {
		docs, err := s.dispatch(ctx, strategy, query, req, planType, typeSet)
		if err != nil {
			lastErr = err
			s.log.Warn("retrieval strategy failed",
				"strategy", string(strategy),
				"storage_type", string(planType),
				"error", err.Error())
			continue
		}
		if docs == nil {
			docs = []types.RetrievedDocument{}
		}
		return &types.RetrieveResult{
			Documents:       docs,
			TotalFound:      len(docs),
			RetrievalMethod: string(strategy),
		}, nil
	}
	return nil, lastErr
}

func (s *Service) dispatch(ctx context.Context, strategy routing.Strategy, query string, req *RetrieveRequest, planType types.StorageType, typeSet map[types.StorageType]bool) ([]types.RetrievedDocument, error) {
	switch strategy {
	case routing.StrategyCacheFirst:
		return s.retrieveChatCache(ctx, req)
	case routing.StrategyVectorSemantic:
		return s.retrieveVector(ctx, query, req, typeSet, false)
	case routing.StrategyVectorGraph:
		return s.retrieveVector(ctx, query, req, typeSet, true)
	case routing.StrategyGraphTraversal:
		return s.retrieveGraph(ctx, query, req.TopK, typeSet)
	case routing.StrategyCacheRealtime:
		return s.retrieveCacheRealtime(ctx, query, planType)
	case routing.StrategyRelationalIndexed:
		return s.retrieveRelational(ctx, query, req, planType, typeSet)
	default:
		return nil, ltmcerrors.NewInternal(fmt.Errorf("unhandled retrieval strategy %q", strategy))
	}
}

// retrieveVector is the semantic path: embed the query, rank chunk
// vectors, join back to catalog rows. withGraph additionally decorates
// each document with its outgoing relationships; graph trouble degrades
// to plain semantic results rather than failing the strategy.
func (s *Service) retrieveVector(ctx context.Context, query string, req *RetrieveRequest, typeSet map[types.StorageType]bool, withGraph bool) ([]types.RetrievedDocument, error) {
	queryVec, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	// The index holds chunk vectors and universal envelopes side by
	// side, so the candidate pool is wider than k; post-filters widen
	// it further.
	pool := 4 * req.TopK
	if len(typeSet) > 0 || req.ConversationID != "" {
		pool = 10 * req.TopK
	}
	if pool < 50 {
		pool = 50
	}

	hits, err := s.vectors.SearchFiltered(ctx, queryVec, req.TopK, pool, func(docID string, meta storage.VectorMeta) bool {
		if _, ok := parseVectorDocID(docID); !ok {
			return false
		}
		if req.ConversationID != "" && meta.ConversationID != req.ConversationID {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	rank := make(map[int64]int, len(hits))
	similarity := make(map[int64]float64, len(hits))
	vectorIDs := make([]int64, 0, len(hits))
	for i, h := range hits {
		vid, _ := parseVectorDocID(h.DocID)
		vectorIDs = append(vectorIDs, vid)
		rank[vid] = i
		similarity[vid] = h.Similarity
	}

	chunks, err := s.catalog.GetChunksByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool {
		return rank[chunks[i].VectorID] < rank[chunks[j].VectorID]
	})

	resources := make(map[int64]*types.Resource)
	docs := make([]types.RetrievedDocument, 0, len(chunks))
	for _, chunk := range chunks {
		res, ok := resources[chunk.ResourceID]
		if !ok {
			res, err = s.catalog.GetResourceByID(ctx, chunk.ResourceID)
			if err != nil {
				// A chunk whose resource vanished mid-flight is stale
				// index state, not a retrieval failure.
				if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			resources[chunk.ResourceID] = res
		}
		if len(typeSet) > 0 && !typeSet[res.Type] {
			continue
		}
		doc := types.RetrievedDocument{
			ResourceID:  res.ID,
			FileName:    res.FileName,
			StorageType: res.Type,
			Content:     chunk.Text,
			Score:       similarity[chunk.VectorID],
			ChunkID:     chunk.ID,
			VectorID:    chunk.VectorID,
		}
		if withGraph {
			s.attachRelated(ctx, &doc)
		}
		docs = append(docs, doc)
		if len(docs) == req.TopK {
			break
		}
	}
	return docs, nil
}

func (s *Service) attachRelated(ctx context.Context, doc *types.RetrievedDocument) {
	if s.graph == nil {
		return
	}
	rels, err := s.graph.GetRelationships(ctx, doc.FileName, types.DirectionOutgoing)
	if err != nil {
		if !ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
			s.log.Warn("graph enrichment skipped", "file_name", doc.FileName, "error", err.Error())
		}
		return
	}
	if len(rels) == 0 {
		return
	}
	related := make([]map[string]any, 0, len(rels))
	for _, rel := range rels {
		related = append(related, map[string]any{
			"target": rel.TargetID,
			"type":   rel.Type,
			"weight": rel.Weight,
		})
	}
	doc.Metadata = map[string]any{"related_documents": related}
}

// retrieveRelational is the indexed-SQL path: conversation replay for
// chat, substring chunk search for everything else.
func (s *Service) retrieveRelational(ctx context.Context, query string, req *RetrieveRequest, planType types.StorageType, typeSet map[types.StorageType]bool) ([]types.RetrievedDocument, error) {
	if planType == types.StorageTypeChat {
		if req.ConversationID == "" {
			return nil, ltmcerrors.NewInvalidInput("conversation_id is required to retrieve chat history")
		}
		msgs, err := s.catalog.GetChatByConversation(ctx, req.ConversationID, req.TopK)
		if err != nil {
			return nil, err
		}
		return chatDocuments(msgs), nil
	}

	limit := req.TopK
	if len(typeSet) > 0 {
		limit = 4 * req.TopK
	}
	chunks, err := s.catalog.SearchChunks(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	resources := make(map[int64]*types.Resource)
	docs := make([]types.RetrievedDocument, 0, len(chunks))
	for _, chunk := range chunks {
		res, ok := resources[chunk.ResourceID]
		if !ok {
			res, err = s.catalog.GetResourceByID(ctx, chunk.ResourceID)
			if err != nil {
				if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			resources[chunk.ResourceID] = res
		}
		if len(typeSet) > 0 && !typeSet[res.Type] {
			continue
		}
		docs = append(docs, types.RetrievedDocument{
			ResourceID:  res.ID,
			FileName:    res.FileName,
			StorageType: res.Type,
			Content:     chunk.Text,
			ChunkID:     chunk.ID,
			VectorID:    chunk.VectorID,
		})
		if len(docs) == req.TopK {
			break
		}
	}
	return docs, nil
}

// retrieveChatCache serves chat replay from the cached conversation
// window. A cache miss is an error here so the chain falls through to
// the relational replay.
func (s *Service) retrieveChatCache(ctx context.Context, req *RetrieveRequest) ([]types.RetrievedDocument, error) {
	if s.cache == nil {
		return nil, errDisabled(types.BackendCache)
	}
	if req.ConversationID == "" {
		return nil, ltmcerrors.NewInvalidInput("conversation_id is required to retrieve chat history")
	}
	entry, err := s.cache.Get(ctx, storage.ChatKey(req.ConversationID))
	if err != nil {
		return nil, err
	}
	var msgs []types.ChatMessage
	if err := json.Unmarshal([]byte(entry.Content), &msgs); err != nil {
		return nil, ltmcerrors.NewIntegrity(
			fmt.Sprintf("chat replay cache for %s is corrupt: %v", req.ConversationID, err))
	}
	if len(msgs) > req.TopK {
		msgs = msgs[len(msgs)-req.TopK:]
	}
	return chatDocuments(msgs), nil
}

// retrieveGraph treats the query as a document name and returns its
// neighborhood, one document per distinct neighbor.
func (s *Service) retrieveGraph(ctx context.Context, query string, topK int, typeSet map[types.StorageType]bool) ([]types.RetrievedDocument, error) {
	if s.graph == nil {
		return nil, errDisabled(types.BackendGraph)
	}
	rels, err := s.graph.GetRelationships(ctx, query, types.DirectionBoth)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{query: true}
	docs := make([]types.RetrievedDocument, 0, len(rels))
	for _, rel := range rels {
		neighbor := rel.TargetID
		if rel.Direction == types.DirectionIncoming {
			neighbor = rel.SourceID
		}
		if seen[neighbor] {
			continue
		}
		seen[neighbor] = true

		res, err := s.catalog.GetResourceByFileName(ctx, neighbor)
		if err != nil {
			if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
				continue
			}
			return nil, err
		}
		if len(typeSet) > 0 && !typeSet[res.Type] {
			continue
		}
		chunks, err := s.catalog.GetChunksByResource(ctx, res.ID)
		if err != nil || len(chunks) == 0 {
			continue
		}
		docs = append(docs, types.RetrievedDocument{
			ResourceID:  res.ID,
			FileName:    res.FileName,
			StorageType: res.Type,
			Content:     chunks[0].Text,
			Score:       rel.Weight,
			Metadata: map[string]any{
				"relation":  rel.Type,
				"direction": string(rel.Direction),
			},
		})
		if len(docs) == topK {
			break
		}
	}
	return docs, nil
}

// retrieveCacheRealtime treats the query as a cache entry name.
func (s *Service) retrieveCacheRealtime(ctx context.Context, query string, planType types.StorageType) ([]types.RetrievedDocument, error) {
	if s.cache == nil {
		return nil, errDisabled(types.BackendCache)
	}
	entry, err := s.cache.Get(ctx, storage.EntryKey(query))
	if err != nil {
		return nil, err
	}
	return []types.RetrievedDocument{{
		FileName:    query,
		StorageType: planType,
		Content:     entry.Content,
		Score:       1,
		Metadata:    entry.Metadata,
	}}, nil
}

func chatDocuments(msgs []types.ChatMessage) []types.RetrievedDocument {
	docs := make([]types.RetrievedDocument, 0, len(msgs))
	for _, m := range msgs {
		meta := map[string]any{
			"message_id":      m.ID,
			"conversation_id": m.ConversationID,
			"role":            string(m.Role),
			"timestamp":       m.Timestamp,
		}
		if m.SourceTool != "" {
			meta["source_tool"] = m.SourceTool
		}
		if m.AgentName != "" {
			meta["agent_name"] = m.AgentName
		}
		docs = append(docs, types.RetrievedDocument{
			StorageType: types.StorageTypeChat,
			Content:     m.Content,
			Metadata:    meta,
		})
	}
	return docs
}

// AskWithContext retrieves conversation-scoped memory for a question,
// then logs the question itself as a user chat message with context
// links back to the chunks that answered it.
func (s *Service) AskWithContext(ctx context.Context, query, conversationID string, topK int) (*AskResult, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ltmcerrors.NewInvalidInput("conversation_id is required")
	}
	if topK <= 0 {
		topK = 5
	}
	retrieved, err := s.Retrieve(ctx, &RetrieveRequest{
		Query:          query,
		ConversationID: conversationID,
		TopK:           topK,
	})
	if err != nil {
		return nil, err
	}

	msg, err := s.catalog.LogChatMessage(ctx, &types.ChatMessage{
		ConversationID: conversationID,
		Role:           types.RoleUser,
		Content:        query,
		SourceTool:     "ask_with_context",
	})
	if err != nil {
		return nil, err
	}

	chunkIDs := make([]int64, 0, len(retrieved.Documents))
	for _, doc := range retrieved.Documents {
		if doc.ChunkID != 0 {
			chunkIDs = append(chunkIDs, doc.ChunkID)
		}
	}
	if len(chunkIDs) > 0 {
		if err := s.catalog.StoreContextLinks(ctx, msg.ID, chunkIDs); err != nil {
			return nil, err
		}
	}

	return &AskResult{
		RetrieveResult: *retrieved,
		MessageID:      msg.ID,
		LinkedChunks:   len(chunkIDs),
	}, nil
}

// List enumerates catalog resources. A query of "*" (or empty) lists
// everything; any other query narrows to resources whose chunks contain
// it. The type filter applies either way.
func (s *Service) List(ctx context.Context, query, resourceType string, limit int) ([]types.Resource, error) {
	var st types.StorageType
	if strings.TrimSpace(resourceType) != "" {
		normalized, err := types.NormalizeStorageType(resourceType)
		if err != nil {
			return nil, ltmcerrors.NewInvalidInput(err.Error())
		}
		st = normalized
	}
	if limit <= 0 {
		limit = 10
	}

	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		return s.catalog.ListResources(ctx, st, limit)
	}

	chunks, err := s.catalog.SearchChunks(ctx, query, 4*limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(chunks))
	out := make([]types.Resource, 0, limit)
	for _, chunk := range chunks {
		if seen[chunk.ResourceID] {
			continue
		}
		seen[chunk.ResourceID] = true
		res, err := s.catalog.GetResourceByID(ctx, chunk.ResourceID)
		if err != nil {
			if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
				continue
			}
			return nil, err
		}
		if st != "" && res.Type != st {
			continue
		}
		out = append(out, *res)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
