package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/memory"
	"ltmc/pkg/types"
)

// defaultRetrieveTopK applies when the request leaves top_k unset. An
// explicit zero still means "no documents, succeed".
const defaultRetrieveTopK = 10

func (rt *Router) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var req memory.StoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.Store(r.Context(), &req)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusCreated, result)
}

func (rt *Router) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query          string   `json:"query"`
		ConversationID string   `json:"conversation_id"`
		TopK           *int     `json:"top_k"`
		StorageTypes   []string `json:"storage_types"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, rt.log, err)
		return
	}
	topK := defaultRetrieveTopK
	if body.TopK != nil {
		topK = *body.TopK
	}
	result, err := rt.memory.Retrieve(r.Context(), &memory.RetrieveRequest{
		Query:          body.Query,
		ConversationID: body.ConversationID,
		TopK:           topK,
		StorageTypes:   body.StorageTypes,
	})
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

func (rt *Router) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resources, err := rt.memory.List(r.Context(),
		q.Get("query"), q.Get("resource_type"), queryInt(r, "top_k", 10))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, map[string]any{
		"resources":   resources,
		"total_found": len(resources),
	})
}

func (rt *Router) handleMemoryAsk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query          string `json:"query"`
		ConversationID string `json:"conversation_id"`
		TopK           int    `json:"top_k"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.AskWithContext(r.Context(), body.Query, body.ConversationID, body.TopK)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

// handleMemoryDelete takes the file name as a query parameter because
// stored names may contain path separators.
func (rt *Router) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	fileName := strings.TrimSpace(r.URL.Query().Get("file_name"))
	if fileName == "" {
		writeError(w, rt.log, ltmcerrors.NewInvalidInput("file_name query parameter is required"))
		return
	}
	result, err := rt.memory.Delete(r.Context(), fileName)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

func (rt *Router) handleChatLog(w http.ResponseWriter, r *http.Request) {
	var req memory.ChatLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.LogChat(r.Context(), &req)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusCreated, result)
}

func (rt *Router) handleChatByTool(w http.ResponseWriter, r *http.Request) {
	messages, err := rt.memory.GetChatByTool(r.Context(),
		chi.URLParam(r, "tool"), queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, map[string]any{
		"messages":    messages,
		"total_found": len(messages),
	})
}

func (rt *Router) handleConversation(w http.ResponseWriter, r *http.Request) {
	messages, err := rt.memory.GetConversation(r.Context(),
		chi.URLParam(r, "conversationID"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, map[string]any{
		"messages":    messages,
		"total_found": len(messages),
	})
}

func (rt *Router) handleLinkResources(w http.ResponseWriter, r *http.Request) {
	var req memory.LinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.LinkResources(r.Context(), &req)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusCreated, result)
}

func (rt *Router) handleAutoLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Documents           []string `json:"documents"`
		SimilarityThreshold float64  `json:"similarity_threshold"`
		MaxLinksPerDocument int      `json:"max_links_per_document"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.AutoLinkDocuments(r.Context(),
		body.Documents, body.SimilarityThreshold, body.MaxLinksPerDocument)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

func (rt *Router) handleQueryGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docID := strings.TrimSpace(q.Get("query"))
	if docID == "" {
		writeError(w, rt.log, ltmcerrors.NewInvalidInput("query parameter is required"))
		return
	}
	edges, err := rt.memory.QueryGraph(r.Context(), docID, q.Get("relation_type"))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, map[string]any{
		"edges":       edges,
		"total_found": len(edges),
	})
}

func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query                string   `json:"query"`
		TopK                 int      `json:"top_k"`
		StorageTypes         []string `json:"storage_types"`
		SourceDatabases      []string `json:"source_databases"`
		IncludeRelationships bool     `json:"include_relationships"`
		RelationshipDepth    int      `json:"relationship_depth"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, rt.log, err)
		return
	}

	var result *types.UniversalSearchResult
	var err error
	switch {
	case len(body.StorageTypes) > 0 || len(body.SourceDatabases) > 0:
		var storageTypes []types.StorageType
		for _, raw := range body.StorageTypes {
			st, nerr := types.NormalizeStorageType(raw)
			if nerr != nil {
				writeError(w, rt.log, ltmcerrors.NewInvalidInputf("storage_types: %v", nerr))
				return
			}
			storageTypes = append(storageTypes, st)
		}
		sources := make([]types.SourceDatabase, 0, len(body.SourceDatabases))
		for _, raw := range body.SourceDatabases {
			sources = append(sources, types.SourceDatabase(strings.ToLower(strings.TrimSpace(raw))))
		}
		result, err = rt.search.SemanticSearchFiltered(r.Context(), body.Query, storageTypes, sources, body.TopK)
	case body.RelationshipDepth > 0:
		result, err = rt.search.SemanticSearchWithContext(r.Context(), body.Query, body.TopK, body.RelationshipDepth)
	default:
		result, err = rt.search.SemanticSearchAll(r.Context(), body.Query, body.TopK, body.IncludeRelationships)
	}
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

func (rt *Router) handleTodoAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.TodoAdd(r.Context(), body.Title, body.Description)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusCreated, result)
}

func (rt *Router) handleTodoList(w http.ResponseWriter, r *http.Request) {
	todos, err := rt.memory.TodoList(r.Context(),
		r.URL.Query().Get("filter"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, map[string]any{
		"todos":       todos,
		"total_found": len(todos),
	})
}

func (rt *Router) handleTodoComplete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, rt.log, ltmcerrors.NewInvalidInput("todo id must be an integer"))
		return
	}
	result, err := rt.memory.TodoComplete(r.Context(), id)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, result)
}

func (rt *Router) handleSessionCompact(w http.ResponseWriter, r *http.Request) {
	var req memory.CompactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, rt.log, err)
		return
	}
	result, err := rt.memory.CompactSession(r.Context(), &req)
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusCreated, result)
}

func (rt *Router) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	lean, err := rt.memory.ResumeSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, lean)
}

func (rt *Router) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.memory.GetSessionSnapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, rt.log, err)
		return
	}
	writeData(w, rt.log, http.StatusOK, snap)
}

// handleHealth reports per-backend health. The envelope always says
// success; the HTTP status tells load balancers whether to route here.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	type backendStatus struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	status := http.StatusOK
	overall := "ok"
	backends := make(map[types.Backend]backendStatus)
	if rt.health != nil {
		for backend, err := range rt.health.BackendHealth(r.Context()) {
			if err != nil {
				backends[backend] = backendStatus{Status: "unhealthy", Error: err.Error()}
				overall = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				backends[backend] = backendStatus{Status: "healthy"}
			}
		}
	}
	writeData(w, rt.log, status, map[string]any{
		"status":   overall,
		"backends": backends,
	})
}
