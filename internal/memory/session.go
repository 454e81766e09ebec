package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// CompactRequest captures a session's working state before its context
// window is truncated.
type CompactRequest struct {
	SessionID   string   `json:"session_id"`
	FullContext string   `json:"full_context"`
	ActiveTodos []string `json:"active_todos,omitempty"`
	ActiveFile  string   `json:"active_file,omitempty"`
	Goal        string   `json:"goal,omitempty"`
}

// CompactResult is the response payload of session compaction.
type CompactResult struct {
	SessionID        string             `json:"session_id"`
	SnapshotFileName string             `json:"snapshot_file_name"`
	SummaryID        int64              `json:"summary_id"`
	Store            *types.StoreResult `json:"store"`
}

func sessionSnapshotName(sessionID string) string {
	return "session:" + sessionID + ":snapshot"
}

// CompactSession persists a session snapshot through the normal write
// path (chain_of_thought routing) and derives a lean context: the
// summary row resumes the session, the cached snapshot restores it in
// full. Re-compacting a session replaces its previous snapshot.
func (s *Service) CompactSession(ctx context.Context, req *CompactRequest) (*CompactResult, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, ltmcerrors.NewInvalidInput("session_id is required")
	}
	if strings.TrimSpace(req.FullContext) == "" {
		return nil, ltmcerrors.NewInvalidInput("full_context is empty")
	}

	now := time.Now().UTC()
	snapshot := types.CompactionSnapshot{
		SessionID:   sessionID,
		FullContext: req.FullContext,
		ActiveTodos: req.ActiveTodos,
		ActiveFile:  req.ActiveFile,
		Goal:        req.Goal,
		CreatedAt:   now,
	}

	storeResult, err := s.Store(ctx, &StoreRequest{
		FileName:     sessionSnapshotName(sessionID),
		Content:      req.FullContext,
		ResourceType: string(types.StorageTypeChainOfThought),
		Metadata: map[string]any{
			"session_id":   sessionID,
			"goal":         req.Goal,
			"active_file":  req.ActiveFile,
			"active_todos": req.ActiveTodos,
			"created_at":   now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, err
	}

	lean := types.LeanContext{
		SessionID:   sessionID,
		Goal:        req.Goal,
		ActiveFile:  req.ActiveFile,
		ActiveTodos: req.ActiveTodos,
		CreatedAt:   now,
	}
	leanJSON, err := json.Marshal(&lean)
	if err != nil {
		return nil, ltmcerrors.NewInternal(err)
	}
	summary, err := s.catalog.StoreSummary(ctx, sessionID, string(leanJSON))
	if err != nil {
		return nil, err
	}

	// The cached snapshot preserves the exact context bytes; losing it
	// only degrades GetSessionSnapshot to the catalog rebuild.
	if s.cache != nil {
		snapJSON, err := json.Marshal(&snapshot)
		if err == nil {
			if err := s.cache.Cache(ctx, storage.ReasoningChainKey(sessionID), string(snapJSON), nil, s.cacheTTL); err != nil {
				s.log.Warn("session snapshot not cached", "session_id", sessionID, "error", err.Error())
			}
		}
	}

	s.log.Info("session compacted",
		"session_id", sessionID,
		"context_bytes", len(req.FullContext),
		"todos", len(req.ActiveTodos))

	return &CompactResult{
		SessionID:        sessionID,
		SnapshotFileName: sessionSnapshotName(sessionID),
		SummaryID:        summary.ID,
		Store:            storeResult,
	}, nil
}

// ResumeSession returns the most recent lean context recorded for a
// session.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) (*types.LeanContext, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ltmcerrors.NewInvalidInput("session_id is required")
	}

	summaries, err := s.catalog.GetSummaries(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, ltmcerrors.NewNotFound("session", sessionID)
	}

	var lean types.LeanContext
	if err := json.Unmarshal([]byte(summaries[0].Text), &lean); err != nil {
		return nil, ltmcerrors.NewIntegrity(
			"lean context for session " + sessionID + " is corrupt: " + err.Error())
	}
	return &lean, nil
}

// GetSessionSnapshot returns the full compaction snapshot. The cache
// holds the exact original bytes; when it has expired the snapshot is
// rebuilt from the catalog, where the context text is whitespace-
// normalized by chunking.
func (s *Service) GetSessionSnapshot(ctx context.Context, sessionID string) (*types.CompactionSnapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ltmcerrors.NewInvalidInput("session_id is required")
	}

	if s.cache != nil {
		entry, err := s.cache.Get(ctx, storage.ReasoningChainKey(sessionID))
		if err == nil {
			var snap types.CompactionSnapshot
			if jsonErr := json.Unmarshal([]byte(entry.Content), &snap); jsonErr == nil {
				return &snap, nil
			}
			s.log.Warn("cached session snapshot is corrupt, rebuilding",
				"session_id", sessionID)
		} else if !ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
			s.log.Warn("session snapshot cache unavailable",
				"session_id", sessionID, "error", err.Error())
		}
	}

	fileName := sessionSnapshotName(sessionID)
	res, err := s.catalog.GetResourceByFileName(ctx, fileName)
	if err != nil {
		if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
			return nil, ltmcerrors.NewNotFound("session", sessionID)
		}
		return nil, err
	}
	chunks, err := s.catalog.GetChunksByResource(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	snap := types.CompactionSnapshot{
		SessionID:   sessionID,
		FullContext: strings.Join(texts, " "),
	}
	universalID := types.MakeUniversalID(res.Type, types.SourceSQLite, fileName)
	if meta, ok := s.vectors.GetMeta(universalID); ok && len(meta.EnvelopeJSON) > 0 {
		var env types.UniversalEnvelope
		if err := json.Unmarshal(meta.EnvelopeJSON, &env); err == nil && env.Metadata != nil {
			if err := storage.DecodeMetadata(env.Metadata, &snap); err != nil {
				s.log.Warn("session snapshot metadata does not decode",
					"session_id", sessionID, "error", err.Error())
			}
			snap.SessionID = sessionID
			snap.FullContext = strings.Join(texts, " ")
		}
	}
	return &snap, nil
}
