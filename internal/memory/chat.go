package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"ltmc/internal/coordinator"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// ChatLogRequest describes one conversation message to record.
type ChatLogRequest struct {
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	AgentName      string         `json:"agent_name,omitempty"`
	SourceTool     string         `json:"source_tool,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// LogChat appends a message to the conversation history: the catalog
// row is canonical, the universal index makes it searchable, and the
// cache mirrors the recent replay window.
func (s *Service) LogChat(ctx context.Context, req *ChatLogRequest) (*types.ChatLogResult, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	role := types.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == "" {
		role = types.RoleUser
	}
	msg := &types.ChatMessage{
		ConversationID: strings.TrimSpace(req.ConversationID),
		Role:           role,
		Content:        req.Content,
		AgentName:      req.AgentName,
		SourceTool:     req.SourceTool,
		Metadata:       req.Metadata,
	}
	if err := msg.Validate(); err != nil {
		return nil, ltmcerrors.NewInvalidInput(err.Error())
	}

	plan, err := s.storageRouter.Plan(types.StorageTypeChat)
	if err != nil {
		return nil, err
	}

	var (
		logged   *types.ChatMessage
		envelope *types.UniversalEnvelope
	)

	tx := s.coord.Begin()

	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendRelational,
		Name:     "log chat message",
		Required: true,
		Apply: func(ctx context.Context) error {
			out, err := s.catalog.LogChatMessage(ctx, msg)
			logged = out
			return err
		},
		Compensate: func(ctx context.Context) error {
			if logged == nil {
				return nil
			}
			return s.catalog.DeleteChatMessage(ctx, logged.ID)
		},
	})

	if plan.Prescribes(types.BackendUniversal) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendUniversal,
			Name:    "universal index",
			Apply: func(ctx context.Context) error {
				meta := cloneMetadata(req.Metadata)
				meta["conversation_id"] = logged.ConversationID
				meta["role"] = string(logged.Role)
				if logged.AgentName != "" {
					meta["agent_name"] = logged.AgentName
				}
				if logged.SourceTool != "" {
					meta["source_tool"] = logged.SourceTool
				}
				env, err := s.universal.StoreUniversalVector(ctx, &storage.UniversalStoreRequest{
					OriginalID:     strconv.FormatInt(logged.ID, 10),
					StorageType:    types.StorageTypeChat,
					SourceDatabase: types.SourceSQLite,
					Content:        logged.Content,
					Metadata:       meta,
				})
				envelope = env
				return err
			},
			Compensate: func(ctx context.Context) error {
				if envelope == nil {
					return nil
				}
				return s.universal.DeleteByUniversalID(ctx, envelope.UniversalID)
			},
		})
	}

	if plan.Prescribes(types.BackendCache) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendCache,
			Name:    "refresh replay window",
			Apply: func(ctx context.Context) error {
				if s.cache == nil {
					return errDisabled(types.BackendCache)
				}
				return s.refreshChatWindow(ctx, logged.ConversationID)
			},
			Compensate: func(ctx context.Context) error {
				if s.cache == nil {
					return nil
				}
				// The window now contains the rolled-back message, so
				// drop it; the next log rebuilds it from the catalog.
				_, err := s.cache.Delete(ctx, storage.ChatKey(logged.ConversationID))
				return err
			},
		})
	}

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Debug("chat message logged",
		"conversation_id", logged.ConversationID,
		"message_id", logged.ID,
		"role", string(logged.Role))

	return &types.ChatLogResult{
		MessageID:        logged.ID,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}

// refreshChatWindow rewrites the cached replay window from the catalog.
func (s *Service) refreshChatWindow(ctx context.Context, conversationID string) error {
	msgs, err := s.catalog.GetChatByConversation(ctx, conversationID, chatReplayWindow)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return ltmcerrors.NewInternal(err)
	}
	return s.cache.Cache(ctx, storage.ChatKey(conversationID), string(payload), nil, s.cacheTTL)
}

// GetChatByTool returns messages recorded by the named source tool,
// newest first.
func (s *Service) GetChatByTool(ctx context.Context, sourceTool string, limit int) ([]types.ChatMessage, error) {
	if strings.TrimSpace(sourceTool) == "" {
		return nil, ltmcerrors.NewInvalidInput("source_tool is required")
	}
	return s.catalog.GetChatByTool(ctx, sourceTool, limit)
}

// GetConversation returns a conversation's messages in replay order.
func (s *Service) GetConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ltmcerrors.NewInvalidInput("conversation_id is required")
	}
	return s.catalog.GetChatByConversation(ctx, conversationID, limit)
}
