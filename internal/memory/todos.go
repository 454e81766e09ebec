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

// TodoResult is the response payload of a todo mutation.
type TodoResult struct {
	Todo             types.Todo               `json:"todo"`
	AffectedBackends []types.Backend          `json:"affected_backends"`
	FallbackReasons  map[types.Backend]string `json:"fallback_reasons,omitempty"`
	TransactionID    string                   `json:"transaction_id"`
}

func todoCacheKey(id int64) string {
	return storage.EntryKey("todo:" + strconv.FormatInt(id, 10))
}

// TodoAdd records a new todo. The catalog row is canonical; the
// universal index makes it searchable and the cache serves realtime
// lookups.
func (s *Service) TodoAdd(ctx context.Context, title, description string) (*TodoResult, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ltmcerrors.NewInvalidInput("title is required")
	}

	var todo *types.Todo

	tx := s.coord.Begin()
	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendRelational,
		Name:     "add todo",
		Required: true,
		Apply: func(ctx context.Context) error {
			out, err := s.catalog.AddTodo(ctx, title, description)
			todo = out
			return err
		},
	})
	s.enqueueTodoMirrors(tx, &todo)

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &TodoResult{
		Todo:             *todo,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}

// TodoComplete marks a todo done. Completing twice is the same as
// completing once.
func (s *Service) TodoComplete(ctx context.Context, id int64) (*TodoResult, error) {
	if id <= 0 {
		return nil, ltmcerrors.NewInvalidInput("todo_id must be positive")
	}

	var todo *types.Todo

	tx := s.coord.Begin()
	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendRelational,
		Name:     "complete todo",
		Required: true,
		Apply: func(ctx context.Context) error {
			out, err := s.catalog.CompleteTodo(ctx, id)
			todo = out
			return err
		},
	})
	s.enqueueTodoMirrors(tx, &todo)

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &TodoResult{
		Todo:             *todo,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}

// enqueueTodoMirrors adds the universal index and cache steps shared by
// todo mutations. Both steps are refresh-style upserts, so an add and a
// completion enqueue the same mirrors.
func (s *Service) enqueueTodoMirrors(tx *coordinator.Transaction, todo **types.Todo) {
	tx.Enqueue(coordinator.Step{
		Backend: types.BackendUniversal,
		Name:    "universal index",
		Apply: func(ctx context.Context) error {
			t := *todo
			content := t.Title
			if t.Description != "" {
				content += "\n\n" + t.Description
			}
			_, err := s.universal.StoreUniversalVector(ctx, &storage.UniversalStoreRequest{
				OriginalID:     strconv.FormatInt(t.ID, 10),
				StorageType:    types.StorageTypeTodo,
				SourceDatabase: types.SourceSQLite,
				Content:        content,
				Metadata: map[string]any{
					"todo_id":   t.ID,
					"completed": t.Completed,
				},
			})
			return err
		},
	})
	tx.Enqueue(coordinator.Step{
		Backend: types.BackendCache,
		Name:    "cache todo",
		Apply: func(ctx context.Context) error {
			if s.cache == nil {
				return errDisabled(types.BackendCache)
			}
			t := *todo
			payload, err := json.Marshal(t)
			if err != nil {
				return ltmcerrors.NewInternal(err)
			}
			return s.cache.Cache(ctx, todoCacheKey(t.ID), string(payload), nil, s.cacheTTL)
		},
	})
}

// TodoList returns todos matching the filter: all, open, or completed.
func (s *Service) TodoList(ctx context.Context, filter string, limit int) ([]types.Todo, error) {
	f := storage.TodoFilter(strings.ToLower(strings.TrimSpace(filter)))
	switch f {
	case "", storage.TodoFilterAll, storage.TodoFilterOpen, storage.TodoFilterCompleted:
	default:
		return nil, ltmcerrors.NewInvalidInputf("unknown todo filter: %q", filter)
	}
	return s.catalog.ListTodos(ctx, f, limit)
}
