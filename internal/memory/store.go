package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ltmc/internal/coordinator"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/routing"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// StoreRequest describes one item to persist across the prescribed
// backends.
type StoreRequest struct {
	FileName       string         `json:"file_name"`
	Content        string         `json:"content"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Store chunks the content, fans the write out to the prescribed
// backends inside one compensated transaction, and reports exactly
// which backends committed. Re-storing an existing file name replaces
// its chunks and vectors idempotently.
func (s *Service) Store(ctx context.Context, req *StoreRequest) (*types.StoreResult, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return nil, ltmcerrors.NewInvalidInput("file_name is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ltmcerrors.NewInvalidInput("content is empty")
	}

	rawType := req.ResourceType
	if rawType == "" {
		rawType = string(types.StorageTypeDocument)
	}
	storageType, err := types.NormalizeStorageType(rawType)
	if err != nil {
		return nil, ltmcerrors.NewInvalidInput(err.Error())
	}

	plan, err := s.storageRouter.Plan(storageType)
	if err != nil {
		return nil, err
	}
	if !plan.Prescribes(types.BackendRelational) {
		return s.storeCacheEntry(ctx, fileName, storageType, req, plan)
	}

	chunks := s.chunker.Split(req.Content)
	if len(chunks) == 0 {
		return nil, ltmcerrors.NewInvalidInput("content is empty")
	}

	// Embeddings are generated before any backend is touched: they are
	// pure, and an embedding failure must leave no side effects.
	var chunkVectors [][]float32
	if plan.Prescribes(types.BackendVector) {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		chunkVectors, err = s.embedder.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			return nil, err
		}
	}

	// Vector ids come from the catalog sequence; ids burned by a later
	// rollback are never reused.
	vectorIDs := make([]int64, len(chunks))
	for i := range chunks {
		vid, err := s.catalog.AllocateVectorID(ctx)
		if err != nil {
			return nil, err
		}
		vectorIDs[i] = vid
	}

	var (
		resource     *types.Resource
		createdNew   bool
		oldVectorIDs []int64
		storedChunks []types.Chunk
		addedDocIDs  []string
		validation   *types.SearchValidation
		envelope     *types.UniversalEnvelope
	)

	tx := s.coord.Begin()

	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendRelational,
		Name:     "store resource",
		Required: true,
		Apply: func(ctx context.Context) error {
			res, created, err := s.catalog.CreateResource(ctx, fileName, storageType)
			if err != nil {
				return err
			}
			resource, createdNew = res, created
			if !created {
				if res.Type != storageType {
					return ltmcerrors.NewConflict(
						fmt.Sprintf("%s already stored as %s", fileName, res.Type))
				}
				old, err := s.catalog.DeleteChunks(ctx, res.ID)
				if err != nil {
					return err
				}
				oldVectorIDs = old
			}
			inputs := make([]storage.ChunkInput, len(chunks))
			for i, c := range chunks {
				inputs[i] = storage.ChunkInput{Text: c.Text, VectorID: vectorIDs[i]}
			}
			storedChunks, err = s.catalog.AppendChunks(ctx, res.ID, inputs)
			return err
		},
		Compensate: func(ctx context.Context) error {
			if resource == nil {
				return nil
			}
			if createdNew {
				_, err := s.catalog.DeleteResource(ctx, resource.ID)
				return err
			}
			_, err := s.catalog.DeleteChunks(ctx, resource.ID)
			return err
		},
	})

	if plan.Prescribes(types.BackendVector) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendVector,
			Name:    "index chunk vectors",
			Apply: func(ctx context.Context) error {
				entries := make([]storage.BatchEntry, len(chunkVectors))
				for i, vec := range chunkVectors {
					entries[i] = storage.BatchEntry{
						DocID:  vectorDocID(vectorIDs[i]),
						Vector: vec,
						Meta: storage.VectorMeta{
							Preview:        types.Preview(chunks[i].Text),
							ConversationID: req.ConversationID,
						},
					}
				}
				added, err := s.vectors.AddBatch(ctx, entries)
				if err != nil {
					validation = &types.SearchValidation{
						ValidationPassed: false,
						Detail:           err.Error(),
					}
					return err
				}
				for _, r := range added {
					addedDocIDs = append(addedDocIDs, r.DocID)
				}
				// Replaced chunks lose their old vectors only after the
				// new ones are committed and searchable.
				for _, vid := range oldVectorIDs {
					if err := s.vectors.Delete(ctx, vectorDocID(vid)); err != nil &&
						!ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
						return err
					}
				}
				validation = &types.SearchValidation{
					ValidationPassed: true,
					Detail:           fmt.Sprintf("%d chunk vectors searchable at insert time", len(addedDocIDs)),
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				var firstErr error
				for _, docID := range addedDocIDs {
					if err := s.vectors.Delete(ctx, docID); err != nil &&
						!ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) && firstErr == nil {
						firstErr = err
					}
				}
				return firstErr
			},
		})
	}

	if plan.Prescribes(types.BackendUniversal) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendUniversal,
			Name:    "universal index",
			Apply: func(ctx context.Context) error {
				meta := cloneMetadata(req.Metadata)
				meta["resource_id"] = resource.ID
				if req.ConversationID != "" {
					meta["conversation_id"] = req.ConversationID
				}
				env, err := s.universal.StoreUniversalVector(ctx, &storage.UniversalStoreRequest{
					OriginalID:     fileName,
					StorageType:    storageType,
					SourceDatabase: types.SourceSQLite,
					Content:        req.Content,
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

	if plan.Prescribes(types.BackendGraph) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendGraph,
			Name:    "graph node",
			Apply: func(ctx context.Context) error {
				if s.graph == nil {
					return errDisabled(types.BackendGraph)
				}
				return s.graph.UpsertDocumentNode(ctx, fileName, map[string]any{
					"resource_id": resource.ID,
					"type":        string(storageType),
					"created_at":  resource.CreatedAt.UTC().Format(time.RFC3339),
				})
			},
			Compensate: func(ctx context.Context) error {
				// Re-stores merge into a node that predates this
				// transaction; only nodes we created get removed.
				if s.graph == nil || !createdNew {
					return nil
				}
				return s.graph.DeleteDocumentNode(ctx, fileName)
			},
		})
	}

	if plan.Prescribes(types.BackendCache) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendCache,
			Name:    "cache document",
			Apply: func(ctx context.Context) error {
				if s.cache == nil {
					return errDisabled(types.BackendCache)
				}
				return s.cache.Cache(ctx, storage.DocKey(resource.ID), req.Content, req.Metadata, s.cacheTTL)
			},
			Compensate: func(ctx context.Context) error {
				if s.cache == nil {
					return nil
				}
				_, err := s.cache.Delete(ctx, storage.DocKey(resource.ID))
				return err
			},
		})
	}

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Info("stored resource",
		"file_name", fileName,
		"resource_id", resource.ID,
		"type", string(storageType),
		"chunks", len(storedChunks),
		"replaced", !createdNew,
		"affected", len(result.AffectedBackends))

	return &types.StoreResult{
		ResourceID:                resource.ID,
		FileName:                  fileName,
		ChunksCreated:             len(storedChunks),
		AffectedBackends:          result.AffectedBackends,
		FallbackReasons:           result.FallbackReasons,
		TransactionID:             result.TransactionID,
		ImmediateSearchValidation: validation,
	}, nil
}

// storeCacheEntry is the write path for cache-only payloads: no catalog
// row, the cache itself is the required backend.
func (s *Service) storeCacheEntry(ctx context.Context, fileName string, storageType types.StorageType, req *StoreRequest, plan *routing.StoragePlan) (*types.StoreResult, error) {
	var envelope *types.UniversalEnvelope

	tx := s.coord.Begin()

	if plan.Prescribes(types.BackendUniversal) {
		tx.Enqueue(coordinator.Step{
			Backend: types.BackendUniversal,
			Name:    "universal index",
			Apply: func(ctx context.Context) error {
				env, err := s.universal.StoreUniversalVector(ctx, &storage.UniversalStoreRequest{
					OriginalID:     fileName,
					StorageType:    storageType,
					SourceDatabase: types.SourceRedis,
					Content:        req.Content,
					Metadata:       cloneMetadata(req.Metadata),
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

	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendCache,
		Name:     "cache entry",
		Required: true,
		Apply: func(ctx context.Context) error {
			if s.cache == nil {
				return errDisabled(types.BackendCache)
			}
			return s.cache.Cache(ctx, storage.EntryKey(fileName), req.Content, req.Metadata, s.cacheTTL)
		},
		Compensate: func(ctx context.Context) error {
			if s.cache == nil {
				return nil
			}
			_, err := s.cache.Delete(ctx, storage.EntryKey(fileName))
			return err
		},
	})

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	return &types.StoreResult{
		FileName:         fileName,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}

// Delete removes a stored item from every prescribed backend in delete
// order: cache invalidated first, catalog row last. Non-required
// backends failing degrade to fallback reasons; a catalog failure
// aborts.
func (s *Service) Delete(ctx context.Context, fileName string) (*types.DeleteResult, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, ltmcerrors.NewInvalidInput("file_name is required")
	}

	resource, err := s.catalog.GetResourceByFileName(ctx, fileName)
	if err != nil {
		if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
			return s.deleteCacheEntry(ctx, fileName, err)
		}
		return nil, err
	}

	plan, err := s.storageRouter.Plan(resource.Type)
	if err != nil {
		return nil, err
	}
	chunks, err := s.catalog.GetChunksByResource(ctx, resource.ID)
	if err != nil {
		return nil, err
	}

	var (
		cascade        *storage.CascadeResult
		vectorsDeleted int
	)

	tx := s.coord.Begin()
	for _, backend := range plan.DeleteOrder() {
		switch backend {
		case types.BackendCache:
			tx.Enqueue(coordinator.Step{
				Backend: types.BackendCache,
				Name:    "invalidate cache",
				Apply: func(ctx context.Context) error {
					if s.cache == nil {
						return errDisabled(types.BackendCache)
					}
					_, err := s.cache.Delete(ctx, storage.DocKey(resource.ID))
					return err
				},
			})
		case types.BackendGraph:
			tx.Enqueue(coordinator.Step{
				Backend: types.BackendGraph,
				Name:    "remove graph node",
				Apply: func(ctx context.Context) error {
					if s.graph == nil {
						return errDisabled(types.BackendGraph)
					}
					return s.graph.DeleteDocumentNode(ctx, fileName)
				},
			})
		case types.BackendUniversal:
			tx.Enqueue(coordinator.Step{
				Backend: types.BackendUniversal,
				Name:    "remove universal entries",
				Apply: func(ctx context.Context) error {
					_, _, err := s.universal.DeleteByOriginalID(ctx, fileName)
					return err
				},
			})
		case types.BackendVector:
			tx.Enqueue(coordinator.Step{
				Backend: types.BackendVector,
				Name:    "tombstone chunk vectors",
				Apply: func(ctx context.Context) error {
					for _, c := range chunks {
						if err := s.vectors.Delete(ctx, vectorDocID(c.VectorID)); err != nil {
							if ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
								continue
							}
							return err
						}
						vectorsDeleted++
					}
					return nil
				},
			})
		case types.BackendRelational:
			tx.Enqueue(coordinator.Step{
				Backend:  types.BackendRelational,
				Name:     "delete resource",
				Required: true,
				Apply: func(ctx context.Context) error {
					out, err := s.catalog.DeleteResource(ctx, resource.ID)
					cascade = out
					return err
				},
			})
		}
	}

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	out := &types.DeleteResult{
		ResourceID:       resource.ID,
		VectorsDeleted:   vectorsDeleted,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}
	if cascade != nil {
		out.ChunksDeleted = cascade.ChunksDeleted
		out.LinksDeleted = cascade.LinksDeleted
	}

	s.log.Info("deleted resource",
		"file_name", fileName,
		"resource_id", resource.ID,
		"chunks", out.ChunksDeleted,
		"links", out.LinksDeleted,
		"vectors", out.VectorsDeleted)
	return out, nil
}

// deleteCacheEntry handles deletes of cache-only items, which have no
// catalog row. notFound is returned unchanged when nothing matches.
func (s *Service) deleteCacheEntry(ctx context.Context, fileName string, notFound error) (*types.DeleteResult, error) {
	if s.cache == nil {
		return nil, notFound
	}
	exists, err := s.cache.Exists(ctx, storage.EntryKey(fileName))
	if err != nil || !exists {
		return nil, notFound
	}

	tx := s.coord.Begin()
	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendCache,
		Name:     "delete cache entry",
		Required: true,
		Apply: func(ctx context.Context) error {
			_, err := s.cache.Delete(ctx, storage.EntryKey(fileName))
			return err
		},
	})
	tx.Enqueue(coordinator.Step{
		Backend: types.BackendUniversal,
		Name:    "remove universal entries",
		Apply: func(ctx context.Context) error {
			_, _, err := s.universal.DeleteByOriginalID(ctx, fileName)
			return err
		},
	})

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &types.DeleteResult{
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}
