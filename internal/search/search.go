// Package search implements universal semantic search: one query
// answered across every storage type through the universal index, with
// optional relationship enrichment from the graph store.
package search

import (
	"context"
	"sort"
	"time"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

const (
	// defaultTopK is used when the caller does not ask for a count.
	defaultTopK = 10
	// maxRelationshipDepth bounds deep traversals.
	maxRelationshipDepth = 4
	// timeBucketLayout groups facet counts by UTC day.
	timeBucketLayout = "2006-01-02"
)

// Service answers cross-type semantic queries. The graph store is
// optional; without it relationship enrichment silently degrades.
type Service struct {
	index storage.UniversalIndexer
	graph storage.GraphStore
	log   *logging.Logger
}

// NewService wires universal search over the index and graph layers.
func NewService(index storage.UniversalIndexer, graph storage.GraphStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{
		index: index,
		graph: graph,
		log:   log.WithComponent("search"),
	}
}

// SemanticSearchAll searches every storage type. When
// includeRelationships is set, each hit carries its direct graph edges.
func (s *Service) SemanticSearchAll(ctx context.Context, query string, topK int, includeRelationships bool) (*types.UniversalSearchResult, error) {
	return s.run(ctx, query, topK, nil, nil, includeRelationships, 0)
}

// SemanticSearchFiltered restricts results to the given storage types
// and source databases. Both filters are conjunctive; empty slices mean
// no restriction.
func (s *Service) SemanticSearchFiltered(ctx context.Context, query string, storageTypes []types.StorageType, sources []types.SourceDatabase, topK int) (*types.UniversalSearchResult, error) {
	return s.run(ctx, query, topK, storageTypes, sources, false, 0)
}

// SemanticSearchWithContext searches all types and attaches traversal
// paths up to the given depth. Depth is clamped to [1,4].
func (s *Service) SemanticSearchWithContext(ctx context.Context, query string, topK, relationshipDepth int) (*types.UniversalSearchResult, error) {
	if relationshipDepth < 1 {
		relationshipDepth = 1
	}
	if relationshipDepth > maxRelationshipDepth {
		relationshipDepth = maxRelationshipDepth
	}
	return s.run(ctx, query, topK, nil, nil, true, relationshipDepth)
}

func (s *Service) run(ctx context.Context, query string, topK int, storageTypes []types.StorageType, sources []types.SourceDatabase, includeRelationships bool, depth int) (*types.UniversalSearchResult, error) {
	start := time.Now()
	if topK <= 0 {
		topK = defaultTopK
	}

	hits, err := s.index.SearchUniversal(ctx, query, topK, storageTypes, sources)
	if err != nil {
		return nil, err
	}
	orderHits(hits)

	result := &types.UniversalSearchResult{
		Hits:       make([]types.UniversalSearchHit, 0, len(hits)),
		TotalFound: len(hits),
		Facets:     facets(hits),
	}
	for _, h := range hits {
		hit := types.UniversalSearchHit{
			UniversalID:    h.Envelope.UniversalID,
			StorageType:    h.Envelope.StorageType,
			SourceDatabase: h.Envelope.SourceDatabase,
			Similarity:     h.Similarity,
			ContentPreview: h.Envelope.ContentPreview,
			IndexedAt:      h.Envelope.IndexedAt,
			Metadata:       h.Envelope.Metadata,
		}
		if includeRelationships {
			s.enrich(ctx, &hit, depth)
		}
		result.Hits = append(result.Hits, hit)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	s.log.Debug("universal search served",
		"query_len", len(query),
		"top_k", topK,
		"hits", len(result.Hits),
		"duration_ms", result.DurationMS)
	return result, nil
}

// enrich attaches graph context to one hit. Graph trouble degrades the
// hit, never the search: the error is logged and the hit stays bare.
func (s *Service) enrich(ctx context.Context, hit *types.UniversalSearchHit, depth int) {
	if s.graph == nil {
		return
	}
	_, _, originalID, err := types.ParseUniversalID(hit.UniversalID)
	if err != nil {
		return
	}

	rels, err := s.graph.GetRelationships(ctx, originalID, types.DirectionBoth)
	if err != nil {
		if !ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
			s.log.Warn("relationship enrichment skipped",
				"universal_id", hit.UniversalID, "error", err.Error())
		}
		return
	}
	for _, rel := range rels {
		target := rel.TargetID
		if rel.Direction == types.DirectionIncoming {
			target = rel.SourceID
		}
		hit.Relationships = append(hit.Relationships, types.RelationshipSummary{
			Type:      rel.Type,
			TargetID:  target,
			Direction: rel.Direction,
			Weight:    rel.Weight,
		})
	}

	if depth > 0 {
		paths, err := s.graph.DeepRelationships(ctx, originalID, depth)
		if err != nil {
			if !ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
				s.log.Warn("deep relationship enrichment skipped",
					"universal_id", hit.UniversalID, "error", err.Error())
			}
			return
		}
		hit.DeepRelationships = paths
	}
}

// orderHits sorts by similarity descending, breaking ties by storage
// type priority and then recency.
func orderHits(hits []storage.UniversalHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		pi, pj := hits[i].Envelope.StorageType.Priority(), hits[j].Envelope.StorageType.Priority()
		if pi != pj {
			return pi < pj
		}
		return hits[i].Envelope.IndexedAt.After(hits[j].Envelope.IndexedAt)
	})
}

// facets projects the hit set onto storage type, source database, and
// UTC-day buckets.
func facets(hits []storage.UniversalHit) types.SearchFacets {
	f := types.SearchFacets{
		StorageTypes:    make(map[string]int),
		SourceDatabases: make(map[string]int),
		TimeBuckets:     make(map[string]int),
	}
	for _, h := range hits {
		f.StorageTypes[string(h.Envelope.StorageType)]++
		f.SourceDatabases[string(h.Envelope.SourceDatabase)]++
		f.TimeBuckets[h.Envelope.IndexedAt.UTC().Format(timeBucketLayout)]++
	}
	return f
}
