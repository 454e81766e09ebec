package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// LinkRequest describes a typed edge between two stored resources,
// addressed by file name.
type LinkRequest struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Relation string         `json:"relation"`
	Weight   *float64       `json:"weight,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AutoLinkPair is one semantic link created by auto-linking.
type AutoLinkPair struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Similarity float64 `json:"similarity"`
}

// AutoLinkResult is the response payload of auto_link_documents.
type AutoLinkResult struct {
	DocumentsScanned int            `json:"documents_scanned"`
	LinksCreated     int            `json:"links_created"`
	Pairs            []AutoLinkPair `json:"pairs,omitempty"`
}

// GraphEdge is one edge returned by a graph query.
type GraphEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Type      string  `json:"type"`
	Direction string  `json:"direction"`
	Weight    float64 `json:"weight,omitempty"`
	Metadata  string  `json:"metadata,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// LinkResources records a typed edge: the catalog row is canonical and
// the graph edge mirrors it property for property. Linking the same
// triple twice updates weight and metadata in place. A graph outage
// degrades to a fallback reason; the catalog row still lands.
func (s *Service) LinkResources(ctx context.Context, req *LinkRequest) (*types.LinkResult, error) {
	if req == nil {
		return nil, ltmcerrors.NewInvalidInput("request is required")
	}
	relation := strings.TrimSpace(req.Relation)
	if err := storage.ValidateRelType(relation); err != nil {
		return nil, err
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 || weight > 1 {
		return nil, ltmcerrors.NewInvalidInput("weight must be between 0 and 1")
	}

	source, err := s.catalog.GetResourceByFileName(ctx, strings.TrimSpace(req.SourceID))
	if err != nil {
		return nil, err
	}
	target, err := s.catalog.GetResourceByFileName(ctx, strings.TrimSpace(req.TargetID))
	if err != nil {
		return nil, err
	}
	if source.ID == target.ID {
		return nil, ltmcerrors.NewInvalidInput("cannot link a resource to itself")
	}

	metaJSON, err := metadataJSON(req.Metadata)
	if err != nil {
		return nil, err
	}

	var (
		prior *types.Link
		link  *types.Link
	)

	tx := s.coord.Begin()

	tx.Enqueue(coordinator.Step{
		Backend:  types.BackendRelational,
		Name:     "link row",
		Required: true,
		Apply: func(ctx context.Context) error {
			existing, err := s.catalog.GetLink(ctx, source.ID, target.ID, relation)
			if err != nil && !ltmcerrors.IsKind(err, ltmcerrors.KindNotFound) {
				return err
			}
			prior = existing
			link, err = s.catalog.CreateLink(ctx, &types.Link{
				SourceID: source.ID,
				TargetID: target.ID,
				LinkType: relation,
				Weight:   weight,
				Metadata: metaJSON,
			})
			return err
		},
		Compensate: func(ctx context.Context) error {
			if prior != nil {
				_, err := s.catalog.CreateLink(ctx, prior)
				return err
			}
			return s.catalog.DeleteLink(ctx, source.ID, target.ID, relation)
		},
	})

	tx.Enqueue(coordinator.Step{
		Backend: types.BackendGraph,
		Name:    "mirror graph edge",
		Apply: func(ctx context.Context) error {
			if s.graph == nil {
				return errDisabled(types.BackendGraph)
			}
			if err := s.graph.UpsertDocumentNode(ctx, source.FileName, map[string]any{"resource_id": source.ID}); err != nil {
				return err
			}
			if err := s.graph.UpsertDocumentNode(ctx, target.FileName, map[string]any{"resource_id": target.ID}); err != nil {
				return err
			}
			// Edge properties replicate the catalog row exactly so the
			// two stores never disagree about a link.
			return s.graph.CreateRelationship(ctx, source.FileName, target.FileName, relation, map[string]any{
				"weight":             link.Weight,
				"metadata":           link.Metadata,
				"created_at":         link.CreatedAt.UTC().Format(time.RFC3339),
				"link_type":          link.LinkType,
				"source_resource_id": link.SourceID,
				"target_resource_id": link.TargetID,
			})
		},
	})

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Info("linked resources",
		"source", source.FileName,
		"target", target.FileName,
		"relation", relation,
		"link_id", link.ID,
		"affected", len(result.AffectedBackends))

	return &types.LinkResult{
		LinkID:           link.ID,
		AffectedBackends: result.AffectedBackends,
		FallbackReasons:  result.FallbackReasons,
		TransactionID:    result.TransactionID,
	}, nil
}

const (
	autoLinkRelation    = "semantically_related"
	autoLinkThreshold   = 0.6
	autoLinkMaxPerDoc   = 3
	autoLinkScanDefault = 100
)

// AutoLinkDocuments compares document-level vectors pairwise and links
// similar pairs with semantically_related edges. Without an explicit
// document list it scans recent documents from the catalog.
func (s *Service) AutoLinkDocuments(ctx context.Context, documents []string, threshold float64, maxPerDoc int) (*AutoLinkResult, error) {
	if threshold <= 0 {
		threshold = autoLinkThreshold
	}
	if threshold > 1 {
		return nil, ltmcerrors.NewInvalidInput("similarity_threshold must be between 0 and 1")
	}
	if maxPerDoc <= 0 {
		maxPerDoc = autoLinkMaxPerDoc
	}

	var resources []types.Resource
	if len(documents) > 0 {
		for _, name := range documents {
			res, err := s.catalog.GetResourceByFileName(ctx, strings.TrimSpace(name))
			if err != nil {
				return nil, err
			}
			resources = append(resources, *res)
		}
	} else {
		all, err := s.catalog.ListResources(ctx, types.StorageTypeDocument, autoLinkScanDefault)
		if err != nil {
			return nil, err
		}
		resources = all
	}

	// The universal index already holds one whole-content vector per
	// document; reuse it instead of re-embedding.
	vectors := make([][]float32, len(resources))
	for i, res := range resources {
		universalID := types.MakeUniversalID(res.Type, types.SourceSQLite, res.FileName)
		vec, ok := s.vectors.GetVector(universalID)
		if !ok {
			s.log.Warn("auto-link skipping document without universal vector", "file_name", res.FileName)
			continue
		}
		vectors[i] = vec
	}

	type candidate struct {
		i, j int
		sim  float64
	}
	var candidates []candidate
	for i := range resources {
		if vectors[i] == nil {
			continue
		}
		for j := i + 1; j < len(resources); j++ {
			if vectors[j] == nil {
				continue
			}
			sim := embeddings.CosineSimilarity(vectors[i], vectors[j])
			if sim >= threshold {
				candidates = append(candidates, candidate{i: i, j: j, sim: sim})
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].sim > candidates[b].sim })

	out := &AutoLinkResult{DocumentsScanned: len(resources)}
	perDoc := make(map[int64]int, len(resources))
	for _, c := range candidates {
		src, tgt := resources[c.i], resources[c.j]
		if perDoc[src.ID] >= maxPerDoc || perDoc[tgt.ID] >= maxPerDoc {
			continue
		}
		weight := c.sim
		if weight > 1 {
			weight = 1
		}
		_, err := s.LinkResources(ctx, &LinkRequest{
			SourceID: src.FileName,
			TargetID: tgt.FileName,
			Relation: autoLinkRelation,
			Weight:   &weight,
			Metadata: map[string]any{"auto": true, "similarity": c.sim},
		})
		if err != nil {
			s.log.Warn("auto-link pair failed",
				"source", src.FileName, "target", tgt.FileName, "error", err.Error())
			continue
		}
		perDoc[src.ID]++
		perDoc[tgt.ID]++
		out.LinksCreated++
		out.Pairs = append(out.Pairs, AutoLinkPair{
			Source:     src.FileName,
			Target:     tgt.FileName,
			Similarity: c.sim,
		})
	}

	s.log.Info("auto-link pass finished",
		"scanned", out.DocumentsScanned, "created", out.LinksCreated)
	return out, nil
}

// QueryGraph returns the edges around a document, optionally narrowed
// to one relationship type.
func (s *Service) QueryGraph(ctx context.Context, docID, relType string) ([]GraphEdge, error) {
	if s.graph == nil {
		return nil, errDisabled(types.BackendGraph)
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, ltmcerrors.NewInvalidInput("query is required")
	}
	rels, err := s.graph.QueryGraph(ctx, docID, strings.TrimSpace(relType))
	if err != nil {
		return nil, err
	}
	edges := make([]GraphEdge, 0, len(rels))
	for _, rel := range rels {
		edges = append(edges, GraphEdge{
			Source:    rel.SourceID,
			Target:    rel.TargetID,
			Type:      rel.Type,
			Direction: string(rel.Direction),
			Weight:    rel.Weight,
			Metadata:  rel.Metadata,
			CreatedAt: rel.CreatedAt,
		})
	}
	return edges, nil
}
