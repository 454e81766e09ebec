package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// relTypePattern is the only shape a relationship type may take. Types
// are interpolated into Cypher, so anything else is rejected up front.
var relTypePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxTraversalDepth bounds deep relationship queries.
const maxTraversalDepth = 4

// Neo4jStore implements GraphStore. Documents are nodes under a single
// label, keyed by name; caller-chosen relationship types become native
// edge types.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logging.Logger
}

// NewNeo4jStore connects to the graph database and verifies
// connectivity before returning.
func NewNeo4jStore(ctx context.Context, uri, username, password, database string, log *logging.Logger) (*Neo4jStore, error) {
	if log == nil {
		log = logging.NewNop()
	}

	auth := neo4j.BasicAuth(username, password, "")
	driver, err := neo4j.NewDriverWithContext(uri, auth, func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = 50
		cfg.SocketConnectTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, ltmcerrors.NewBackendUnavailable(types.BackendGraph, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, ltmcerrors.NewBackendUnavailable(types.BackendGraph, err)
	}

	s := &Neo4jStore{
		driver:   driver,
		database: database,
		log:      log.WithComponent("neo4j"),
	}
	s.ensureSchema(ctx)
	s.log.Info("graph store ready", "uri", uri)
	return s, nil
}

// ensureSchema creates the uniqueness constraint on document names.
// Best-effort; restricted users may not be allowed to.
func (s *Neo4jStore) ensureSchema(ctx context.Context) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	res, err := session.Run(ctx,
		`CREATE CONSTRAINT document_name_unique IF NOT EXISTS FOR (d:Document) REQUIRE d.name IS UNIQUE`, nil)
	if err != nil {
		s.log.Warn("schema init failed (continuing)", "error", err)
		return
	}
	_, _ = res.Consume(ctx)
}

// ValidateRelType reports whether relType can safely become a native
// edge type.
func ValidateRelType(relType string) error {
	if !relTypePattern.MatchString(relType) {
		return ltmcerrors.NewInvalidInputf("relationship type %q must match %s", relType, relTypePattern.String())
	}
	return nil
}

// UpsertDocumentNode merges the node keyed by docID and applies the
// given properties on top.
func (s *Neo4jStore) UpsertDocumentNode(ctx context.Context, docID string, properties map[string]any) error {
	if strings.TrimSpace(docID) == "" {
		return ltmcerrors.NewInvalidInput("document id is required")
	}
	if properties == nil {
		properties = map[string]any{}
	}

	return s.write(ctx, "upsert document node",
		`MERGE (d:Document {name: $name}) SET d += $props`,
		map[string]any{"name": docID, "props": properties})
}

// DeleteDocumentNode removes the node and every edge touching it.
func (s *Neo4jStore) DeleteDocumentNode(ctx context.Context, docID string) error {
	return s.write(ctx, "delete document node",
		`MATCH (d:Document {name: $name}) DETACH DELETE d`,
		map[string]any{"name": docID})
}

// CreateRelationship merges one typed edge between two documents.
// Merging on (source, target, type) makes re-linking idempotent; the
// given properties overwrite the edge's previous ones.
func (s *Neo4jStore) CreateRelationship(ctx context.Context, sourceDocID, targetDocID, relType string, properties map[string]any) error {
	if err := ValidateRelType(relType); err != nil {
		return err
	}
	if properties == nil {
		properties = map[string]any{}
	}

	query := fmt.Sprintf(`
MERGE (a:Document {name: $source})
MERGE (b:Document {name: $target})
MERGE (a)-[r:%s]->(b)
SET r += $props`, relType)

	return s.write(ctx, "create relationship", query, map[string]any{
		"source": sourceDocID,
		"target": targetDocID,
		"props":  properties,
	})
}

// DeleteRelationship removes one typed edge.
func (s *Neo4jStore) DeleteRelationship(ctx context.Context, sourceDocID, targetDocID, relType string) error {
	if err := ValidateRelType(relType); err != nil {
		return err
	}

	query := fmt.Sprintf(
		`MATCH (a:Document {name: $source})-[r:%s]->(b:Document {name: $target}) DELETE r`, relType)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	deleted, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"source": sourceDocID, "target": targetDocID})
		if err != nil {
			return 0, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return 0, err
		}
		return summary.Counters().RelationshipsDeleted(), nil
	})
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendGraph, "delete relationship", err)
	}
	if deleted.(int) == 0 {
		return ltmcerrors.NewNotFound("relationship",
			fmt.Sprintf("%s->%s:%s", sourceDocID, targetDocID, relType))
	}
	return nil
}

// GetRelationships returns the edges touching a document in the given
// direction.
func (s *Neo4jStore) GetRelationships(ctx context.Context, docID string, direction types.Direction) ([]GraphRelationship, error) {
	if !direction.Valid() {
		return nil, ltmcerrors.NewInvalidInputf("unknown direction: %q", direction)
	}

	var pattern string
	switch direction {
	case types.DirectionOutgoing:
		pattern = `(d:Document {name: $name})-[r]->(o:Document)`
	case types.DirectionIncoming:
		pattern = `(d:Document {name: $name})<-[r]-(o:Document)`
	default:
		pattern = `(d:Document {name: $name})-[r]-(o:Document)`
	}

	query := `MATCH ` + pattern + `
RETURN startNode(r).name AS source, endNode(r).name AS target, type(r) AS type,
       r.weight AS weight, r.metadata AS metadata, r.created_at AS created_at
ORDER BY type, target`

	return s.queryRelationships(ctx, docID, query, map[string]any{"name": docID})
}

// QueryGraph returns the edges touching a document in both directions,
// optionally restricted to one relationship type.
func (s *Neo4jStore) QueryGraph(ctx context.Context, docID, relType string) ([]GraphRelationship, error) {
	edge := `[r]`
	if relType != "" {
		if err := ValidateRelType(relType); err != nil {
			return nil, err
		}
		edge = fmt.Sprintf(`[r:%s]`, relType)
	}

	query := `MATCH (d:Document {name: $name})-` + edge + `-(o:Document)
RETURN startNode(r).name AS source, endNode(r).name AS target, type(r) AS type,
       r.weight AS weight, r.metadata AS metadata, r.created_at AS created_at
ORDER BY type, target`

	return s.queryRelationships(ctx, docID, query, map[string]any{"name": docID})
}

func (s *Neo4jStore) queryRelationships(ctx context.Context, docID, query string, params map[string]any) ([]GraphRelationship, error) {
	records, err := s.read(ctx, "query relationships", query, params)
	if err != nil {
		return nil, err
	}

	out := make([]GraphRelationship, 0, len(records))
	for _, rec := range records {
		rel := GraphRelationship{
			SourceID:  recordString(rec, "source"),
			TargetID:  recordString(rec, "target"),
			Type:      recordString(rec, "type"),
			Weight:    recordFloat(rec, "weight"),
			Metadata:  recordString(rec, "metadata"),
			CreatedAt: recordString(rec, "created_at"),
		}
		if rel.SourceID == docID {
			rel.Direction = types.DirectionOutgoing
		} else {
			rel.Direction = types.DirectionIncoming
		}
		out = append(out, rel)
	}
	return out, nil
}

// DeepRelationships walks paths of up to depth hops from the document
// and returns each path's node names and edge types. Depth is clamped
// to the traversal bound.
func (s *Neo4jStore) DeepRelationships(ctx context.Context, docID string, depth int) ([]types.GraphPath, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	query := fmt.Sprintf(`
MATCH p = (d:Document {name: $name})-[*1..%d]-(o:Document)
WHERE d <> o
RETURN [n IN nodes(p) | n.name] AS names, [rel IN relationships(p) | type(rel)] AS types, length(p) AS depth
ORDER BY depth, names
LIMIT 100`, depth)

	records, err := s.read(ctx, "deep relationships", query, map[string]any{"name": docID})
	if err != nil {
		return nil, err
	}

	out := make([]types.GraphPath, 0, len(records))
	for _, rec := range records {
		path := types.GraphPath{
			Nodes: recordStringSlice(rec, "names"),
			Types: recordStringSlice(rec, "types"),
		}
		if d, ok := rec.Get("depth"); ok {
			if n, ok := d.(int64); ok {
				path.Depth = int(n)
			}
		}
		out = append(out, path)
	}
	return out, nil
}

// HealthCheck verifies the driver can reach the database.
func (s *Neo4jStore) HealthCheck(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return ltmcerrors.NewBackendUnavailable(types.BackendGraph, err)
	}
	return nil
}

// Close releases the driver and its connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) write(ctx context.Context, op, query string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendGraph, op, err)
	}
	return nil
}

func (s *Neo4jStore) read(ctx context.Context, op, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendGraph, op, err)
	}
	return records.([]*neo4j.Record), nil
}

func recordString(rec *neo4j.Record, key string) string {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", val)
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch n := val.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recordStringSlice(rec *neo4j.Record, key string) []string {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return nil
	}
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ GraphStore = (*Neo4jStore)(nil)
