package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// sqliteDSNOptions enables WAL journaling, enforced foreign keys, and a
// busy timeout so concurrent writers queue instead of failing.
const sqliteDSNOptions = "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_sync=NORMAL"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resources (
	resource_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	file_name     TEXT NOT NULL UNIQUE,
	resource_type TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_chunks (
	chunk_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	chunk_text  TEXT NOT NULL,
	vector_id   INTEGER NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_chunks_resource ON resource_chunks(resource_id);
CREATE INDEX IF NOT EXISTS idx_chunks_vector ON resource_chunks(vector_id);

CREATE TABLE IF NOT EXISTS chat_history (
	message_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	agent_name      TEXT NOT NULL DEFAULT '',
	source_tool     TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '',
	timestamp       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_conversation ON chat_history(conversation_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_chat_tool ON chat_history(source_tool, timestamp);

CREATE TABLE IF NOT EXISTS context_links (
	message_id INTEGER NOT NULL REFERENCES chat_history(message_id) ON DELETE CASCADE,
	chunk_id   INTEGER NOT NULL REFERENCES resource_chunks(chunk_id) ON DELETE CASCADE,
	PRIMARY KEY (message_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS resource_links (
	link_id            INTEGER PRIMARY KEY AUTOINCREMENT,
	source_resource_id INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	target_resource_id INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	link_type          TEXT NOT NULL,
	weight             REAL NOT NULL DEFAULT 1.0,
	metadata           TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL,
	UNIQUE (source_resource_id, target_resource_id, link_type)
);
CREATE INDEX IF NOT EXISTS idx_links_source ON resource_links(source_resource_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON resource_links(target_resource_id);

CREATE TABLE IF NOT EXISTS todos (
	todo_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	completed    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS summaries (
	summary_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id    TEXT NOT NULL,
	summary_text TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_source ON summaries(source_id);

CREATE TABLE IF NOT EXISTS vector_id_sequence (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	next_id INTEGER NOT NULL
);
INSERT OR IGNORE INTO vector_id_sequence (id, next_id) VALUES (1, 0);
`

// SQLiteStore implements RelationalStore on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string, log *logging.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+sqliteDSNOptions)
	if err != nil {
		return nil, ltmcerrors.NewBackendUnavailable(types.BackendRelational, err)
	}
	// A single connection keeps writers serialized; WAL readers in other
	// processes are unaffected.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, ltmcerrors.NewBackendUnavailable(types.BackendRelational, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "apply schema", err)
	}

	log.WithComponent("sqlite").Info("relational store ready", "path", path)
	return &SQLiteStore{db: db, log: log.WithComponent("sqlite")}, nil
}

// CreateResource inserts a resource, or returns the existing row when
// the file name is already taken. Re-storing the same name never
// conflicts.
func (s *SQLiteStore) CreateResource(ctx context.Context, fileName string, resourceType types.StorageType) (*types.Resource, bool, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, false, ltmcerrors.NewInvalidInput("file_name is required")
	}
	if !resourceType.Valid() {
		return nil, false, ltmcerrors.NewInvalidInputf("unknown storage type: %q", resourceType)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (file_name, resource_type, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_name) DO NOTHING`,
		fileName, string(resourceType), now)
	if err != nil {
		return nil, false, ltmcerrors.NewBackendFailed(types.BackendRelational, "create resource", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, ltmcerrors.NewBackendFailed(types.BackendRelational, "create resource", err)
	}

	resource, err := s.GetResourceByFileName(ctx, fileName)
	if err != nil {
		return nil, false, err
	}
	return resource, inserted == 1, nil
}

// GetResourceByID returns the resource with the given id.
func (s *SQLiteStore) GetResourceByID(ctx context.Context, id int64) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, file_name, resource_type, created_at FROM resources WHERE resource_id = ?`, id)
	return scanResource(row, "resource", id)
}

// GetResourceByFileName returns the resource with the given file name.
func (s *SQLiteStore) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, file_name, resource_type, created_at FROM resources WHERE file_name = ?`, fileName)
	return scanResource(row, "resource", fileName)
}

func scanResource(row *sql.Row, entity string, key any) (*types.Resource, error) {
	var r types.Resource
	var resourceType string
	err := row.Scan(&r.ID, &r.FileName, &resourceType, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ltmcerrors.NewNotFound(entity, key)
	}
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get "+entity, err)
	}
	r.Type = types.StorageType(resourceType)
	return &r, nil
}

// ListResources returns up to limit resources, newest first, optionally
// restricted to one storage type.
func (s *SQLiteStore) ListResources(ctx context.Context, resourceType types.StorageType, limit int) ([]types.Resource, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT resource_id, file_name, resource_type, created_at FROM resources`
	args := []any{}
	if resourceType != "" {
		if !resourceType.Valid() {
			return nil, ltmcerrors.NewInvalidInputf("unknown storage type: %q", resourceType)
		}
		query += ` WHERE resource_type = ?`
		args = append(args, string(resourceType))
	}
	query += ` ORDER BY resource_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list resources", err)
	}
	defer rows.Close()

	var out []types.Resource
	for rows.Next() {
		var r types.Resource
		var rt string
		if err := rows.Scan(&r.ID, &r.FileName, &rt, &r.CreatedAt); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list resources", err)
		}
		r.Type = types.StorageType(rt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list resources", err)
	}
	return out, nil
}

// DeleteResource removes the resource, its chunks, its links in both
// directions, and any context links, all in one transaction.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id int64) (*CascadeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM resources WHERE resource_id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete resource", err)
	}
	if exists == 0 {
		return nil, ltmcerrors.NewNotFound("resource", id)
	}

	rows, err := tx.QueryContext(ctx, `SELECT chunk_id, vector_id FROM resource_chunks WHERE resource_id = ?`, id)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete resource", err)
	}
	var chunkIDs, vectorIDs []int64
	for rows.Next() {
		var chunkID, vectorID int64
		if err := rows.Scan(&chunkID, &vectorID); err != nil {
			rows.Close()
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete resource", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
		vectorIDs = append(vectorIDs, vectorID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete resource", err)
	}

	result := &CascadeResult{ResourceID: id, VectorIDs: vectorIDs}

	if len(chunkIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
		args := make([]any, len(chunkIDs))
		for i, cid := range chunkIDs {
			args[i] = cid
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM context_links WHERE chunk_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete context links", err)
		}
		n, _ := res.RowsAffected()
		result.ContextLinksDeleted = int(n)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM resource_links WHERE source_resource_id = ? OR target_resource_id = ?`, id, id)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete links", err)
	}
	n, _ := res.RowsAffected()
	result.LinksDeleted = int(n)

	res, err = tx.ExecContext(ctx, `DELETE FROM resource_chunks WHERE resource_id = ?`, id)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chunks", err)
	}
	n, _ = res.RowsAffected()
	result.ChunksDeleted = int(n)

	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE resource_id = ?`, id); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete resource", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "commit delete", err)
	}
	return result, nil
}

// AppendChunks inserts the chunk rows for a resource in one transaction
// and returns them with their assigned ids, in input order.
func (s *SQLiteStore) AppendChunks(ctx context.Context, resourceID int64, chunks []ChunkInput) ([]types.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "begin append chunks", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resource_chunks (resource_id, chunk_text, vector_id) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "append chunks", err)
	}
	defer stmt.Close()

	out := make([]types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		res, err := stmt.ExecContext(ctx, resourceID, c.Text, c.VectorID)
		if err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "append chunks", err)
		}
		chunkID, err := res.LastInsertId()
		if err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "append chunks", err)
		}
		out = append(out, types.Chunk{
			ID:         chunkID,
			ResourceID: resourceID,
			Text:       c.Text,
			VectorID:   c.VectorID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "commit append chunks", err)
	}
	return out, nil
}

// GetChunksByVectorIDs maps vector ids back to their chunk rows. Unknown
// vector ids are skipped, preserving input order for the rest.
func (s *SQLiteStore) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vectorIDs)), ",")
	args := make([]any, len(vectorIDs))
	for i, vid := range vectorIDs {
		args[i] = vid
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, resource_id, chunk_text, vector_id FROM resource_chunks
		 WHERE vector_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by vector ids", err)
	}
	defer rows.Close()

	byVector := make(map[int64]types.Chunk, len(vectorIDs))
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Text, &c.VectorID); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by vector ids", err)
		}
		byVector[c.VectorID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by vector ids", err)
	}

	out := make([]types.Chunk, 0, len(byVector))
	for _, vid := range vectorIDs {
		if c, ok := byVector[vid]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetChunksByResource returns all chunks of a resource in chunk order.
func (s *SQLiteStore) GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, resource_id, chunk_text, vector_id FROM resource_chunks
		 WHERE resource_id = ? ORDER BY chunk_id ASC`, resourceID)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by resource", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Text, &c.VectorID); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by resource", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chunks by resource", err)
	}
	return out, nil
}

// SearchChunks performs a plain substring match over chunk text, newest
// chunks first. It backs retrieval when the vector index cannot answer.
func (s *SQLiteStore) SearchChunks(ctx context.Context, textQuery string, limit int) ([]types.Chunk, error) {
	if strings.TrimSpace(textQuery) == "" {
		return nil, ltmcerrors.NewInvalidInput("query is required")
	}
	if limit <= 0 {
		return nil, nil
	}

	pattern := "%" + escapeLike(textQuery) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, resource_id, chunk_text, vector_id FROM resource_chunks
		 WHERE chunk_text LIKE ? ESCAPE '\'
		 ORDER BY chunk_id DESC LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "search chunks", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Text, &c.VectorID); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "search chunks", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "search chunks", err)
	}
	return out, nil
}

// escapeLike neutralizes LIKE metacharacters so user text matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteChunks removes all chunk rows of a resource, along with any
// context links pointing at them, and returns the orphaned vector ids so
// the caller can tombstone them in the index. The resource row survives.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, resourceID int64) (vectorIDs []int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "begin delete chunks", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT chunk_id, vector_id FROM resource_chunks WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chunks", err)
	}
	var chunkIDs []int64
	for rows.Next() {
		var chunkID, vectorID int64
		if err := rows.Scan(&chunkID, &vectorID); err != nil {
			rows.Close()
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chunks", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
		vectorIDs = append(vectorIDs, vectorID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chunks", err)
	}
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, len(chunkIDs))
	for i, cid := range chunkIDs {
		args[i] = cid
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_links WHERE chunk_id IN (`+placeholders+`)`, args...); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete context links", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM resource_chunks WHERE resource_id = ?`, resourceID); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chunks", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "commit delete chunks", err)
	}
	return vectorIDs, nil
}

// AllocateVectorID returns the next vector id. Ids are strictly
// increasing and never reused, even across deletes and restarts.
func (s *SQLiteStore) AllocateVectorID(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE vector_id_sequence SET next_id = next_id + 1 WHERE id = 1 RETURNING next_id`).Scan(&next)
	if err != nil {
		return 0, ltmcerrors.NewBackendFailed(types.BackendRelational, "allocate vector id", err)
	}
	return next, nil
}

// CreateLink upserts a typed link between two resources. Re-linking the
// same (source, target, type) updates weight and metadata and keeps the
// original identity and creation time.
func (s *SQLiteStore) CreateLink(ctx context.Context, link *types.Link) (*types.Link, error) {
	if err := link.Validate(); err != nil {
		return nil, ltmcerrors.NewInvalidInput(err.Error())
	}
	for _, id := range []int64{link.SourceID, link.TargetID} {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM resources WHERE resource_id = ?`, id).Scan(&exists); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "create link", err)
		}
		if exists == 0 {
			return nil, ltmcerrors.NewNotFound("resource", id)
		}
	}

	now := time.Now().UTC()
	var out types.Link
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO resource_links (source_resource_id, target_resource_id, link_type, weight, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_resource_id, target_resource_id, link_type)
		 DO UPDATE SET weight = excluded.weight, metadata = excluded.metadata
		 RETURNING link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at`,
		link.SourceID, link.TargetID, link.LinkType, link.Weight, link.Metadata, now).
		Scan(&out.ID, &out.SourceID, &out.TargetID, &out.LinkType, &out.Weight, &out.Metadata, &out.CreatedAt)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "create link", err)
	}
	return &out, nil
}

// GetLink fetches one typed link by its triple.
func (s *SQLiteStore) GetLink(ctx context.Context, sourceID, targetID int64, linkType string) (*types.Link, error) {
	var out types.Link
	err := s.db.QueryRowContext(ctx,
		`SELECT link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at
		 FROM resource_links
		 WHERE source_resource_id = ? AND target_resource_id = ? AND link_type = ?`,
		sourceID, targetID, linkType).
		Scan(&out.ID, &out.SourceID, &out.TargetID, &out.LinkType, &out.Weight, &out.Metadata, &out.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ltmcerrors.NewNotFound("link", fmt.Sprintf("%d->%d:%s", sourceID, targetID, linkType))
	}
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get link", err)
	}
	return &out, nil
}

// DeleteLink removes one typed link.
func (s *SQLiteStore) DeleteLink(ctx context.Context, sourceID, targetID int64, linkType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_links
		 WHERE source_resource_id = ? AND target_resource_id = ? AND link_type = ?`,
		sourceID, targetID, linkType)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "delete link", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ltmcerrors.NewNotFound("link", fmt.Sprintf("%d->%d:%s", sourceID, targetID, linkType))
	}
	return nil
}

// ListLinks returns links touching the resource in the given direction.
func (s *SQLiteStore) ListLinks(ctx context.Context, resourceID int64, direction types.Direction) ([]types.Link, error) {
	if !direction.Valid() {
		return nil, ltmcerrors.NewInvalidInputf("unknown direction: %q", direction)
	}

	var where string
	var args []any
	switch direction {
	case types.DirectionOutgoing:
		where = `source_resource_id = ?`
		args = []any{resourceID}
	case types.DirectionIncoming:
		where = `target_resource_id = ?`
		args = []any{resourceID}
	default:
		where = `source_resource_id = ? OR target_resource_id = ?`
		args = []any{resourceID, resourceID}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at
		 FROM resource_links WHERE `+where+` ORDER BY link_id ASC`, args...)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list links", err)
	}
	defer rows.Close()

	var out []types.Link
	for rows.Next() {
		var l types.Link
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.LinkType, &l.Weight, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list links", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list links", err)
	}
	return out, nil
}

// LogChatMessage appends one conversation turn and returns it with its
// assigned id and timestamp.
func (s *SQLiteStore) LogChatMessage(ctx context.Context, msg *types.ChatMessage) (*types.ChatMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, ltmcerrors.NewInvalidInput(err.Error())
	}

	metadataJSON := ""
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, ltmcerrors.NewInvalidInputf("metadata not serializable: %v", err)
		}
		metadataJSON = string(raw)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (conversation_id, role, content, agent_name, source_tool, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, string(msg.Role), msg.Content, msg.AgentName, msg.SourceTool, metadataJSON, ts)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "log chat message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "log chat message", err)
	}

	stored := *msg
	stored.ID = id
	stored.Timestamp = ts
	return &stored, nil
}

// DeleteChatMessage removes one message and its context links. Used by
// transaction rollback; cascades nowhere else.
func (s *SQLiteStore) DeleteChatMessage(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "begin delete chat message", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM context_links WHERE message_id = ?`, id); err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chat message", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_history WHERE message_id = ?`, id)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "delete chat message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ltmcerrors.NewNotFound("chat message", id)
	}
	if err := tx.Commit(); err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "commit delete chat message", err)
	}
	return nil
}

// GetChatByTool returns the most recent messages recorded by one tool.
func (s *SQLiteStore) GetChatByTool(ctx context.Context, sourceTool string, limit int) ([]types.ChatMessage, error) {
	if strings.TrimSpace(sourceTool) == "" {
		return nil, ltmcerrors.NewInvalidInput("source_tool is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, agent_name, source_tool, metadata, timestamp
		 FROM chat_history WHERE source_tool = ?
		 ORDER BY timestamp DESC, message_id DESC LIMIT ?`, sourceTool, limit)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chat by tool", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

// GetChatByConversation returns a conversation's messages in
// chronological order, capped at limit.
func (s *SQLiteStore) GetChatByConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ltmcerrors.NewInvalidInput("conversation_id is required")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, agent_name, source_tool, metadata, timestamp
		 FROM chat_history WHERE conversation_id = ?
		 ORDER BY timestamp ASC, message_id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get chat by conversation", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func scanChatMessages(rows *sql.Rows) ([]types.ChatMessage, error) {
	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var role, metadataJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.AgentName, &m.SourceTool, &metadataJSON, &m.Timestamp); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "scan chat message", err)
		}
		m.Role = types.Role(role)
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
				return nil, ltmcerrors.NewIntegrity(fmt.Sprintf("chat message %d has corrupt metadata: %v", m.ID, err))
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "scan chat messages", err)
	}
	return out, nil
}

// StoreContextLinks records which chunks grounded a message's answer.
// Duplicate pairs are ignored.
func (s *SQLiteStore) StoreContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "begin store context links", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO context_links (message_id, chunk_id) VALUES (?, ?)`)
	if err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "store context links", err)
	}
	defer stmt.Close()

	for _, chunkID := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, messageID, chunkID); err != nil {
			return ltmcerrors.NewBackendFailed(types.BackendRelational, "store context links", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ltmcerrors.NewBackendFailed(types.BackendRelational, "commit context links", err)
	}
	return nil
}

// GetContextLinksForMessage returns the chunks recorded as context for
// the message.
func (s *SQLiteStore) GetContextLinksForMessage(ctx context.Context, messageID int64) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.chunk_id, c.resource_id, c.chunk_text, c.vector_id
		 FROM context_links cl JOIN resource_chunks c ON c.chunk_id = cl.chunk_id
		 WHERE cl.message_id = ? ORDER BY c.chunk_id ASC`, messageID)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get context links", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Text, &c.VectorID); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get context links", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get context links", err)
	}
	return out, nil
}

// AddTodo inserts a todo item.
func (s *SQLiteStore) AddTodo(ctx context.Context, title, description string) (*types.Todo, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ltmcerrors.NewInvalidInput("title is required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO todos (title, description, created_at) VALUES (?, ?, ?)`,
		title, description, now)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "add todo", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "add todo", err)
	}
	return &types.Todo{ID: id, Title: title, Description: description, CreatedAt: now}, nil
}

// ListTodos returns todos matching the filter, newest first.
func (s *SQLiteStore) ListTodos(ctx context.Context, filter TodoFilter, limit int) ([]types.Todo, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT todo_id, title, description, completed, created_at, completed_at FROM todos`
	switch filter {
	case TodoFilterOpen:
		query += ` WHERE completed = 0`
	case TodoFilterCompleted:
		query += ` WHERE completed = 1`
	case TodoFilterAll, "":
	default:
		return nil, ltmcerrors.NewInvalidInputf("unknown todo filter: %q", filter)
	}
	query += ` ORDER BY todo_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list todos", err)
	}
	defer rows.Close()

	var out []types.Todo
	for rows.Next() {
		var t types.Todo
		var completed int
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &completed, &t.CreatedAt, &completedAt); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list todos", err)
		}
		t.Completed = completed == 1
		if completedAt.Valid {
			at := completedAt.Time
			t.CompletedAt = &at
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "list todos", err)
	}
	return out, nil
}

// CompleteTodo marks a todo done. Completing an already-done todo is a
// no-op that returns the stored row.
func (s *SQLiteStore) CompleteTodo(ctx context.Context, id int64) (*types.Todo, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE todos SET completed = 1, completed_at = ? WHERE todo_id = ? AND completed = 0`,
		now, id); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "complete todo", err)
	}

	var t types.Todo
	var completed int
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT todo_id, title, description, completed, created_at, completed_at FROM todos WHERE todo_id = ?`, id).
		Scan(&t.ID, &t.Title, &t.Description, &completed, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ltmcerrors.NewNotFound("todo", id)
	}
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "complete todo", err)
	}
	t.Completed = completed == 1
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

// StoreSummary persists a condensation keyed by its source.
func (s *SQLiteStore) StoreSummary(ctx context.Context, sourceID, text string) (*types.Summary, error) {
	if strings.TrimSpace(sourceID) == "" {
		return nil, ltmcerrors.NewInvalidInput("source_id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ltmcerrors.NewInvalidInput("summary_text is required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (source_id, summary_text, created_at) VALUES (?, ?, ?)`,
		sourceID, text, now)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "store summary", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "store summary", err)
	}
	return &types.Summary{ID: id, SourceID: sourceID, Text: text, CreatedAt: now}, nil
}

// GetSummaries returns condensations for a source, newest first.
func (s *SQLiteStore) GetSummaries(ctx context.Context, sourceID string, limit int) ([]types.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary_id, source_id, summary_text, created_at FROM summaries
		 WHERE source_id = ? ORDER BY summary_id DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get summaries", err)
	}
	defer rows.Close()

	var out []types.Summary
	for rows.Next() {
		var sum types.Summary
		if err := rows.Scan(&sum.ID, &sum.SourceID, &sum.Text, &sum.CreatedAt); err != nil {
			return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get summaries", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, ltmcerrors.NewBackendFailed(types.BackendRelational, "get summaries", err)
	}
	return out, nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return ltmcerrors.NewBackendUnavailable(types.BackendRelational, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ RelationalStore = (*SQLiteStore)(nil)
