// Package types provides core data structures and type definitions
// for the LTMC memory service, including resources, chunks, links,
// chat messages, and the routing vocabulary shared by all backends.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StorageType represents the semantic category of a stored item.
// It determines which backends receive a write and which retrieval
// strategy serves a read.
type StorageType string

const (
	// StorageTypeDocument represents long-form reference material
	StorageTypeDocument StorageType = "document"
	// StorageTypeMemory represents general agent memory entries
	StorageTypeMemory StorageType = "memory"
	// StorageTypeCode represents source code fragments
	StorageTypeCode StorageType = "code"
	// StorageTypeNote represents short free-form notes
	StorageTypeNote StorageType = "note"
	// StorageTypeChat represents conversation messages
	StorageTypeChat StorageType = "chat"
	// StorageTypeBlueprint represents structural plans with dependencies
	StorageTypeBlueprint StorageType = "blueprint"
	// StorageTypeTasks represents tracked work items
	StorageTypeTasks StorageType = "tasks"
	// StorageTypeTodo represents lightweight todo entries
	StorageTypeTodo StorageType = "todo"
	// StorageTypePattern represents recognized usage patterns
	StorageTypePattern StorageType = "pattern"
	// StorageTypeCacheEntry represents ephemeral cache-only payloads
	StorageTypeCacheEntry StorageType = "cache_entry"
	// StorageTypeChainOfThought represents reasoning-chain snapshots
	StorageTypeChainOfThought StorageType = "chain_of_thought"
	// StorageTypeCoordination represents multi-agent coordination records
	StorageTypeCoordination StorageType = "coordination"
)

// Valid returns true if the storage type is valid
func (st StorageType) Valid() bool {
	switch st {
	case StorageTypeDocument, StorageTypeMemory, StorageTypeCode, StorageTypeNote,
		StorageTypeChat, StorageTypeBlueprint, StorageTypeTasks, StorageTypeTodo,
		StorageTypePattern, StorageTypeCacheEntry, StorageTypeChainOfThought,
		StorageTypeCoordination:
		return true
	}
	return false
}

// Priority returns the tie-break rank of the storage type in search
// result ordering. Lower ranks sort first when similarity scores tie.
func (st StorageType) Priority() int {
	switch st {
	case StorageTypeDocument:
		return 0
	case StorageTypeMemory:
		return 1
	case StorageTypeCode:
		return 2
	case StorageTypeNote:
		return 3
	case StorageTypeChainOfThought:
		return 4
	case StorageTypePattern:
		return 5
	case StorageTypeBlueprint:
		return 6
	case StorageTypeTasks:
		return 7
	case StorageTypeTodo:
		return 8
	case StorageTypeChat:
		return 9
	case StorageTypeCoordination:
		return 10
	default:
		return 11
	}
}

// NormalizeStorageType parses a caller-provided type string, accepting
// the singular "task" alias. Empty input defaults to document.
func NormalizeStorageType(s string) (StorageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StorageTypeDocument, nil
	}
	if s == "task" {
		return StorageTypeTasks, nil
	}
	st := StorageType(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown storage type: %q", s)
	}
	return st, nil
}

// Backend identifies one of the coordinated stores.
type Backend string

const (
	// BackendRelational is the relational catalog, the source of truth
	BackendRelational Backend = "RS"
	// BackendVector is the embedded vector index
	BackendVector Backend = "VI"
	// BackendGraph is the relationship graph store
	BackendGraph Backend = "GS"
	// BackendCache is the TTL key/value cache
	BackendCache Backend = "CS"
	// BackendUniversal is the universal index layer over the vector index
	BackendUniversal Backend = "UIL"
)

// Valid returns true if the backend identifier is valid
func (b Backend) Valid() bool {
	switch b {
	case BackendRelational, BackendVector, BackendGraph, BackendCache, BackendUniversal:
		return true
	}
	return false
}

// SourceDatabase names the home store of a universally indexed item.
type SourceDatabase string

const (
	// SourceSQLite marks items whose canonical copy lives in the relational catalog
	SourceSQLite SourceDatabase = "sqlite"
	// SourceRedis marks items whose canonical copy lives in the cache store
	SourceRedis SourceDatabase = "redis"
	// SourceNeo4j marks items whose canonical copy lives in the graph store
	SourceNeo4j SourceDatabase = "neo4j"
)

// Valid returns true if the source database is valid
func (sd SourceDatabase) Valid() bool {
	switch sd {
	case SourceSQLite, SourceRedis, SourceNeo4j:
		return true
	}
	return false
}

// Role represents the author of a chat message.
type Role string

const (
	// RoleUser marks messages authored by the human user
	RoleUser Role = "user"
	// RoleAssistant marks messages authored by the agent
	RoleAssistant Role = "assistant"
	// RoleSystem marks system-injected messages
	RoleSystem Role = "system"
)

// Valid returns true if the role is valid
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Direction selects which edges a graph query walks.
type Direction string

const (
	// DirectionOutgoing follows edges from the node
	DirectionOutgoing Direction = "outgoing"
	// DirectionIncoming follows edges into the node
	DirectionIncoming Direction = "incoming"
	// DirectionBoth follows edges in both directions
	DirectionBoth Direction = "both"
)

// Valid returns true if the direction is valid
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	}
	return false
}

// Resource is a stored unit of content. Identity is assigned by the
// relational catalog; resources are never mutated in place.
type Resource struct {
	ID        int64       `json:"resource_id"`
	FileName  string      `json:"file_name"`
	Type      StorageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate checks the resource fields the caller controls
func (r *Resource) Validate() error {
	if strings.TrimSpace(r.FileName) == "" {
		return errors.New("file_name is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid resource type: %s", r.Type)
	}
	return nil
}

// Chunk is a sub-range of a resource's text. Each chunk owns exactly
// one vector, joined through the allocated vector id.
type Chunk struct {
	ID         int64  `json:"chunk_id"`
	ResourceID int64  `json:"resource_id"`
	Text       string `json:"chunk_text"`
	VectorID   int64  `json:"vector_id"`
}

// Link is a typed directed edge between two resources. The relational
// catalog holds the canonical row; the graph store mirrors it for
// traversal with identical properties.
type Link struct {
	ID        int64     `json:"link_id"`
	SourceID  int64     `json:"source_resource_id"`
	TargetID  int64     `json:"target_resource_id"`
	LinkType  string    `json:"link_type"`
	Weight    float64   `json:"weight"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the link fields the caller controls
func (l *Link) Validate() error {
	if l.SourceID <= 0 || l.TargetID <= 0 {
		return errors.New("source and target resource ids must be positive")
	}
	if strings.TrimSpace(l.LinkType) == "" {
		return errors.New("link_type is required")
	}
	if l.Weight < 0 || l.Weight > 1 {
		return fmt.Errorf("weight must be within [0,1], got %v", l.Weight)
	}
	return nil
}

// ChatMessage is one conversation turn, owned by the relational catalog
// and optionally mirrored in the cache for hot replay.
type ChatMessage struct {
	ID             int64          `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	AgentName      string         `json:"agent_name,omitempty"`
	SourceTool     string         `json:"source_tool,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the chat message fields the caller controls
func (m *ChatMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return errors.New("conversation_id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

// ContextLink records that a chunk contributed to a message's context.
type ContextLink struct {
	MessageID int64 `json:"message_id"`
	ChunkID   int64 `json:"chunk_id"`
}

// Todo is a lightweight tracked work item.
type Todo struct {
	ID          int64      `json:"todo_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary is a stored condensation of a conversation or resource.
type Summary struct {
	ID        int64     `json:"summary_id"`
	SourceID  string    `json:"source_id"`
	Text      string    `json:"summary_text"`
	CreatedAt time.Time `json:"created_at"`
}

// CompactionSnapshot captures everything needed to resume a session
// after its context is compacted. Stored through the normal write path
// under the chain_of_thought storage type.
type CompactionSnapshot struct {
	SessionID   string    `json:"session_id"`
	FullContext string    `json:"full_context"`
	ActiveTodos []string  `json:"active_todos,omitempty"`
	ActiveFile  string    `json:"active_file,omitempty"`
	Goal        string    `json:"goal,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LeanContext is the derived resume record: only what a fresh session
// needs to pick up where the compacted one stopped.
type LeanContext struct {
	SessionID   string    `json:"session_id"`
	Goal        string    `json:"goal,omitempty"`
	ActiveFile  string    `json:"active_file,omitempty"`
	ActiveTodos []string  `json:"active_todos,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
