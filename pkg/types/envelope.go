package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PreviewLength caps the content preview carried by the universal
// metadata envelope.
const PreviewLength = 200

// UniversalEnvelope is the cross-type metadata record attached to every
// universally indexed item. It carries enough information to re-derive
// the item from its home backend; it never owns content.
type UniversalEnvelope struct {
	UniversalID    string         `json:"universal_id"`
	ContentPreview string         `json:"content_preview"`
	ContentHash    string         `json:"content_hash"`
	StorageType    StorageType    `json:"storage_type"`
	SourceDatabase SourceDatabase `json:"source_database"`
	IndexedAt      time.Time      `json:"indexed_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the envelope schema. Every field except Metadata is
// required; the universal id must agree with its component fields.
func (e *UniversalEnvelope) Validate() error {
	if strings.TrimSpace(e.UniversalID) == "" {
		return errors.New("universal_id is required")
	}
	if !e.StorageType.Valid() {
		return fmt.Errorf("invalid storage_type: %s", e.StorageType)
	}
	if !e.SourceDatabase.Valid() {
		return fmt.Errorf("invalid source_database: %s", e.SourceDatabase)
	}
	if strings.TrimSpace(e.ContentHash) == "" {
		return errors.New("content_hash is required")
	}
	if e.IndexedAt.IsZero() {
		return errors.New("indexed_at is required")
	}
	st, sd, _, err := ParseUniversalID(e.UniversalID)
	if err != nil {
		return err
	}
	if st != e.StorageType || sd != e.SourceDatabase {
		return fmt.Errorf("universal_id %q does not match envelope fields", e.UniversalID)
	}
	return nil
}

// MakeUniversalID builds the composite identifier
// "<storage_type>:<source_database>:<original_id>".
func MakeUniversalID(st StorageType, sd SourceDatabase, originalID string) string {
	return fmt.Sprintf("%s:%s:%s", st, sd, originalID)
}

// ParseUniversalID splits a universal id into its three components.
// The original id may itself contain colons; only the first two
// separators are structural.
func ParseUniversalID(id string) (StorageType, SourceDatabase, string, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed universal id: %q", id)
	}
	st := StorageType(parts[0])
	if !st.Valid() {
		return "", "", "", fmt.Errorf("universal id %q has unknown storage type %q", id, parts[0])
	}
	sd := SourceDatabase(parts[1])
	if !sd.Valid() {
		return "", "", "", fmt.Errorf("universal id %q has unknown source database %q", id, parts[1])
	}
	return st, sd, parts[2], nil
}

// Preview truncates content to the envelope preview length, cutting on
// a rune boundary.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength])
}
