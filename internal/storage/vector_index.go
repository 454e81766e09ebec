package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

const (
	vectorBlobMagic   uint32 = 0x4C544D56 // "LTMV"
	vectorBlobVersion uint32 = 1

	// metadataSuffix is appended to the blob path for the gob sidecar.
	metadataSuffix = ".metadata"
	// lockSuffix is appended to the blob path for the cross-process lock.
	lockSuffix = ".lock"
)

// vectorSidecar is the gob-persisted companion of the vector blob. The
// blob holds only raw float data; everything needed to interpret it
// lives here.
type vectorSidecar struct {
	DocToInternal map[string]int
	InternalToDoc map[int]string
	NextIndex     int
	Deleted       map[int]bool
	Meta          map[string]VectorMeta
	SavedAt       time.Time
}

// VectorIndex is a flat exact-search index over unit vectors. One
// contiguous float32 arena holds every vector ever added; deletes
// tombstone slots instead of compacting.
type VectorIndex struct {
	mu sync.RWMutex

	path string
	dim  int

	data          []float32
	docToInternal map[string]int
	internalToDoc map[int]string
	meta          map[string]VectorMeta
	deleted       map[int]bool
	nextIndex     int

	dirty    bool
	lastSave time.Time
	closed   bool

	fileLock *flock.Flock
	log      *logging.Logger

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
}

// NewVectorIndex opens the index at path, loading any previous state.
// A positive flushInterval starts a background flusher that persists
// dirty state periodically; state is always persisted on Close.
func NewVectorIndex(path string, dimension int, flushInterval time.Duration, log *logging.Logger) (*VectorIndex, error) {
	if dimension <= 0 {
		return nil, ltmcerrors.NewInvalidInputf("vector dimension must be positive, got %d", dimension)
	}
	if log == nil {
		log = logging.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	idx := &VectorIndex{
		path:          path,
		dim:           dimension,
		docToInternal: make(map[string]int),
		internalToDoc: make(map[int]string),
		meta:          make(map[string]VectorMeta),
		deleted:       make(map[int]bool),
		fileLock:      flock.New(path + lockSuffix),
		log:           log.WithComponent("vector_index"),
		flushInterval: flushInterval,
	}

	if _, err := os.Stat(path); err == nil {
		if err := idx.load(); err != nil {
			return nil, err
		}
		idx.log.Info("vector index loaded",
			"path", path, "vectors", idx.nextIndex, "tombstones", len(idx.deleted))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat index file: %w", err)
	}

	if flushInterval > 0 {
		idx.stopFlush = make(chan struct{})
		idx.flushDone = make(chan struct{})
		go idx.flushLoop()
	}
	return idx, nil
}

func (v *VectorIndex) flushLoop() {
	defer close(v.flushDone)
	ticker := time.NewTicker(v.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.mu.RLock()
			dirty := v.dirty && !v.closed
			v.mu.RUnlock()
			if dirty {
				if err := v.Save(); err != nil {
					v.log.Error("background flush failed", "error", err)
				}
			}
		case <-v.stopFlush:
			return
		}
	}
}

// Add appends a vector under docID and validates that the exact vector
// immediately finds its own document at rank one. A failed validation
// reverses the append and surfaces as an integrity error; it is never
// swallowed. Re-adding an existing docID replaces its vector.
func (v *VectorIndex) Add(ctx context.Context, docID string, vector []float32, meta VectorMeta) (*AddResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if docID == "" {
		return nil, ltmcerrors.NewInvalidInput("document id is required")
	}
	if len(vector) != v.dim {
		return nil, ltmcerrors.NewInvalidInputf("vector dimension %d does not match index dimension %d", len(vector), v.dim)
	}

	unit := make([]float32, len(vector))
	copy(unit, vector)
	normalizeInPlace(unit)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "vector index is closed")
	}

	// Replacing an existing document tombstones its old slot first.
	if old, exists := v.docToInternal[docID]; exists {
		v.deleted[old] = true
		delete(v.internalToDoc, old)
		delete(v.docToInternal, docID)
		delete(v.meta, docID)
	}

	internal := v.nextIndex
	v.data = append(v.data, unit...)
	v.docToInternal[docID] = internal
	v.internalToDoc[internal] = docID
	v.meta[docID] = meta
	v.nextIndex = internal + 1
	v.dirty = true

	result := &AddResult{DocID: docID, InternalIndex: internal}

	hits := v.searchLocked(unit, 1)
	if len(hits) == 0 || hits[0].DocID != docID {
		// Reverse the append so a broken index state is not persisted.
		v.data = v.data[:internal*v.dim]
		delete(v.docToInternal, docID)
		delete(v.internalToDoc, internal)
		delete(v.meta, docID)
		v.nextIndex = internal

		detail := "added vector not returned by immediate search"
		if len(hits) > 0 {
			detail = fmt.Sprintf("immediate search returned %q instead of %q", hits[0].DocID, docID)
		}
		result.Validation = types.SearchValidation{ValidationPassed: false, Detail: detail}
		return result, ltmcerrors.NewIntegrity(detail)
	}

	result.Validation = types.SearchValidation{ValidationPassed: true}
	return result, nil
}

// AddBatch indexes entries in order through the same validated path as
// Add. A failure tombstones the entries already applied before
// returning, so a failed batch leaves nothing behind.
func (v *VectorIndex) AddBatch(ctx context.Context, entries []BatchEntry) ([]*AddResult, error) {
	results := make([]*AddResult, 0, len(entries))
	for i, e := range entries {
		added, err := v.Add(ctx, e.DocID, e.Vector, e.Meta)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				if derr := v.Delete(ctx, entries[j].DocID); derr != nil &&
					!ltmcerrors.IsKind(derr, ltmcerrors.KindNotFound) {
					v.log.Warn("batch reversal left a vector behind",
						"doc_id", entries[j].DocID, "error", derr)
				}
			}
			return nil, err
		}
		results = append(results, added)
	}
	return results, nil
}

// Search returns the k most similar active documents.
func (v *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]VectorResult, error) {
	return v.SearchFiltered(ctx, query, k, k, nil)
}

// SearchWithConversationFilter searches a pool widened to ten times k
// and keeps only documents tagged with the conversation id.
func (v *VectorIndex) SearchWithConversationFilter(ctx context.Context, query []float32, k int, conversationID string) ([]VectorResult, error) {
	return v.SearchFiltered(ctx, query, k, k*10, func(_ string, meta VectorMeta) bool {
		return meta.ConversationID == conversationID
	})
}

// SearchFiltered searches a pool of at least k candidates and applies
// keep to each before truncating to k. A nil keep admits everything.
func (v *VectorIndex) SearchFiltered(ctx context.Context, query []float32, k, pool int, keep func(docID string, meta VectorMeta) bool) ([]VectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ltmcerrors.NewInvalidInputf("k must be positive, got %d", k)
	}
	if len(query) != v.dim {
		return nil, ltmcerrors.NewInvalidInputf("query dimension %d does not match index dimension %d", len(query), v.dim)
	}
	if pool < k {
		pool = k
	}

	unit := make([]float32, len(query))
	copy(unit, query)
	normalizeInPlace(unit)

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "vector index is closed")
	}

	hits := v.searchLocked(unit, pool)
	if keep != nil {
		filtered := hits[:0]
		for _, h := range hits {
			if keep(h.DocID, h.Meta) {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchLocked scans every active slot. Results are ordered by
// similarity descending; exact ties prefer the newest slot so a
// just-added duplicate outranks its older copy.
func (v *VectorIndex) searchLocked(unit []float32, k int) []VectorResult {
	type scored struct {
		internal   int
		similarity float64
	}

	candidates := make([]scored, 0, len(v.internalToDoc))
	for internal := range v.internalToDoc {
		if v.deleted[internal] {
			continue
		}
		offset := internal * v.dim
		sim := dot(unit, v.data[offset:offset+v.dim])
		candidates = append(candidates, scored{internal: internal, similarity: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].internal > candidates[j].internal
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]VectorResult, 0, len(candidates))
	for _, c := range candidates {
		docID := v.internalToDoc[c.internal]
		results = append(results, VectorResult{
			DocID:      docID,
			Similarity: c.similarity,
			Meta:       v.meta[docID],
		})
	}
	return results
}

// Delete tombstones the document's slot. The vector data stays in the
// arena but is invisible to every search.
func (v *VectorIndex) Delete(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "vector index is closed")
	}
	internal, ok := v.docToInternal[docID]
	if !ok {
		return ltmcerrors.NewNotFound("vector document", docID)
	}

	v.deleted[internal] = true
	delete(v.docToInternal, docID)
	delete(v.internalToDoc, internal)
	delete(v.meta, docID)
	v.dirty = true
	return nil
}

// Save persists the blob and sidecar atomically (temp file + rename,
// both files), serialized across processes by the file lock.
func (v *VectorIndex) Save() error {
	if err := v.fileLock.Lock(); err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "acquire index file lock", err)
	}
	defer func() { _ = v.fileLock.Unlock() }()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.saveBlobLocked(); err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "persist vector blob", err)
	}
	if err := v.saveSidecarLocked(); err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "persist vector metadata", err)
	}

	v.dirty = false
	v.lastSave = time.Now().UTC()
	return nil
}

func (v *VectorIndex) saveBlobLocked() error {
	tmp := v.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}

	w := bufio.NewWriter(file)
	header := []uint32{vectorBlobMagic, vectorBlobVersion, uint32(v.dim), uint32(v.nextIndex)}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("write blob header: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, v.data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write blob data: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flush blob: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func (v *VectorIndex) saveSidecarLocked() error {
	path := v.path + metadataSuffix
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}

	sidecar := vectorSidecar{
		DocToInternal: v.docToInternal,
		InternalToDoc: v.internalToDoc,
		NextIndex:     v.nextIndex,
		Deleted:       v.deleted,
		Meta:          v.meta,
		SavedAt:       time.Now().UTC(),
	}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// load reads both files and cross-checks them.
func (v *VectorIndex) load() error {
	metaFile, err := os.Open(v.path + metadataSuffix)
	if err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "open vector metadata", err)
	}
	var sidecar vectorSidecar
	if err := gob.NewDecoder(metaFile).Decode(&sidecar); err != nil {
		_ = metaFile.Close()
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "decode vector metadata", err)
	}
	_ = metaFile.Close()

	blob, err := os.Open(v.path)
	if err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "open vector blob", err)
	}
	defer blob.Close()

	r := bufio.NewReader(blob)
	var magic, version, dim, count uint32
	for _, target := range []*uint32{&magic, &version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, target); err != nil {
			return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "read blob header", err)
		}
	}
	if magic != vectorBlobMagic {
		return ltmcerrors.NewIntegrity(fmt.Sprintf("vector blob has bad magic %#x", magic))
	}
	if version != vectorBlobVersion {
		return ltmcerrors.NewIntegrity(fmt.Sprintf("vector blob version %d not supported", version))
	}
	if int(dim) != v.dim {
		return ltmcerrors.NewIntegrity(fmt.Sprintf("vector blob dimension %d does not match configured %d", dim, v.dim))
	}
	if int(count) != sidecar.NextIndex {
		return ltmcerrors.NewIntegrity(fmt.Sprintf("vector blob count %d disagrees with metadata next index %d", count, sidecar.NextIndex))
	}

	data := make([]float32, int(count)*v.dim)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return ltmcerrors.Wrap(ltmcerrors.KindIntegrity, "read blob data", err)
	}

	v.data = data
	v.nextIndex = sidecar.NextIndex
	v.docToInternal = sidecar.DocToInternal
	v.internalToDoc = sidecar.InternalToDoc
	v.deleted = sidecar.Deleted
	v.meta = sidecar.Meta
	v.lastSave = sidecar.SavedAt
	if v.docToInternal == nil {
		v.docToInternal = make(map[string]int)
	}
	if v.internalToDoc == nil {
		v.internalToDoc = make(map[int]string)
	}
	if v.deleted == nil {
		v.deleted = make(map[int]bool)
	}
	if v.meta == nil {
		v.meta = make(map[string]VectorMeta)
	}
	return nil
}

// AllDocIDs returns every active document id.
func (v *VectorIndex) AllDocIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.docToInternal))
	for id := range v.docToInternal {
		ids = append(ids, id)
	}
	return ids
}

// GetMeta returns the metadata stored with a document.
func (v *VectorIndex) GetMeta(docID string) (VectorMeta, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	meta, ok := v.meta[docID]
	return meta, ok
}

// GetVector returns a copy of a document's stored vector.
func (v *VectorIndex) GetVector(docID string) ([]float32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	internal, ok := v.docToInternal[docID]
	if !ok || v.deleted[internal] {
		return nil, false
	}
	out := make([]float32, v.dim)
	copy(out, v.data[internal*v.dim:(internal+1)*v.dim])
	return out, true
}

// Stats reports the index state.
func (v *VectorIndex) Stats() IndexStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return IndexStats{
		TotalVectors:  v.nextIndex,
		ActiveVectors: len(v.docToInternal),
		Tombstones:    len(v.deleted),
		Dimension:     v.dim,
		NextIndex:     v.nextIndex,
		LastSave:      v.lastSave,
	}
}

// HealthCheck verifies the index is open and internally consistent.
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ltmcerrors.New(ltmcerrors.KindBackendUnavailable, "vector index is closed")
	}
	if len(v.data) != v.nextIndex*v.dim {
		return ltmcerrors.NewIntegrity(fmt.Sprintf("arena holds %d floats, expected %d", len(v.data), v.nextIndex*v.dim))
	}
	return nil
}

// Close stops the background flusher and persists any dirty state.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	dirty := v.dirty
	v.mu.Unlock()

	if v.stopFlush != nil {
		close(v.stopFlush)
		<-v.flushDone
	}

	if dirty {
		if err := v.Save(); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

var _ VectorStore = (*VectorIndex)(nil)

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
