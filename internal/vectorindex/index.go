// Package vectorindex holds event embeddings in memory for cosine search
// and persists them as compressed snapshots.
//
// Vectors are L2-normalized on insert, so cosine similarity is a dot
// product. Writers are serialized by the index lock; searches share it.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyVector       = errors.New("embedding is empty or zero")
)

// Attributes are the event fields kept next to a vector for filtering and
// for detecting stale entries.
type Attributes struct {
	Checksum  string
	Model     string
	Project   string
	Branch    string
	Type      domain.EventType
	Tags      []string
	Timestamp time.Time
}

type Filter struct {
	Project string
	Branch  string
	Types   []domain.EventType
}

func (f Filter) match(a Attributes) bool {
	if f.Project != "" && a.Project != f.Project {
		return false
	}
	if f.Branch != "" && a.Branch != f.Branch {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == a.Type {
			return true
		}
	}
	return false
}

type Hit struct {
	EventID    string     `json:"eventId"`
	Similarity float64    `json:"similarity"`
	Attributes Attributes `json:"-"`
}

type entry struct {
	vector []float32
	attrs  Attributes
}

type Index struct {
	mu          sync.RWMutex
	dims        int
	entries     map[string]*entry
	store       SnapshotStore
	compression Compression
	logger      *slog.Logger
}

// New creates an empty index. store may be nil, in which case Save and
// Load are no-ops.
func New(cfg Config, store SnapshotStore, logger *slog.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		dims:        cfg.Dimensions,
		entries:     make(map[string]*entry),
		store:       store,
		compression: cfg.Compression,
		logger:      logger,
	}, nil
}

// Index adds or replaces the vector for eventID. The first vector fixes
// the dimension when none was configured.
func (x *Index) Index(eventID string, vec []float32, attrs Attributes) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	norm, err := normalize(vec)
	if err != nil {
		return err
	}
	attrs.Tags = append([]string(nil), attrs.Tags...)

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dims == 0 {
		x.dims = len(norm)
	}
	if len(norm) != x.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(norm), x.dims)
	}
	x.entries[eventID] = &entry{vector: norm, attrs: attrs}
	return nil
}

// Search returns the k entries most similar to query that pass f, highest
// similarity first with ties broken by event id.
func (x *Index) Search(query []float32, k int, f Filter) ([]Hit, error) {
	q, err := normalize(query)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries) == 0 {
		return nil, nil
	}
	if len(q) != x.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(q), x.dims)
	}
	hits := make([]Hit, 0, len(x.entries))
	for id, e := range x.entries {
		if !f.match(e.attrs) {
			continue
		}
		hits = append(hits, Hit{EventID: id, Similarity: dot(q, e.vector), Attributes: e.attrs})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].EventID < hits[j].EventID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Similarities scores the given ids against query. Ids without a vector
// are absent from the result.
func (x *Index) Similarities(query []float32, ids []string) (map[string]float64, error) {
	q, err := normalize(query)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]float64, len(ids))
	if len(x.entries) == 0 {
		return out, nil
	}
	if len(q) != x.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(q), x.dims)
	}
	for _, id := range ids {
		if e, ok := x.entries[id]; ok {
			out[id] = dot(q, e.vector)
		}
	}
	return out, nil
}

// Remove deletes ids and reports how many were present.
func (x *Index) Remove(ids ...string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := x.entries[id]; ok {
			delete(x.entries, id)
			n++
		}
	}
	return n
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Has reports whether eventID is indexed with the same checksum and model,
// meaning it does not need to be embedded again.
func (x *Index) Has(eventID, checksum, model string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[eventID]
	return ok && e.attrs.Checksum == checksum && e.attrs.Model == model
}

func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dims
}

// Save writes a snapshot of the index to the configured store.
func (x *Index) Save(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	x.mu.RLock()
	snap := x.snapshotLocked()
	x.mu.RUnlock()

	blob, err := encodeSnapshot(snap, x.compression)
	if err != nil {
		return err
	}
	if err := x.store.Write(ctx, blob); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	x.logger.Info("vector index snapshot saved", "entries", len(snap.Entries), "bytes", len(blob), "compression", x.compression.String())
	return nil
}

// Load replaces the index content with the stored snapshot. A missing
// snapshot leaves the index empty and is not an error.
func (x *Index) Load(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	blob, err := x.store.Read(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		x.logger.Info("no vector index snapshot found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := decodeSnapshot(blob)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dims != 0 && snap.Dimensions != 0 && snap.Dimensions != x.dims {
		return fmt.Errorf("%w: snapshot has %d, index has %d", ErrDimensionMismatch, snap.Dimensions, x.dims)
	}
	entries := make(map[string]*entry, len(snap.Entries))
	for _, se := range snap.Entries {
		if len(se.Vector) != snap.Dimensions {
			return fmt.Errorf("%w: entry %s has %d values", ErrDimensionMismatch, se.ID, len(se.Vector))
		}
		entries[se.ID] = &entry{vector: se.Vector, attrs: se.attributes()}
	}
	x.entries = entries
	if snap.Dimensions != 0 {
		x.dims = snap.Dimensions
	}
	x.logger.Info("vector index snapshot loaded", "entries", len(entries))
	return nil
}

func normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if len(vec) == 0 || sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrEmptyVector
	}
	n := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / n)
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
