// Package store holds a silo's vectors and answers local top-k searches.
package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrDimensionMismatch is returned when a record's vector length differs
// from the store's.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// Record is one stored vector with its attributes.
type Record struct {
	ID         int64
	Vector     []float32
	Attributes map[string]string
	// Attribute is the attribute line as loaded, returned with results.
	Attribute string
}

// Candidate is a search hit. Lists of candidates are always sorted by
// ascending distance.
type Candidate struct {
	SiloID    int
	VectorID  int64
	Distance  float32
	Attribute string
	Vector    []float32
}

// LocalIndex is the interface for a silo's vector index.
type LocalIndex interface {
	// Search returns up to k records matching pred, nearest first.
	Search(ctx context.Context, query []float32, k int, pred Predicate) ([]Candidate, error)

	// Records returns every record matching pred.
	Records(ctx context.Context, pred Predicate) ([]Record, error)

	// Replace swaps the whole dataset.
	Replace(ctx context.Context, records []Record) error

	// Count returns total vector count.
	Count(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

type entry struct {
	rec Record
	vec []float64
}

// MemoryStore is a brute-force in-memory index using Euclidean distance.
type MemoryStore struct {
	siloID  int
	dim     int
	entries []entry
	byID    map[int64]int
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store whose candidates are tagged siloID.
func NewMemoryStore(siloID int) *MemoryStore {
	return &MemoryStore{
		siloID: siloID,
		byID:   make(map[int64]int),
	}
}

// Add appends records. All vectors must share one dimension.
func (s *MemoryStore) Add(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(records)
}

func (s *MemoryStore) addLocked(records []Record) error {
	for _, r := range records {
		if s.dim == 0 {
			s.dim = len(r.Vector)
		}
		if len(r.Vector) != s.dim {
			return ErrDimensionMismatch
		}
		vec := make([]float64, len(r.Vector))
		for i, v := range r.Vector {
			vec[i] = float64(v)
		}
		if i, ok := s.byID[r.ID]; ok {
			s.entries[i] = entry{rec: r, vec: vec}
			continue
		}
		s.byID[r.ID] = len(s.entries)
		s.entries = append(s.entries, entry{rec: r, vec: vec})
	}
	return nil
}

// Replace implements LocalIndex.
func (s *MemoryStore) Replace(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldEntries, oldByID, oldDim := s.entries, s.byID, s.dim
	s.entries, s.byID, s.dim = nil, make(map[int64]int, len(records)), 0
	if err := s.addLocked(records); err != nil {
		s.entries, s.byID, s.dim = oldEntries, oldByID, oldDim
		return err
	}
	return nil
}

// Search implements LocalIndex.
func (s *MemoryStore) Search(ctx context.Context, query []float32, k int, pred Predicate) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch
	}
	q := make([]float64, len(query))
	for i, v := range query {
		q[i] = float64(v)
	}

	hits := make([]Candidate, 0, min(k, len(s.entries)))
	for i, e := range s.entries {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !pred.Match(e.rec.Attributes) {
			continue
		}
		hits = append(hits, Candidate{
			SiloID:    s.siloID,
			VectorID:  e.rec.ID,
			Distance:  float32(floats.Distance(q, e.vec, 2)),
			Attribute: e.rec.Attribute,
			Vector:    e.rec.Vector,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].VectorID < hits[j].VectorID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Records implements LocalIndex.
func (s *MemoryStore) Records(ctx context.Context, pred Predicate) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		if pred.Match(e.rec.Attributes) {
			out = append(out, e.rec)
		}
	}
	return out, nil
}

// Count implements LocalIndex.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Dimension returns the vector dimension, or 0 when empty.
func (s *MemoryStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	return nil
}

// Distances extracts the distance column of a candidate list.
func Distances(c []Candidate) []float32 {
	out := make([]float32, len(c))
	for i := range c {
		out[i] = c[i].Distance
	}
	return out
}
