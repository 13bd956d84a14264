// Package embeddings loads silo datasets: vectors in .fvecs format plus an
// optional attribute file with one "name=value,..." line per vector.
package embeddings

import (
	"fmt"

	"github.com/opaque/fedknn/internal/store"
)

// Dataset is a loaded silo dataset.
type Dataset struct {
	Name      string
	Dimension int
	Vectors   [][]float32

	// Attributes[i] is the raw attribute line of Vectors[i]. Nil when the
	// dataset has no attribute file.
	Attributes []string
}

// Len returns the number of vectors.
func (d *Dataset) Len() int {
	return len(d.Vectors)
}

// Records converts the dataset into store records with IDs 0..n-1.
func (d *Dataset) Records() ([]store.Record, error) {
	recs := make([]store.Record, len(d.Vectors))
	for i, v := range d.Vectors {
		recs[i] = store.Record{ID: int64(i), Vector: v}
		if i >= len(d.Attributes) {
			continue
		}
		attrs, err := store.ParseAttributes(d.Attributes[i])
		if err != nil {
			return nil, fmt.Errorf("attributes of vector %d: %w", i, err)
		}
		recs[i].Attributes = attrs
		recs[i].Attribute = d.Attributes[i]
	}
	return recs, nil
}

// Subset returns the first n vectors.
func (d *Dataset) Subset(n int) *Dataset {
	n = min(n, len(d.Vectors))
	sub := &Dataset{
		Name:      d.Name + "_subset",
		Dimension: d.Dimension,
		Vectors:   d.Vectors[:n],
	}
	if d.Attributes != nil {
		sub.Attributes = d.Attributes[:min(n, len(d.Attributes))]
	}
	return sub
}
