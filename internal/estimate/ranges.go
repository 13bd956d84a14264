package estimate

import (
	"sort"
	"strconv"

	"github.com/opaque/fedknn/internal/store"
)

// rangeIndex keeps the sorted numeric values of each attribute in a
// cluster so a single range clause is counted with two binary searches.
type rangeIndex struct {
	values map[string][]float64
}

func newRangeIndex(members []map[string]string) *rangeIndex {
	idx := &rangeIndex{values: make(map[string][]float64)}
	for _, attrs := range members {
		for name, v := range attrs {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			idx.values[name] = append(idx.values[name], f)
		}
	}
	for _, vals := range idx.values {
		sort.Float64s(vals)
	}
	return idx
}

// count returns how many members satisfy pred.
func (idx *rangeIndex) count(pred store.Predicate, members []map[string]string) int {
	if pred.Empty() {
		return len(members)
	}
	if len(pred.Clauses) == 1 && pred.Clauses[0].IsRange() {
		c := pred.Clauses[0]
		vals := idx.values[c.Name]
		lo := sort.SearchFloat64s(vals, c.Lo)
		hi := sort.Search(len(vals), func(i int) bool { return vals[i] > c.Hi })
		return hi - lo
	}

	n := 0
	for _, attrs := range members {
		if pred.Match(attrs) {
			n++
		}
	}
	return n
}
