// Package merge selects the global top-k from per-silo ascending candidate
// lists with a k-way heap merge.
package merge

import "container/heap"

// Result reports how many of each silo's candidates made the global top-k.
type Result struct {
	// Counts[i] is the number of leading candidates taken from silo i.
	Counts []int

	// Distances holds the selected distances in ascending order.
	Distances []float32

	// Short is set when the silos held fewer than k candidates in total.
	Short bool
}

// Merge pops exactly k candidates across lists, or all of them if there are
// fewer. Ties are broken by lower silo index.
func Merge(lists [][]float32, k int) Result {
	picked, counts := MergeFunc(lists, k, func(a, b float32) bool { return a < b })
	return Result{
		Counts:    counts,
		Distances: picked,
		Short:     len(picked) < k,
	}
}

// MergeFunc is Merge for any element type. Each list must already be sorted
// by less. It returns the selected elements in order and the per-list counts.
func MergeFunc[T any](lists [][]T, k int, less func(a, b T) bool) ([]T, []int) {
	counts := make([]int, len(lists))
	if k <= 0 {
		return nil, counts
	}

	h := &cursorHeap[T]{less: less}
	for i, l := range lists {
		if len(l) > 0 {
			h.items = append(h.items, cursor[T]{list: i, v: l[0]})
		}
	}
	heap.Init(h)

	out := make([]T, 0, k)
	for len(out) < k && h.Len() > 0 {
		c := heap.Pop(h).(cursor[T])
		out = append(out, c.v)
		counts[c.list]++
		if next := c.pos + 1; next < len(lists[c.list]) {
			heap.Push(h, cursor[T]{list: c.list, pos: next, v: lists[c.list][next]})
		}
	}
	return out, counts
}

type cursor[T any] struct {
	list int
	pos  int
	v    T
}

type cursorHeap[T any] struct {
	items []cursor[T]
	less  func(a, b T) bool
}

func (h *cursorHeap[T]) Len() int { return len(h.items) }

func (h *cursorHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.v, b.v) {
		return true
	}
	if h.less(b.v, a.v) {
		return false
	}
	return a.list < b.list
}

func (h *cursorHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap[T]) Push(x any) { h.items = append(h.items, x.(cursor[T])) }

func (h *cursorHeap[T]) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
