package threshold

import (
	"container/heap"

	"github.com/opaque/fedknn/pkg/bucket"
)

type cursor struct {
	silo int
	pos  int
	b    bucket.Ranked
}

type rankedHeap []cursor

func (h rankedHeap) Len() int { return len(h) }
func (h rankedHeap) Less(i, j int) bool {
	if h[i].b.Upper != h[j].b.Upper {
		return h[i].b.Upper < h[j].b.Upper
	}
	return h[i].silo < h[j].silo
}
func (h rankedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rankedHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *rankedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PriorityQueue merges the per-silo ranked histograms in order of upper
// bound and stops as soon as the running count reaches k. The last popped
// upper bound is the radius.
func PriorityQueue(silos [][]bucket.Ranked, k int) float32 {
	want := uint64(max(k, 1))

	h := make(rankedHeap, 0, len(silos))
	for i, ranked := range silos {
		if len(ranked) > 0 {
			h = append(h, cursor{silo: i, b: ranked[0]})
		}
	}
	heap.Init(&h)

	var running uint64
	for h.Len() > 0 {
		c := heap.Pop(&h).(cursor)
		running += c.b.Count
		if running >= want {
			return c.b.Upper
		}
		if next := c.pos + 1; next < len(silos[c.silo]) {
			heap.Push(&h, cursor{silo: c.silo, pos: next, b: silos[c.silo][next]})
		}
	}
	return Unbounded
}
