// Package threshold finds the global radius r*: the smallest real bucket
// upper edge at which the silos together hold at least k candidates.
//
// Two solvers are provided. BinarySearch works on the expanded interval
// encoding, PriorityQueue on the ranked encoding. Given histograms built from
// the same candidate lists they return the same radius.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opaque/fedknn/pkg/bucket"
)

// Epsilon is the width at which the binary search stops probing.
const Epsilon = 1e-3

// Unbounded is returned when the silos hold fewer than k candidates in total.
var Unbounded = float32(math.Inf(1))

// IsUnbounded reports whether r is the Unbounded sentinel or NaN.
func IsUnbounded(r float32) bool {
	return math.IsInf(float64(r), 1) || r != r
}

// Mode selects a solver.
type Mode uint8

const (
	ModeBinarySearch Mode = iota + 1
	ModePriorityQueue
)

func (m Mode) String() string {
	switch m {
	case ModeBinarySearch:
		return "binary-search"
	case ModePriorityQueue:
		return "priority-queue"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Encoding returns the bucket encoding the solver consumes.
func (m Mode) Encoding() bucket.Encoding {
	if m == ModePriorityQueue {
		return bucket.EncodingRanked
	}
	return bucket.EncodingInterval
}

// ParseMode parses "binary-search" or "priority-queue".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary-search", "binary", "bs":
		return ModeBinarySearch, nil
	case "priority-queue", "pq", "heap":
		return ModePriorityQueue, nil
	}
	return 0, fmt.Errorf("unknown threshold mode %q", s)
}

// SettledCount returns how many of a silo's points are known to lie at or
// below d: the cumulative count of every real bucket whose upper edge is at
// most d. It locates the bucket containing d by binary search; points inside
// a real bucket only count once d reaches its upper edge.
func SettledCount(buckets []bucket.Bucket, d float64) uint64 {
	i := sort.Search(len(buckets), func(i int) bool {
		return float64(buckets[i].Upper) > d
	})
	if i == len(buckets) {
		return bucket.Total(buckets)
	}
	b := buckets[i]
	if b.Kind == bucket.Real {
		return b.CountAtLower - 1
	}
	return b.CountAtLower
}

// GlobalCount sums SettledCount over every silo.
func GlobalCount(silos [][]bucket.Bucket, d float64) uint64 {
	var n uint64
	for _, b := range silos {
		n += SettledCount(b, d)
	}
	return n
}

// BinarySearch probes the distance axis until the search interval is
// narrower than Epsilon, then snaps to the smallest real upper edge inside
// the final interval whose global count reaches k.
func BinarySearch(silos [][]bucket.Bucket, k int) float32 {
	want := uint64(max(k, 1))

	var total uint64
	lo, hi := 0.0, math.Inf(-1)
	for _, buckets := range silos {
		total += bucket.Total(buckets)
		for _, b := range buckets {
			if l := float64(b.Lower); !math.IsInf(l, 0) {
				lo = math.Min(lo, l)
				hi = math.Max(hi, l)
			}
			if u := float64(b.Upper); !math.IsInf(u, 0) {
				lo = math.Min(lo, u)
			}
		}
	}
	if total < want || math.IsInf(hi, -1) {
		return Unbounded
	}
	lo--
	hi++

	for hi-lo > Epsilon {
		mid := lo + (hi-lo)/2
		if mid <= lo || mid >= hi {
			break
		}
		if GlobalCount(silos, mid) >= want {
			hi = mid
		} else {
			lo = mid
		}
	}
	return snap(silos, lo, hi, want)
}

// snap returns the smallest real upper edge in (lo, hi] whose global count
// reaches want. GlobalCount(lo) < want <= GlobalCount(hi) guarantees one exists.
func snap(silos [][]bucket.Bucket, lo, hi float64, want uint64) float32 {
	var edges []float64
	for _, buckets := range silos {
		i := sort.Search(len(buckets), func(i int) bool {
			return float64(buckets[i].Upper) > lo
		})
		for ; i < len(buckets) && float64(buckets[i].Upper) <= hi; i++ {
			if buckets[i].Kind == bucket.Real {
				edges = append(edges, float64(buckets[i].Upper))
			}
		}
	}
	sort.Float64s(edges)
	for _, e := range edges {
		if GlobalCount(silos, e) >= want {
			return float32(e)
		}
	}
	return Unbounded
}
