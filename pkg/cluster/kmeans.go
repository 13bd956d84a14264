// Package cluster partitions a silo's vectors with k-means and summarizes
// each partition by how far its members lie from the centroid.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrNoVectors    = errors.New("no vectors provided")
	ErrTooManyParts = errors.New("more clusters than vectors")
)

// Config holds k-means configuration.
type Config struct {
	K         int     // number of clusters
	MaxIter   int     // maximum iterations (default: 10)
	Tolerance float64 // convergence tolerance (default: 1e-4)
	Seed      int64
	NumInit   int // initializations to try; lowest inertia wins
	Workers   int // parallel assignment workers (default: 4)
}

// DefaultConfig returns the configuration silos use when building their
// estimator index.
func DefaultConfig(k int) Config {
	return Config{
		K:         k,
		MaxIter:   10,
		Tolerance: 1e-4,
		Seed:      42,
		Workers:   4,
	}
}

// KMeans is a fitted clustering. Centroids and Labels are valid after Fit.
type KMeans struct {
	cfg Config

	Centroids  [][]float64
	Labels     []int
	Iterations int
	Inertia    float64
}

// NewKMeans creates a new k-means clusterer.
func NewKMeans(cfg Config) *KMeans {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 10
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &KMeans{cfg: cfg}
}

// Fit clusters vectors. With NumInit > 1 the initializations run in
// parallel and the lowest inertia is kept.
func (km *KMeans) Fit(vectors [][]float64) error {
	if len(vectors) == 0 {
		return ErrNoVectors
	}
	if km.cfg.K <= 0 || km.cfg.K > len(vectors) {
		return fmt.Errorf("%w: k=%d, n=%d", ErrTooManyParts, km.cfg.K, len(vectors))
	}

	runs := max(km.cfg.NumInit, 1)
	results := make([]*KMeans, runs)

	var wg sync.WaitGroup
	for n := range runs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cand := &KMeans{cfg: km.cfg}
			cand.fitOnce(vectors, km.cfg.Seed+int64(n))
			results[n] = cand
		}(n)
	}
	wg.Wait()

	best := results[0]
	for _, r := range results[1:] {
		if r.Inertia < best.Inertia {
			best = r
		}
	}
	km.Centroids = best.Centroids
	km.Labels = best.Labels
	km.Iterations = best.Iterations
	km.Inertia = best.Inertia
	return nil
}

func (km *KMeans) fitOnce(vectors [][]float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	km.Centroids = seedCentroids(vectors, km.cfg.K, rng)
	km.Labels = make([]int, len(vectors))

	prev := math.MaxFloat64
	for iter := range km.cfg.MaxIter {
		inertia := km.assign(vectors)
		km.Iterations = iter + 1
		km.Inertia = inertia
		if math.Abs(prev-inertia) < km.cfg.Tolerance*float64(len(vectors)) {
			return
		}
		prev = inertia
		km.update(vectors)
	}
	// labels must match the final centroids
	km.Inertia = km.assign(vectors)
}

// seedCentroids picks starting centroids with k-means++.
func seedCentroids(vectors [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(vectors[rng.Intn(len(vectors))]))

	nearest := make([]float64, len(vectors))
	for i := range nearest {
		nearest[i] = math.MaxFloat64
	}
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		var total float64
		for i, v := range vectors {
			nearest[i] = min(nearest[i], sqDist(v, last))
			total += nearest[i]
		}

		target := rng.Float64() * total
		chosen := len(vectors) - 1
		var acc float64
		for i, d := range nearest {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, clone(vectors[chosen]))
	}
	return centroids
}

// assign labels every vector with its nearest centroid and returns the
// total squared distance.
func (km *KMeans) assign(vectors [][]float64) float64 {
	workers := km.cfg.Workers
	chunk := (len(vectors) + workers - 1) / workers
	partial := make([]float64, workers)

	var wg sync.WaitGroup
	for w := range workers {
		start, end := w*chunk, min((w+1)*chunk, len(vectors))
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				c, d := km.nearest(vectors[i])
				km.Labels[i] = c
				partial[w] += d
			}
		}(w, start, end)
	}
	wg.Wait()
	return floats.Sum(partial)
}

func (km *KMeans) update(vectors [][]float64) {
	dim := len(vectors[0])
	counts := make([]int, len(km.Centroids))
	sums := make([][]float64, len(km.Centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, v := range vectors {
		counts[km.Labels[i]]++
		floats.Add(sums[km.Labels[i]], v)
	}
	for c := range sums {
		// empty clusters keep their old centroid
		if counts[c] > 0 {
			floats.Scale(1/float64(counts[c]), sums[c])
			km.Centroids[c] = sums[c]
		}
	}
}

func (km *KMeans) nearest(v []float64) (int, float64) {
	best, bestDist := 0, math.MaxFloat64
	for c, centroid := range km.Centroids {
		if d := sqDist(v, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// Predict returns the nearest centroid index for a query vector.
func (km *KMeans) Predict(query []float64) int {
	c, _ := km.nearest(query)
	return c
}

// Sizes returns the number of vectors in each cluster.
func (km *KMeans) Sizes() []int {
	sizes := make([]int, len(km.Centroids))
	for _, l := range km.Labels {
		sizes[l]++
	}
	return sizes
}

// Boundary is one block of a cluster's distance profile: Num members lie
// at most Bound from the centroid and beyond the previous block's bound.
type Boundary struct {
	Bound float64
	Num   int
}

// Boundaries summarizes every cluster's member-to-centroid distances in
// blocks of ceil(sqrt(size)) members, ascending by bound.
func (km *KMeans) Boundaries(vectors [][]float64) [][]Boundary {
	dists := make([][]float64, len(km.Centroids))
	for i, v := range vectors {
		c := km.Labels[i]
		dists[c] = append(dists[c], floats.Distance(v, km.Centroids[c], 2))
	}

	out := make([][]Boundary, len(dists))
	for c, d := range dists {
		if len(d) == 0 {
			continue
		}
		sort.Float64s(d)
		block := int(math.Ceil(math.Sqrt(float64(len(d)))))
		for start := 0; start < len(d); start += block {
			end := min(start+block, len(d))
			out[c] = append(out[c], Boundary{Bound: d[end-1], Num: end - start})
		}
	}
	return out
}

// Distance is the Euclidean distance used for clustering and queries.
func Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// Float64s widens a float32 vector.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
