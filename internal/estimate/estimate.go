// Package estimate computes a silo's contribution: a radius around the query
// within which the silo expects to hold enough matching vectors, derived from
// a k-means summary of its data instead of a real search.
package estimate

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/cluster"
)

// Mode selects how contributions are produced.
type Mode uint8

const (
	// ModeCluster estimates from cluster boundaries.
	ModeCluster Mode = iota + 1
	// ModeExact reports no estimate, so the broker falls back to k.
	ModeExact
)

// NoEstimate is returned in exact mode.
const NoEstimate float32 = -1

func (m Mode) String() string {
	switch m {
	case ModeCluster:
		return "cluster"
	case ModeExact:
		return "exact"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "cluster" or "exact".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cluster":
		return ModeCluster, nil
	case "exact":
		return ModeExact, nil
	}
	return 0, fmt.Errorf("unknown estimator mode %q", s)
}

// Config configures an Estimator.
type Config struct {
	Mode     Mode
	Clusters int
	// Alpha widens the nearest-centroid distance when picking clusters.
	Alpha   float64
	Seed    int64
	MaxIter int
}

// DefaultConfig returns the defaults silos start with.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeCluster,
		Clusters: 10,
		Alpha:    0.05,
		Seed:     42,
		MaxIter:  10,
	}
}

type partition struct {
	centroid []float64
	profile  []cluster.Boundary
	members  []map[string]string
	ranges   *rangeIndex
}

// Estimator is safe for concurrent use. Build may be called again when the
// silo's data changes.
type Estimator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	parts []partition
}

// New creates an estimator with no index. Until Build runs every estimate
// is +Inf.
func New(cfg Config, logger *slog.Logger) *Estimator {
	if cfg.Mode == 0 {
		cfg.Mode = ModeCluster
	}
	if cfg.Clusters <= 0 {
		cfg.Clusters = 10
	}
	if cfg.Alpha < 0 {
		cfg.Alpha = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{cfg: cfg, logger: logger}
}

// Build clusters records and indexes each cluster's attributes.
func (e *Estimator) Build(ctx context.Context, records []store.Record) error {
	if e.cfg.Mode == ModeExact || len(records) == 0 {
		e.mu.Lock()
		e.parts = nil
		e.mu.Unlock()
		return nil
	}

	vectors := make([][]float64, len(records))
	for i, r := range records {
		vectors[i] = cluster.Float64s(r.Vector)
	}

	cfg := cluster.DefaultConfig(min(e.cfg.Clusters, len(records)))
	cfg.Seed = e.cfg.Seed
	if e.cfg.MaxIter > 0 {
		cfg.MaxIter = e.cfg.MaxIter
	}
	km := cluster.NewKMeans(cfg)
	if err := km.Fit(vectors); err != nil {
		return fmt.Errorf("cluster silo data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	profiles := km.Boundaries(vectors)
	parts := make([]partition, len(km.Centroids))
	for c := range parts {
		parts[c] = partition{centroid: km.Centroids[c], profile: profiles[c]}
	}
	for i, r := range records {
		p := &parts[km.Labels[i]]
		p.members = append(p.members, r.Attributes)
	}
	for c := range parts {
		parts[c].ranges = newRangeIndex(parts[c].members)
	}

	e.mu.Lock()
	e.parts = parts
	e.mu.Unlock()

	e.logger.Info("estimator index built",
		"records", len(records),
		"clusters", len(parts),
		"iterations", km.Iterations)
	return nil
}

// Estimate returns the contribution radius for a query. It is NoEstimate
// in exact mode and +Inf when no nearby vector matches pred.
func (e *Estimator) Estimate(query []float32, k int, pred store.Predicate) float32 {
	if e.cfg.Mode == ModeExact {
		return NoEstimate
	}
	e.mu.RLock()
	parts := e.parts
	e.mu.RUnlock()
	if len(parts) == 0 {
		return float32(math.Inf(1))
	}

	q := cluster.Float64s(query)
	dists := make([]float64, len(parts))
	nearest := math.Inf(1)
	for c, p := range parts {
		dists[c] = cluster.Distance(q, p.centroid)
		nearest = min(nearest, dists[c])
	}
	limit := nearest * (1 + e.cfg.Alpha)

	var (
		matching, members int
		maxBound          float64
		h                 = &blockHeap{}
	)
	for c, p := range parts {
		if dists[c] > limit || len(p.profile) == 0 {
			continue
		}
		matching += p.ranges.count(pred, p.members)
		members += len(p.members)
		maxBound = max(maxBound, dists[c]+p.profile[len(p.profile)-1].Bound)
		heap.Push(h, block{bound: dists[c] + p.profile[0].Bound, num: p.profile[0].Num, part: c})
	}
	if matching == 0 {
		return float32(math.Inf(1))
	}

	sel := float64(matching) / float64(members)
	target := int(math.Ceil(float64(max(k, 1)) / sel))
	if target > members {
		return float32(maxBound)
	}

	next := make([]int, len(parts))
	var radius float64
	for got := 0; got < target && h.Len() > 0; {
		b := heap.Pop(h).(block)
		radius = max(radius, b.bound)
		got += b.num
		next[b.part]++
		if prof := parts[b.part].profile; next[b.part] < len(prof) {
			heap.Push(h, block{bound: dists[b.part] + prof[next[b.part]].Bound, num: prof[next[b.part]].Num, part: b.part})
		}
	}
	return float32(radius)
}

// Mode returns the configured mode.
func (e *Estimator) Mode() Mode {
	return e.cfg.Mode
}

type block struct {
	bound float64
	num   int
	part  int
}

type blockHeap []block

func (h blockHeap) Len() int { return len(h) }
func (h blockHeap) Less(i, j int) bool {
	if h[i].bound != h[j].bound {
		return h[i].bound < h[j].bound
	}
	return h[i].part < h[j].part
}
func (h blockHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x any)   { *h = append(*h, x.(block)) }
func (h *blockHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
