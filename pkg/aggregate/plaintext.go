package aggregate

import (
	"fmt"

	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/merge"
	"github.com/opaque/fedknn/pkg/threshold"
	"github.com/opaque/fedknn/pkg/wire"
)

// Plaintext aggregates inside the broker.
type Plaintext struct{}

func (Plaintext) Name() string { return "plaintext" }

func (Plaintext) Begin(ciphers []encrypt.Cipher, opts Options) Round {
	return &plainRound{ciphers: ciphers, opts: opts}
}

type plainRound struct {
	ciphers []encrypt.Cipher
	opts    Options
}

func (r *plainRound) Allocate(contributions [][]byte, k int) ([][]byte, error) {
	if err := checkArity("allocate", len(contributions), len(r.ciphers)); err != nil {
		return nil, err
	}
	values := make([]float32, len(contributions))
	for i, env := range contributions {
		c, err := wire.OpenFloat32(r.ciphers[i], env)
		if err != nil {
			return nil, fmt.Errorf("silo %d contribution: %w", i, err)
		}
		values[i] = c
	}

	local := budget.Allocate(r.opts.Budget, values, k)
	out := make([][]byte, len(local))
	for i, lk := range local {
		env, err := wire.SealUint32(r.ciphers[i], uint32(lk))
		if err != nil {
			return nil, err
		}
		out[i] = env
	}
	return out, nil
}

func (r *plainRound) Refine(histograms [][]byte, k int) ([][]byte, error) {
	if err := checkArity("refine", len(histograms), len(r.ciphers)); err != nil {
		return nil, err
	}

	var radius float32
	switch r.opts.Threshold {
	case threshold.ModePriorityQueue:
		silos := make([][]bucket.Ranked, len(histograms))
		for i, env := range histograms {
			pt, err := wire.Open(r.ciphers[i], env)
			if err != nil {
				return nil, fmt.Errorf("silo %d histogram: %w", i, err)
			}
			if silos[i], err = bucket.DecodeRanked(pt, i); err != nil {
				return nil, fmt.Errorf("silo %d histogram: %w", i, err)
			}
		}
		radius = threshold.PriorityQueue(silos, k)

	default:
		silos := make([][]bucket.Bucket, len(histograms))
		for i, env := range histograms {
			pt, err := wire.Open(r.ciphers[i], env)
			if err != nil {
				return nil, fmt.Errorf("silo %d histogram: %w", i, err)
			}
			blocks, err := bucket.DecodeBlocks(pt)
			if err != nil {
				return nil, fmt.Errorf("silo %d histogram: %w", i, err)
			}
			silos[i] = bucket.Expand(blocks)
		}
		radius = threshold.BinarySearch(silos, k)
	}

	out := make([][]byte, len(r.ciphers))
	for i, c := range r.ciphers {
		env, err := wire.SealFloat32(c, radius)
		if err != nil {
			return nil, err
		}
		out[i] = env
	}
	return out, nil
}

func (r *plainRound) Select(distances [][]byte, k int) ([]int, error) {
	if err := checkArity("select", len(distances), len(r.ciphers)); err != nil {
		return nil, err
	}
	lists := make([][]float32, len(distances))
	for i, env := range distances {
		d, err := wire.OpenDistances(r.ciphers[i], env)
		if err != nil {
			return nil, fmt.Errorf("silo %d distances: %w", i, err)
		}
		lists[i] = d
	}
	return merge.Merge(lists, k).Counts, nil
}
