package aggregate

import (
	"fmt"

	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/oblivious"
	"github.com/opaque/fedknn/pkg/threshold"
	"github.com/opaque/fedknn/pkg/wire"
)

// Oblivious relays envelopes to an oblivious.Aggregator. The broker never
// holds the plaintext budgets, histograms or radius.
type Oblivious struct{}

func (Oblivious) Name() string { return "oblivious" }

func (Oblivious) Begin(ciphers []encrypt.Cipher, opts Options) Round {
	return &obliviousRound{agg: oblivious.New(ciphers), ciphers: ciphers, opts: opts}
}

type obliviousRound struct {
	agg     *oblivious.Aggregator
	ciphers []encrypt.Cipher
	opts    Options
}

func (r *obliviousRound) importAll(kind oblivious.ImportKind, envelopes [][]byte) error {
	if err := checkArity(kind.String(), len(envelopes), r.agg.Silos()); err != nil {
		return err
	}
	for i, env := range envelopes {
		if err := r.agg.Import(i, kind, env); err != nil {
			return fmt.Errorf("silo %d %s: %w", i, kind, err)
		}
	}
	return nil
}

func (r *obliviousRound) Allocate(contributions [][]byte, k int) ([][]byte, error) {
	if r.opts.Budget != budget.MinRatio {
		if err := checkArity("allocate", len(contributions), len(r.ciphers)); err != nil {
			return nil, err
		}
		out := make([][]byte, len(r.ciphers))
		for i, c := range r.ciphers {
			env, err := wire.SealUint32(c, uint32(max(k, 1)))
			if err != nil {
				return nil, err
			}
			out[i] = env
		}
		return out, nil
	}

	if err := r.importAll(oblivious.ImportContribution, contributions); err != nil {
		return nil, err
	}
	if err := r.agg.JointEstimate(k); err != nil {
		return nil, err
	}
	out := make([][]byte, len(r.ciphers))
	for i := range out {
		env, err := r.agg.PrunedK(i)
		if err != nil {
			return nil, err
		}
		out[i] = env
	}
	return out, nil
}

func (r *obliviousRound) Refine(histograms [][]byte, k int) ([][]byte, error) {
	kind := oblivious.ImportBlocks
	if r.opts.Threshold == threshold.ModePriorityQueue {
		kind = oblivious.ImportRanked
	}
	if err := r.importAll(kind, histograms); err != nil {
		return nil, err
	}
	if err := r.agg.CandidateRefine(k); err != nil {
		return nil, err
	}
	out := make([][]byte, len(r.ciphers))
	for i := range out {
		env, err := r.agg.Threshold(i)
		if err != nil {
			return nil, err
		}
		out[i] = env
	}
	return out, nil
}

func (r *obliviousRound) Select(distances [][]byte, k int) ([]int, error) {
	if err := r.importAll(oblivious.ImportDistances, distances); err != nil {
		return nil, err
	}
	if err := r.agg.TopKSelect(k); err != nil {
		return nil, err
	}
	counts := make([]int, len(r.ciphers))
	for i := range counts {
		n, err := r.agg.FinalCount(i)
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	return counts, nil
}
