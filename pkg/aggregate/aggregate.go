// Package aggregate selects how the broker turns silo envelopes into budgets,
// a radius and final counts. The plaintext strategy opens envelopes in the
// broker process; the oblivious strategy hands them to an oblivious.Aggregator
// so that only data-independent code touches the plaintext.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/threshold"
)

// Options are the per-query algorithm choices.
type Options struct {
	Threshold threshold.Mode
	Budget    budget.Policy
}

// Strategy creates per-query rounds.
type Strategy interface {
	// Name identifies the strategy in config and logs.
	Name() string

	// Begin starts a round over the given per-silo session ciphers.
	Begin(ciphers []encrypt.Cipher, opts Options) Round
}

// Round carries one query through the three aggregation steps. Every slice is
// indexed by silo.
type Round interface {
	// Allocate takes sealed contributions and returns sealed local budgets.
	Allocate(contributions [][]byte, k int) ([][]byte, error)

	// Refine takes sealed histograms and returns the sealed global radius.
	Refine(histograms [][]byte, k int) ([][]byte, error)

	// Select takes sealed pruned distance lists and returns how many of each
	// silo's candidates belong to the global top-k.
	Select(distances [][]byte, k int) ([]int, error)
}

// New returns the strategy registered under name: "plaintext" or "oblivious".
func New(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "plaintext", "plain":
		return Plaintext{}, nil
	case "oblivious", "enclave":
		return Oblivious{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation strategy %q", name)
}

func checkArity(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d envelopes for %d silos", what, got, want)
	}
	return nil
}
