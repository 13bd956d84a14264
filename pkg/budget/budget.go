// Package budget decides how many candidates each silo searches for locally.
package budget

import (
	"fmt"
	"math"
	"strings"
)

// Policy selects an allocation rule.
type Policy uint8

const (
	// Uniform asks every silo for k candidates.
	Uniform Policy = iota + 1

	// MinRatio scales each silo's budget by min(c)/c_i, where c_i is the
	// silo's estimated contribution radius. Silos with a larger radius are
	// expected to hold fewer of the global top-k and get a smaller budget.
	MinRatio
)

func (p Policy) String() string {
	switch p {
	case Uniform:
		return "uniform"
	case MinRatio:
		return "min-ratio"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses "uniform" or "min-ratio".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uniform":
		return Uniform, nil
	case "min-ratio", "minratio":
		return MinRatio, nil
	}
	return 0, fmt.Errorf("unknown budget policy %q", s)
}

// usable reports whether a contribution carries information. Zero, negative
// and NaN contributions mean the silo could not estimate.
func usable(c float32) bool {
	return c > 0
}

// Allocate returns one local budget per contribution. Every budget is at
// least 1 and at most k. If no contribution is usable the result is uniform.
func Allocate(policy Policy, contributions []float32, k int) []int {
	k = max(k, 1)
	out := make([]int, len(contributions))
	for i := range out {
		out[i] = k
	}
	if policy != MinRatio {
		return out
	}

	minC := math.Inf(1)
	for _, c := range contributions {
		if usable(c) {
			minC = math.Min(minC, float64(c))
		}
	}
	if math.IsInf(minC, 1) {
		return out
	}

	for i, c := range contributions {
		if !usable(c) {
			continue
		}
		local := int(math.Ceil(float64(k) * minC / float64(c)))
		out[i] = min(max(local, 1), k)
	}
	return out
}
