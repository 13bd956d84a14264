package budget

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniform(t *testing.T) {
	assert.Equal(t, []int{10, 10, 10}, Allocate(Uniform, []float32{1, 2, 3}, 10))
	assert.Equal(t, []int{1}, Allocate(Uniform, []float32{1}, 0))
}

func TestMinRatio(t *testing.T) {
	got := Allocate(MinRatio, []float32{1, 2, 4, 3}, 10)
	assert.Equal(t, []int{10, 5, 3, 4}, got)
}

func TestMinRatioUnknownContributions(t *testing.T) {
	nan := float32(math.NaN())
	got := Allocate(MinRatio, []float32{2, 0, -1, nan, 4}, 8)
	assert.Equal(t, []int{8, 8, 8, 8, 4}, got)
}

func TestMinRatioInfiniteContribution(t *testing.T) {
	inf := float32(math.Inf(1))
	got := Allocate(MinRatio, []float32{1, inf}, 50)
	assert.Equal(t, []int{50, 1}, got)
}

func TestMinRatioNoUsableContribution(t *testing.T) {
	got := Allocate(MinRatio, []float32{-1, -1}, 5)
	assert.Equal(t, []int{5, 5}, got)
}

func TestMinRatioNeverBelowOne(t *testing.T) {
	got := Allocate(MinRatio, []float32{0.001, 1000}, 3)
	assert.Equal(t, []int{3, 1}, got)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("min-ratio")
	require.NoError(t, err)
	assert.Equal(t, MinRatio, p)
	assert.Equal(t, "uniform", Uniform.String())

	_, err = ParsePolicy("greedy")
	assert.Error(t, err)
}
