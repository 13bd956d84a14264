package merge

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeThreeSilos(t *testing.T) {
	res := Merge([][]float32{{1, 2, 5}, {1.5, 3}, {4}}, 4)

	assert.Equal(t, []int{2, 2, 0}, res.Counts)
	assert.Equal(t, []float32{1, 1.5, 2, 3}, res.Distances)
	assert.False(t, res.Short)
}

func TestMergeShort(t *testing.T) {
	res := Merge([][]float32{{1}, nil, {2}}, 5)

	assert.Equal(t, []int{1, 0, 1}, res.Counts)
	assert.Equal(t, []float32{1, 2}, res.Distances)
	assert.True(t, res.Short)
}

func TestMergeTiesPreferLowerSilo(t *testing.T) {
	res := Merge([][]float32{{2}, {1, 2}}, 2)
	assert.Equal(t, []int{1, 1}, res.Counts)
}

func TestMergeZeroK(t *testing.T) {
	res := Merge([][]float32{{1}}, 0)
	assert.Equal(t, []int{0}, res.Counts)
	assert.Empty(t, res.Distances)
}

func TestMergeCountsSumToK(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 200; trial++ {
		lists := make([][]float32, 1+rng.Intn(6))
		var all []float32
		for i := range lists {
			l := make([]float32, rng.Intn(12))
			for j := range l {
				l[j] = rng.Float32()
			}
			sort.Slice(l, func(a, b int) bool { return l[a] < l[b] })
			lists[i] = l
			all = append(all, l...)
		}
		sort.Slice(all, func(a, b int) bool { return all[a] < all[b] })
		k := 1 + rng.Intn(len(all)+2)

		res := Merge(lists, k)

		sum := 0
		for _, c := range res.Counts {
			sum += c
		}
		require.Equal(t, min(k, len(all)), sum)
		require.Len(t, res.Distances, sum)
		for i, d := range res.Distances {
			require.Equal(t, all[i], d)
		}
		require.Equal(t, k > len(all), res.Short)
	}
}

type item struct {
	dist float32
	id   string
}

func TestMergeFuncKeepsListOrder(t *testing.T) {
	lists := [][]item{
		{{1, "a0"}, {1, "a1"}, {3, "a2"}},
		{{1, "b0"}, {2, "b1"}},
	}
	got, counts := MergeFunc(lists, 4, func(a, b item) bool { return a.dist < b.dist })

	ids := make([]string, len(got))
	for i, it := range got {
		ids[i] = it.id
	}
	assert.Equal(t, []string{"a0", "a1", "b0", "b1"}, ids)
	assert.Equal(t, []int{2, 2}, counts)
}
