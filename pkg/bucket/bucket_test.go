package bucket

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/fedknn/pkg/wire"
)

func TestBlockSize(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 2: 2, 4: 2, 5: 3, 9: 3, 10: 4, 100: 10, 101: 11}
	for localK, want := range tests {
		assert.Equal(t, want, BlockSize(localK), "localK=%d", localK)
	}
}

func TestBuildBlocks(t *testing.T) {
	blocks := BuildBlocks([]float32{1, 2, 5}, 2)
	assert.Equal(t, []Block{
		{Lower: 1, Upper: 2, Cumulative: 2},
		{Lower: 5, Upper: 5, Cumulative: 3},
	}, blocks)

	assert.Empty(t, BuildBlocks(nil, 3))
}

func TestBuildRanked(t *testing.T) {
	ranked := BuildRanked(4, []float32{1, 2, 5}, 2)
	assert.Equal(t, []Ranked{
		{Upper: 2, Count: 2, SiloID: 4},
		{Upper: 5, Count: 1, SiloID: 4},
	}, ranked)
}

func TestExpand(t *testing.T) {
	inf := float32(math.Inf(1))
	buckets := Expand([]Block{
		{Lower: 1, Upper: 2, Cumulative: 2},
		{Lower: 5, Upper: 5, Cumulative: 3},
	})

	assert.Equal(t, []Bucket{
		{Lower: -inf, Upper: 1, Kind: Virtual},
		{Lower: 1, Upper: 2, CountAtLower: 1, CountAtUpper: 2, Kind: Real},
		{Lower: 2, Upper: 5, CountAtLower: 2, CountAtUpper: 2, Kind: Virtual},
		{Lower: 5, Upper: 5, CountAtLower: 3, CountAtUpper: 3, Kind: Real},
		{Lower: 5, Upper: inf, CountAtLower: 3, CountAtUpper: 3, Kind: Virtual},
	}, buckets)
	require.NoError(t, Validate(buckets))
	assert.Equal(t, uint64(3), Total(buckets))
}

func TestExpandEmptySilo(t *testing.T) {
	buckets := Expand(nil)
	require.Len(t, buckets, 1)
	assert.Equal(t, Virtual, buckets[0].Kind)
	assert.True(t, math.IsInf(float64(buckets[0].Lower), -1))
	assert.True(t, math.IsInf(float64(buckets[0].Upper), 1))
	assert.Zero(t, Total(buckets))
	assert.NoError(t, Validate(buckets))
}

func TestExpandTiedEdges(t *testing.T) {
	buckets := Expand(BuildBlocks([]float32{1, 3, 3, 3, 4}, 2))
	require.NoError(t, Validate(buckets))
	assert.Equal(t, uint64(5), Total(buckets))
}

func TestContains(t *testing.T) {
	r := Bucket{Lower: 1, Upper: 2, Kind: Real}
	virt := Bucket{Lower: 2, Upper: 5, Kind: Virtual}

	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.False(t, r.Contains(2.5))
	assert.False(t, virt.Contains(2))
	assert.True(t, virt.Contains(3))
	assert.False(t, virt.Contains(5))
}

func TestValidateRejectsGaps(t *testing.T) {
	buckets := Expand(BuildBlocks([]float32{1, 2, 5}, 2))
	buckets[2].Upper = 4
	assert.ErrorIs(t, Validate(buckets), ErrInvalidBuckets)

	buckets = Expand(BuildBlocks([]float32{1, 2, 5}, 2))
	buckets[3].CountAtLower = 7
	assert.ErrorIs(t, Validate(buckets), ErrInvalidBuckets)
}

func TestEncodingIsIdempotent(t *testing.T) {
	d := []float32{0.1, 0.4, 0.4, 0.9, 1.3, 2.2, 7}
	bs := BlockSize(len(d))

	a := EncodeBlocks(BuildBlocks(d, bs))
	b := EncodeBlocks(BuildBlocks(d, bs))
	assert.True(t, bytes.Equal(a, b))

	c := EncodeRanked(BuildRanked(0, d, bs))
	e := EncodeRanked(BuildRanked(0, d, bs))
	assert.True(t, bytes.Equal(c, e))
}

func TestBlocksCodec(t *testing.T) {
	blocks := BuildBlocks([]float32{0.5, 1, 1.5, 3, 3.5}, 2)
	enc := EncodeBlocks(blocks)
	require.Len(t, enc, 4+3*12)

	padded := append(enc, make([]byte, 16-len(enc)%16)...)
	got, err := DecodeBlocks(padded)
	require.NoError(t, err)
	assert.Equal(t, blocks, got)

	got, err = DecodeBlocks(EncodeBlocks(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRankedCodec(t *testing.T) {
	ranked := BuildRanked(2, []float32{0.5, 1, 1.5, 3, 3.5}, 2)
	got, err := DecodeRanked(EncodeRanked(ranked), 2)
	require.NoError(t, err)
	assert.Equal(t, ranked, got)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	enc := EncodeBlocks(BuildBlocks([]float32{1, 2, 3, 4}, 2))
	_, err := DecodeBlocks(enc[:len(enc)-4])
	assert.ErrorIs(t, err, wire.ErrMalformed)

	swapped := EncodeBlocks([]Block{{Lower: 3, Upper: 4, Cumulative: 2}, {Lower: 1, Upper: 2, Cumulative: 4}})
	_, err = DecodeBlocks(swapped)
	assert.ErrorIs(t, err, wire.ErrMalformed)

	zero := EncodeRanked([]Ranked{{Upper: 1, Count: 0}})
	_, err = DecodeRanked(zero, 0)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestEncodingString(t *testing.T) {
	assert.Equal(t, "interval", EncodingInterval.String())
	assert.Equal(t, "ranked", EncodingRanked.String())
	assert.Equal(t, "encoding(9)", Encoding(9).String())
}
