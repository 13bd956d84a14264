// Package bucket turns a silo's sorted candidate distances into the coarse
// histograms exchanged with the broker.
//
// The interval encoding ships one Block per run of BlockSize distances; the
// broker expands it into a partition of the real line where virtual buckets
// fill the gaps. The ranked encoding ships only each block's upper bound and
// point count.
package bucket

import (
	"errors"
	"fmt"
	"math"
)

// Kind distinguishes buckets backed by observed distances from the synthetic
// buckets covering the gaps between them.
type Kind uint8

const (
	Real Kind = iota
	Virtual
)

func (k Kind) String() string {
	if k == Real {
		return "real"
	}
	return "virtual"
}

// Encoding selects which histogram form a silo produces.
type Encoding uint8

const (
	EncodingInterval Encoding = iota + 1
	EncodingRanked
)

func (e Encoding) String() string {
	switch e {
	case EncodingInterval:
		return "interval"
	case EncodingRanked:
		return "ranked"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ErrInvalidBuckets is returned when a bucket sequence does not partition the
// real line with monotone counts.
var ErrInvalidBuckets = errors.New("invalid bucket sequence")

var (
	negInf = float32(math.Inf(-1))
	posInf = float32(math.Inf(1))
)

// Bucket is one cell of a silo's partition of the distance axis.
// Real buckets are closed intervals [Lower, Upper]; virtual ones are open.
// CountAtLower is the cumulative count at the first point of a real bucket;
// CountAtUpper is the cumulative count once Upper is reached.
type Bucket struct {
	Lower        float32
	Upper        float32
	CountAtLower uint64
	CountAtUpper uint64
	Kind         Kind
}

// Contains reports whether d falls in the bucket.
func (b Bucket) Contains(d float64) bool {
	lo, hi := float64(b.Lower), float64(b.Upper)
	if b.Kind == Real {
		return lo <= d && d <= hi
	}
	return lo < d && d < hi
}

// Block is the interval-encoding wire record: the bounds of one run of
// distances and the silo-local cumulative count at its upper bound.
type Block struct {
	Lower      float32
	Upper      float32
	Cumulative uint64
}

// Ranked is the ranked-encoding record: a block's upper bound and the number
// of points in it.
type Ranked struct {
	Upper  float32
	Count  uint64
	SiloID int
}

// BlockSize returns ceil(sqrt(localK)), at least 1.
func BlockSize(localK int) int {
	if localK <= 1 {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(localK))))
}

// BuildBlocks groups ascending distances into runs of blockSize.
func BuildBlocks(distances []float32, blockSize int) []Block {
	if blockSize < 1 {
		blockSize = 1
	}
	blocks := make([]Block, 0, (len(distances)+blockSize-1)/blockSize)
	for i := 0; i < len(distances); i += blockSize {
		end := min(i+blockSize, len(distances))
		blocks = append(blocks, Block{
			Lower:      distances[i],
			Upper:      distances[end-1],
			Cumulative: uint64(end),
		})
	}
	return blocks
}

// BuildRanked groups ascending distances into runs of blockSize and reports
// each run's upper bound and size.
func BuildRanked(siloID int, distances []float32, blockSize int) []Ranked {
	if blockSize < 1 {
		blockSize = 1
	}
	ranked := make([]Ranked, 0, (len(distances)+blockSize-1)/blockSize)
	for i := 0; i < len(distances); i += blockSize {
		end := min(i+blockSize, len(distances))
		ranked = append(ranked, Ranked{
			Upper:  distances[end-1],
			Count:  uint64(end - i),
			SiloID: siloID,
		})
	}
	return ranked
}

// Expand converts blocks into a full partition of (-inf, +inf): a leading
// virtual bucket with zero count, one real bucket per block, a virtual bucket
// for every gap between blocks, and a trailing virtual bucket holding the
// total. No blocks yields the single bucket (-inf, +inf) with zero count.
func Expand(blocks []Block) []Bucket {
	if len(blocks) == 0 {
		return []Bucket{{Lower: negInf, Upper: posInf, Kind: Virtual}}
	}

	out := make([]Bucket, 0, 2*len(blocks)+1)
	out = append(out, Bucket{Lower: negInf, Upper: blocks[0].Lower, Kind: Virtual})

	var prev uint64
	for j, b := range blocks {
		if j > 0 {
			out = append(out, Bucket{
				Lower:        blocks[j-1].Upper,
				Upper:        b.Lower,
				CountAtLower: prev,
				CountAtUpper: prev,
				Kind:         Virtual,
			})
		}
		out = append(out, Bucket{
			Lower:        b.Lower,
			Upper:        b.Upper,
			CountAtLower: prev + 1,
			CountAtUpper: b.Cumulative,
			Kind:         Real,
		})
		prev = b.Cumulative
	}

	out = append(out, Bucket{
		Lower:        blocks[len(blocks)-1].Upper,
		Upper:        posInf,
		CountAtLower: prev,
		CountAtUpper: prev,
		Kind:         Virtual,
	})
	return out
}

// Total returns the silo's total point count.
func Total(buckets []Bucket) uint64 {
	if len(buckets) == 0 {
		return 0
	}
	return buckets[len(buckets)-1].CountAtUpper
}

// Validate checks that buckets partition the real line in order and that
// counts never decrease.
func Validate(buckets []Bucket) error {
	if len(buckets) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidBuckets)
	}
	if !math.IsInf(float64(buckets[0].Lower), -1) {
		return fmt.Errorf("%w: first bucket starts at %v", ErrInvalidBuckets, buckets[0].Lower)
	}
	if last := buckets[len(buckets)-1]; !math.IsInf(float64(last.Upper), 1) {
		return fmt.Errorf("%w: last bucket ends at %v", ErrInvalidBuckets, last.Upper)
	}

	var settled uint64
	for i, b := range buckets {
		if !(b.Lower <= b.Upper) {
			return fmt.Errorf("%w: bucket %d has bounds [%v, %v]", ErrInvalidBuckets, i, b.Lower, b.Upper)
		}
		if i > 0 && buckets[i-1].Upper != b.Lower {
			return fmt.Errorf("%w: gap or overlap before bucket %d", ErrInvalidBuckets, i)
		}
		switch b.Kind {
		case Real:
			if b.CountAtLower != settled+1 || b.CountAtUpper < b.CountAtLower {
				return fmt.Errorf("%w: bucket %d counts %d..%d after %d", ErrInvalidBuckets, i, b.CountAtLower, b.CountAtUpper, settled)
			}
		case Virtual:
			if b.CountAtLower != settled || b.CountAtUpper != settled {
				return fmt.Errorf("%w: virtual bucket %d counts %d..%d after %d", ErrInvalidBuckets, i, b.CountAtLower, b.CountAtUpper, settled)
			}
		default:
			return fmt.Errorf("%w: bucket %d has kind %d", ErrInvalidBuckets, i, b.Kind)
		}
		settled = b.CountAtUpper
	}
	return nil
}
