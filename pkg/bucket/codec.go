package bucket

import (
	"fmt"

	"github.com/opaque/fedknn/pkg/wire"
)

const (
	blockRecordSize  = 12
	rankedRecordSize = 8
)

// EncodeBlocks writes the interval encoding: a count, then per block the
// lower bound, upper bound and cumulative count.
func EncodeBlocks(blocks []Block) []byte {
	w := wire.NewWriter(4 + blockRecordSize*len(blocks))
	w.Uint32(uint32(len(blocks)))
	for _, b := range blocks {
		w.Float32(b.Lower)
		w.Float32(b.Upper)
		w.Uint32(uint32(b.Cumulative))
	}
	return w.Bytes()
}

// DecodeBlocks reads the interval encoding and rejects blocks that are out of
// order or whose cumulative counts do not increase.
func DecodeBlocks(b []byte) ([]Block, error) {
	r := wire.NewReader(b)
	n, err := r.Count(blockRecordSize)
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, n)
	for i := range blocks {
		lo, err := r.Float32()
		if err != nil {
			return nil, err
		}
		hi, err := r.Float32()
		if err != nil {
			return nil, err
		}
		cum, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if !(lo <= hi) {
			return nil, fmt.Errorf("%w: block %d bounds [%v, %v]", wire.ErrMalformed, i, lo, hi)
		}
		if i > 0 {
			prev := blocks[i-1]
			if lo < prev.Upper || uint64(cum) <= prev.Cumulative {
				return nil, fmt.Errorf("%w: block %d out of order", wire.ErrMalformed, i)
			}
		} else if cum == 0 {
			return nil, fmt.Errorf("%w: block 0 is empty", wire.ErrMalformed)
		}
		blocks[i] = Block{Lower: lo, Upper: hi, Cumulative: uint64(cum)}
	}
	return blocks, nil
}

// EncodeRanked writes the ranked encoding: a count, then per block the upper
// bound and point count.
func EncodeRanked(ranked []Ranked) []byte {
	w := wire.NewWriter(4 + rankedRecordSize*len(ranked))
	w.Uint32(uint32(len(ranked)))
	for _, r := range ranked {
		w.Float32(r.Upper)
		w.Uint32(uint32(r.Count))
	}
	return w.Bytes()
}

// DecodeRanked reads the ranked encoding and tags every record with siloID.
func DecodeRanked(b []byte, siloID int) ([]Ranked, error) {
	r := wire.NewReader(b)
	n, err := r.Count(rankedRecordSize)
	if err != nil {
		return nil, err
	}
	ranked := make([]Ranked, n)
	for i := range ranked {
		upper, err := r.Float32()
		if err != nil {
			return nil, err
		}
		count, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if upper != upper || count == 0 || (i > 0 && upper < ranked[i-1].Upper) {
			return nil, fmt.Errorf("%w: ranked bucket %d out of order", wire.ErrMalformed, i)
		}
		ranked[i] = Ranked{Upper: upper, Count: uint64(count), SiloID: siloID}
	}
	return ranked, nil
}
