package oblivious

import (
	"crypto/subtle"
	"math"
	"math/bits"
)

// Masks are 0 or all ones. Every helper here is straight-line code so the
// instruction stream does not depend on the values compared.

func boolMask(b uint32) uint32 { return 0 - (b & 1) }

// lt32 returns all ones if a < b.
func lt32(a, b uint32) uint32 {
	return boolMask(uint32((uint64(a) - uint64(b)) >> 63))
}

// lt64 returns all ones if a < b.
func lt64(a, b uint64) uint32 {
	_, borrow := bits.Sub64(a, b, 0)
	return boolMask(uint32(borrow))
}

// eq32 returns all ones if a == b.
func eq32(a, b uint32) uint32 {
	return boolMask(uint32(subtle.ConstantTimeEq(int32(a), int32(b))))
}

// sel32 returns a where m is set and b elsewhere.
func sel32(m, a, b uint32) uint32 {
	return b ^ ((a ^ b) & m)
}

// Key maps a float32 to a uint32 whose unsigned order matches the float
// order for all non-NaN values.
func Key(f float32) uint32 {
	b := math.Float32bits(f)
	m := uint32(int32(b)>>31) | 0x80000000
	return b ^ m
}

// FromKey inverts Key.
func FromKey(k uint32) float32 {
	m := uint32(int32(^k)>>31) | 0x80000000
	return math.Float32frombits(k ^ m)
}

var (
	keyZero = Key(0)
	keyOne  = Key(1)
	keyInf  = Key(float32(math.Inf(1)))
)
