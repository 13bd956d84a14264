// Package crypto implements the per-query Diffie-Hellman handshake that seeds
// every broker/silo AES session.
//
// A session key is built from Exchanges independent exchanges. The low 32 bits
// of shared secrets 0-3 become the AES-128 key and those of secrets 4-7 the IV.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/bits"
)

const (
	// DefaultPrime is the modulus silos hand out during parameter negotiation.
	DefaultPrime uint64 = 797546779

	// DefaultGenerator is the group generator paired with DefaultPrime.
	DefaultGenerator uint64 = 3

	// Exchanges is the number of key exchanges needed for one session.
	Exchanges = 8
)

var (
	// ErrInvalidParams is returned when p or g cannot form a usable group.
	ErrInvalidParams = errors.New("invalid diffie-hellman parameters")

	// ErrInvalidPublicValue is returned when a peer's public value is outside [1, p-1].
	ErrInvalidPublicValue = errors.New("invalid diffie-hellman public value")

	// ErrIncompleteExchange is returned when key material is requested before
	// all exchanges completed.
	ErrIncompleteExchange = errors.New("key exchange incomplete")

	// ErrTooManyExchanges is returned when a peer attempts more than Exchanges
	// exchanges in one negotiation.
	ErrTooManyExchanges = errors.New("too many key exchanges")
)

// Params is a negotiated group.
type Params struct {
	P uint64
	G uint64
}

// DefaultParams returns the fixed group used by silos.
func DefaultParams() Params {
	return Params{P: DefaultPrime, G: DefaultGenerator}
}

// Validate checks that p is large enough to sample exponents from and g is a
// non-trivial element.
func (p Params) Validate() error {
	if p.P < 5 {
		return fmt.Errorf("%w: p=%d", ErrInvalidParams, p.P)
	}
	if p.G < 2 || p.G >= p.P {
		return fmt.Errorf("%w: g=%d", ErrInvalidParams, p.G)
	}
	return nil
}

// ModPow computes base^exp mod m. Intermediate products are 128 bits wide,
// so the result is exact for any 64-bit modulus. m must be non-zero.
func ModPow(base, exp, m uint64) uint64 {
	if m == 1 {
		return 0
	}
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base, m)
		}
		base = mulMod(base, base, m)
		exp >>= 1
	}
	return result
}

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, m)
}

// Exchange is one side of a single Diffie-Hellman exchange.
type Exchange struct {
	params Params
	secret uint64
	public uint64
}

// NewExchange samples a private exponent uniformly from [1, p-2].
func NewExchange(params Params) (*Exchange, error) {
	return newExchange(params, rand.Reader)
}

func newExchange(params Params, r io.Reader) (*Exchange, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	n, err := rand.Int(r, new(big.Int).SetUint64(params.P-2))
	if err != nil {
		return nil, fmt.Errorf("failed to sample exponent: %w", err)
	}
	secret := n.Uint64() + 1
	return &Exchange{
		params: params,
		secret: secret,
		public: ModPow(params.G, secret, params.P),
	}, nil
}

// Public returns g^x mod p.
func (e *Exchange) Public() uint64 {
	return e.public
}

// Shared combines the peer's public value with the private exponent.
func (e *Exchange) Shared(peer uint64) (uint64, error) {
	if peer == 0 || peer >= e.params.P {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPublicValue, peer)
	}
	return ModPow(peer, e.secret, e.params.P), nil
}
