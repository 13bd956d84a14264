package crypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// KeyMaterial is the AES-128 key and IV of one broker/silo session.
type KeyMaterial struct {
	Key [16]byte
	IV  [16]byte
}

// DeriveKeyMaterial packs the low 32 bits of each shared secret, little
// endian, into a key (secrets 0-3) and an IV (secrets 4-7).
func DeriveKeyMaterial(secrets []uint64) (KeyMaterial, error) {
	if len(secrets) != Exchanges {
		return KeyMaterial{}, fmt.Errorf("%w: have %d of %d secrets", ErrIncompleteExchange, len(secrets), Exchanges)
	}
	var m KeyMaterial
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(m.Key[4*i:], uint32(secrets[i]))
		binary.LittleEndian.PutUint32(m.IV[4*i:], uint32(secrets[4+i]))
	}
	return m, nil
}

// Fingerprint returns a short identifier of the key material for log
// correlation. It does not reveal the key.
func (m KeyMaterial) Fingerprint() string {
	h := sha3.New256()
	h.Write(m.Key[:])
	h.Write(m.IV[:])
	enc := base58.Encode(h.Sum(nil))
	if len(enc) > 10 {
		enc = enc[:10]
	}
	return enc
}

// Responder is the silo side of a negotiation. It is not safe for concurrent
// use; callers hold the round lock.
type Responder struct {
	params  Params
	secrets []uint64
	rand    io.Reader
}

// NewResponder creates a responder for the given group.
func NewResponder(params Params) *Responder {
	return &Responder{params: params, rand: rand.Reader}
}

// Negotiate discards any stored secrets and returns the group.
func (r *Responder) Negotiate() Params {
	r.secrets = r.secrets[:0]
	return r.params
}

// Exchange answers one key exchange and stores the resulting secret.
func (r *Responder) Exchange(peer uint64) (uint64, error) {
	if len(r.secrets) >= Exchanges {
		return 0, ErrTooManyExchanges
	}
	ex, err := newExchange(r.params, r.rand)
	if err != nil {
		return 0, err
	}
	shared, err := ex.Shared(peer)
	if err != nil {
		return 0, err
	}
	r.secrets = append(r.secrets, shared)
	return ex.Public(), nil
}

// Ready reports whether all exchanges completed.
func (r *Responder) Ready() bool {
	return len(r.secrets) == Exchanges
}

// KeyMaterial derives the session key once all exchanges completed.
func (r *Responder) KeyMaterial() (KeyMaterial, error) {
	return DeriveKeyMaterial(r.secrets)
}

// KeyPeer is the remote side of a negotiation as seen by the broker.
type KeyPeer interface {
	NegotiateParams(ctx context.Context) (Params, error)
	ExchangeKey(ctx context.Context, public uint64) (uint64, error)
}

// Negotiate runs parameter negotiation followed by Exchanges key exchanges
// against peer and derives the session key. Any failure aborts the whole
// negotiation.
func Negotiate(ctx context.Context, peer KeyPeer) (KeyMaterial, error) {
	params, err := peer.NegotiateParams(ctx)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("negotiate params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return KeyMaterial{}, err
	}

	secrets := make([]uint64, 0, Exchanges)
	for i := 0; i < Exchanges; i++ {
		ex, err := NewExchange(params)
		if err != nil {
			return KeyMaterial{}, err
		}
		theirs, err := peer.ExchangeKey(ctx, ex.Public())
		if err != nil {
			return KeyMaterial{}, fmt.Errorf("exchange %d: %w", i, err)
		}
		shared, err := ex.Shared(theirs)
		if err != nil {
			return KeyMaterial{}, fmt.Errorf("exchange %d: %w", i, err)
		}
		secrets = append(secrets, shared)
	}
	return DeriveKeyMaterial(secrets)
}
