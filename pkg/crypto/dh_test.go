package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModPow(t *testing.T) {
	tests := []struct {
		base, exp, mod, want uint64
	}{
		{5, 6, 23, 8},
		{5, 15, 23, 19},
		{19, 6, 23, 2},
		{8, 15, 23, 2},
		{3, 0, 797546779, 1},
		{7, 1, 1, 0},
		{2, 64, 1<<63 + 25, ModPow(ModPow(2, 32, 1<<63+25), 2, 1<<63+25)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModPow(tt.base, tt.exp, tt.mod), "%d^%d mod %d", tt.base, tt.exp, tt.mod)
	}
}

func TestExchangeSmallGroup(t *testing.T) {
	params := Params{P: 23, G: 5}
	alice := &Exchange{params: params, secret: 6, public: ModPow(5, 6, 23)}
	bob := &Exchange{params: params, secret: 15, public: ModPow(5, 15, 23)}

	require.Equal(t, uint64(8), alice.Public())
	require.Equal(t, uint64(19), bob.Public())

	sa, err := alice.Shared(bob.Public())
	require.NoError(t, err)
	sb, err := bob.Shared(alice.Public())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sa)
	assert.Equal(t, sa, sb)
}

func TestExchangeRandomAgreement(t *testing.T) {
	for _, params := range []Params{{P: 23, G: 5}, DefaultParams()} {
		for i := 0; i < 50; i++ {
			a, err := NewExchange(params)
			require.NoError(t, err)
			b, err := NewExchange(params)
			require.NoError(t, err)

			require.GreaterOrEqual(t, a.secret, uint64(1))
			require.LessOrEqual(t, a.secret, params.P-2)

			sa, err := a.Shared(b.Public())
			require.NoError(t, err)
			sb, err := b.Shared(a.Public())
			require.NoError(t, err)
			require.Equal(t, sa, sb)
		}
	}
}

func TestExchangeRejectsOutOfRangePeer(t *testing.T) {
	ex, err := NewExchange(DefaultParams())
	require.NoError(t, err)

	_, err = ex.Shared(0)
	assert.ErrorIs(t, err, ErrInvalidPublicValue)
	_, err = ex.Shared(DefaultPrime)
	assert.ErrorIs(t, err, ErrInvalidPublicValue)
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
	assert.ErrorIs(t, Params{P: 3, G: 2}.Validate(), ErrInvalidParams)
	assert.ErrorIs(t, Params{P: 23, G: 1}.Validate(), ErrInvalidParams)
	assert.ErrorIs(t, Params{P: 23, G: 23}.Validate(), ErrInvalidParams)
}

func TestDeriveKeyMaterial(t *testing.T) {
	secrets := []uint64{
		0x1_0403_0201, 0x0807_0605, 0x0c0b_0a09, 0x100f_0e0d,
		0x1413_1211, 0x1817_1615, 0x1c1b_1a19, 0x201f_1e1d,
	}
	m, err := DeriveKeyMaterial(secrets)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i+1), m.Key[i], "key byte %d", i)
		assert.Equal(t, byte(i+17), m.IV[i], "iv byte %d", i)
	}

	_, err = DeriveKeyMaterial(secrets[:7])
	assert.ErrorIs(t, err, ErrIncompleteExchange)
}

func TestFingerprintStable(t *testing.T) {
	var a, b KeyMaterial
	b.Key[0] = 1

	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 10)
}

type responderPeer struct {
	r        *Responder
	failAt   int
	exchange int
}

func (p *responderPeer) NegotiateParams(context.Context) (Params, error) {
	return p.r.Negotiate(), nil
}

func (p *responderPeer) ExchangeKey(_ context.Context, public uint64) (uint64, error) {
	p.exchange++
	if p.failAt > 0 && p.exchange == p.failAt {
		return 0, errors.New("connection reset")
	}
	return p.r.Exchange(public)
}

func TestNegotiateAgreesWithResponder(t *testing.T) {
	peer := &responderPeer{r: NewResponder(DefaultParams())}

	brokerSide, err := Negotiate(context.Background(), peer)
	require.NoError(t, err)
	require.True(t, peer.r.Ready())

	siloSide, err := peer.r.KeyMaterial()
	require.NoError(t, err)
	assert.Equal(t, brokerSide, siloSide)
	assert.Equal(t, Exchanges, peer.exchange)
}

func TestNegotiateFreshKeysPerRound(t *testing.T) {
	peer := &responderPeer{r: NewResponder(DefaultParams())}

	first, err := Negotiate(context.Background(), peer)
	require.NoError(t, err)
	second, err := Negotiate(context.Background(), peer)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestNegotiateAbortsOnPeerFailure(t *testing.T) {
	peer := &responderPeer{r: NewResponder(DefaultParams()), failAt: 3}

	_, err := Negotiate(context.Background(), peer)
	require.Error(t, err)
	assert.False(t, peer.r.Ready())
}

func TestResponderLimitsExchanges(t *testing.T) {
	r := NewResponder(Params{P: 23, G: 5})
	r.Negotiate()
	for i := 0; i < Exchanges; i++ {
		_, err := r.Exchange(4)
		require.NoError(t, err)
	}
	_, err := r.Exchange(4)
	assert.ErrorIs(t, err, ErrTooManyExchanges)

	r.Negotiate()
	assert.False(t, r.Ready())
	_, err = r.KeyMaterial()
	assert.ErrorIs(t, err, ErrIncompleteExchange)
}
