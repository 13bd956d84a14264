package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opaque/fedknn/internal/estimate"
	"github.com/opaque/fedknn/internal/session"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/crypto"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/threshold"
	"github.com/opaque/fedknn/pkg/wire"
)

type peer struct {
	svc   *SiloService
	round string
}

func (p peer) NegotiateParams(ctx context.Context) (crypto.Params, error) {
	return p.svc.NegotiateParams(ctx, p.round)
}

func (p peer) ExchangeKey(ctx context.Context, public uint64) (uint64, error) {
	return p.svc.ExchangeKey(ctx, p.round, public)
}

func newTestService(t *testing.T, est *estimate.Estimator, records ...store.Record) *SiloService {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SiloID = 3
	svc, err := New(cfg, store.NewMemoryStore(cfg.SiloID), est, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := svc.Reload(context.Background(), records); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	return svc
}

func line(dists ...float32) []store.Record {
	recs := make([]store.Record, len(dists))
	for i, d := range dists {
		recs[i] = store.Record{ID: int64(i + 10), Vector: []float32{d}, Attribute: "n=" + string(rune('a'+i))}
	}
	return recs
}

func keyed(t *testing.T, svc *SiloService, round string) encrypt.Cipher {
	t.Helper()
	km, err := crypto.Negotiate(context.Background(), peer{svc, round})
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	c, err := encrypt.FromKeyMaterial(km)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return c
}

func TestRoundLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, line(5, 1, 2)...)
	c := keyed(t, svc, "r1")

	env, err := svc.EstimateContribution(ctx, "r1", []float32{0}, 2, "")
	if err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}
	if v, err := wire.OpenFloat32(c, env); err != nil || v != estimate.NoEstimate {
		t.Fatalf("contribution = %v, %v; want NoEstimate", v, err)
	}

	budget, _ := wire.SealUint32(c, 3)
	env, err = svc.ExchangeBuckets(ctx, "r1", budget, bucket.EncodingInterval)
	if err != nil {
		t.Fatalf("ExchangeBuckets failed: %v", err)
	}
	payload, err := wire.Open(c, env)
	if err != nil {
		t.Fatalf("open buckets: %v", err)
	}
	blocks, err := bucket.DecodeBlocks(payload)
	if err != nil {
		t.Fatalf("decode buckets: %v", err)
	}
	want := []bucket.Block{{Lower: 1, Upper: 2, Cumulative: 2}, {Lower: 5, Upper: 5, Cumulative: 3}}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks, want %d", len(blocks), len(want))
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}

	radius, _ := wire.SealFloat32(c, 2)
	env, err = svc.BroadcastRadius(ctx, "r1", radius)
	if err != nil {
		t.Fatalf("BroadcastRadius failed: %v", err)
	}
	dists, err := wire.OpenDistances(c, env)
	if err != nil || len(dists) != 2 || dists[0] != 1 || dists[1] != 2 {
		t.Fatalf("pruned distances = %v, %v", dists, err)
	}

	if err := svc.SendFinalCount(ctx, "r1", 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("count above pruned should fail, got %v", err)
	}
	if err := svc.SendFinalCount(ctx, "r1", 1); err != nil {
		t.Fatalf("SendFinalCount failed: %v", err)
	}

	res, err := svc.Results(ctx, "r1")
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(res) != 1 || res[0].VectorID != 11 || res[0].Distance != 1 {
		t.Errorf("unexpected results %+v", res)
	}
	if _, err := svc.Results(ctx, "r1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("round should be gone after results, got %v", err)
	}
	if st := svc.Stats(ctx); st.CompletedRounds != 1 || st.ActiveRounds != 0 || st.Vectors != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRankedAndUnboundedRadius(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, line(1, 2, 3, 4)...)
	c := keyed(t, svc, "r2")

	if _, err := svc.EstimateContribution(ctx, "r2", []float32{0}, 4, ""); err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}
	budget, _ := wire.SealUint32(c, 4)
	env, err := svc.ExchangeBuckets(ctx, "r2", budget, bucket.EncodingRanked)
	if err != nil {
		t.Fatalf("ExchangeBuckets failed: %v", err)
	}
	payload, _ := wire.Open(c, env)
	ranked, err := bucket.DecodeRanked(payload, 3)
	if err != nil {
		t.Fatalf("decode ranked: %v", err)
	}
	if len(ranked) != 2 || ranked[0].Upper != 2 || ranked[0].Count != 2 || ranked[1].Upper != 4 {
		t.Errorf("unexpected ranked buckets %+v", ranked)
	}

	radius, _ := wire.SealFloat32(c, threshold.Unbounded)
	env, err = svc.BroadcastRadius(ctx, "r2", radius)
	if err != nil {
		t.Fatalf("BroadcastRadius failed: %v", err)
	}
	if d, _ := wire.OpenDistances(c, env); len(d) != 4 {
		t.Errorf("unbounded radius kept %d candidates, want 4", len(d))
	}

	nan, _ := wire.SealFloat32(c, float32(math.NaN()))
	if _, err := svc.BroadcastRadius(ctx, "r2", nan); !errors.Is(err, ErrPhaseOrder) {
		t.Errorf("second radius should be out of order, got %v", err)
	}
}

func TestEmptySilo(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, estimate.New(estimate.DefaultConfig(), nil))
	c := keyed(t, svc, "r3")

	env, err := svc.EstimateContribution(ctx, "r3", []float32{0, 0}, 5, "")
	if err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}
	if v, _ := wire.OpenFloat32(c, env); !math.IsInf(float64(v), 1) {
		t.Errorf("empty silo contribution = %v, want +Inf", v)
	}

	budget, _ := wire.SealUint32(c, 5)
	env, err = svc.ExchangeBuckets(ctx, "r3", budget, bucket.EncodingInterval)
	if err != nil {
		t.Fatalf("ExchangeBuckets failed: %v", err)
	}
	payload, _ := wire.Open(c, env)
	if blocks, err := bucket.DecodeBlocks(payload); err != nil || len(blocks) != 0 {
		t.Errorf("empty silo blocks = %v, %v", blocks, err)
	}

	radius, _ := wire.SealFloat32(c, 1)
	env, err = svc.BroadcastRadius(ctx, "r3", radius)
	if err != nil {
		t.Fatalf("BroadcastRadius failed: %v", err)
	}
	if d, err := wire.OpenDistances(c, env); err != nil || len(d) != 0 {
		t.Errorf("empty silo distances = %v, %v", d, err)
	}
	if err := svc.SendFinalCount(ctx, "r3", 0); err != nil {
		t.Fatalf("SendFinalCount failed: %v", err)
	}
	if res, err := svc.Results(ctx, "r3"); err != nil || len(res) != 0 {
		t.Errorf("empty silo results = %v, %v", res, err)
	}
}

func TestPhaseOrder(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, line(1)...)

	if _, err := svc.EstimateContribution(ctx, "missing", []float32{0}, 1, ""); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	if _, err := svc.NegotiateParams(ctx, "r4"); err != nil {
		t.Fatalf("NegotiateParams failed: %v", err)
	}
	if _, err := svc.EstimateContribution(ctx, "r4", []float32{0}, 1, ""); !errors.Is(err, ErrPhaseOrder) {
		t.Errorf("estimate before keying should be out of order, got %v", err)
	}
	if err := svc.SendFinalCount(ctx, "r4", 0); !errors.Is(err, ErrPhaseOrder) {
		t.Errorf("final count before pruning should be out of order, got %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, line(1, 2)...)
	c := keyed(t, svc, "r5")

	if _, err := svc.EstimateContribution(ctx, "r5", []float32{0}, 0, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("k=0 should be invalid, got %v", err)
	}
	if _, err := svc.EstimateContribution(ctx, "r5", []float32{0}, 1, "color = red"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad predicate should be invalid, got %v", err)
	}
	if _, err := svc.EstimateContribution(ctx, "r5", []float32{0}, 1, ""); err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}

	if _, err := svc.ExchangeBuckets(ctx, "r5", []byte{1, 2, 3}, bucket.EncodingInterval); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("short envelope should be malformed, got %v", err)
	}
	zero, _ := wire.SealUint32(c, 0)
	if _, err := svc.ExchangeBuckets(ctx, "r5", zero, bucket.EncodingInterval); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("zero budget should be malformed, got %v", err)
	}
	if _, err := svc.ExchangeBuckets(ctx, "r5", zero, bucket.Encoding(9)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown encoding should be invalid, got %v", err)
	}
}

func TestRenegotiateResetsRound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, line(1, 2)...)
	first := keyed(t, svc, "r6")
	if _, err := svc.EstimateContribution(ctx, "r6", []float32{0}, 1, ""); err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}

	second := keyed(t, svc, "r6")
	env, err := svc.EstimateContribution(ctx, "r6", []float32{0}, 1, "")
	if err != nil {
		t.Fatalf("EstimateContribution after renegotiation failed: %v", err)
	}
	if _, err := wire.OpenFloat32(second, env); err != nil {
		t.Errorf("new key should open envelope: %v", err)
	}
	if v, err := wire.OpenFloat32(first, env); err == nil && v == estimate.NoEstimate {
		t.Error("old key should not recover the contribution")
	}
}

func TestActiveRoundOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RoundTTL = 120 * time.Millisecond
	svc, err := New(cfg, store.NewMemoryStore(0), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := svc.Reload(ctx, line(1, 2, 3)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	c := keyed(t, svc, "slow")

	step := 50 * time.Millisecond
	time.Sleep(step)
	if _, err := svc.EstimateContribution(ctx, "slow", []float32{0}, 2, ""); err != nil {
		t.Fatalf("EstimateContribution failed: %v", err)
	}
	time.Sleep(step)
	budget, _ := wire.SealUint32(c, 2)
	if _, err := svc.ExchangeBuckets(ctx, "slow", budget, bucket.EncodingInterval); err != nil {
		t.Fatalf("ExchangeBuckets failed: %v", err)
	}
	time.Sleep(step)
	radius, _ := wire.SealFloat32(c, 2)
	if _, err := svc.BroadcastRadius(ctx, "slow", radius); err != nil {
		t.Fatalf("BroadcastRadius %v after the round opened: %v", 3*step, err)
	}
}

func TestReloadDeduplicatesIDs(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	recs := []store.Record{
		{ID: 1, Vector: []float32{1}},
		{ID: 1, Vector: []float32{2}},
		{ID: 2, Vector: []float32{3}},
	}
	if err := svc.Reload(ctx, recs); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if st := svc.Stats(ctx); st.Vectors != 2 {
		t.Errorf("vectors = %d, want 2", st.Vectors)
	}
}
