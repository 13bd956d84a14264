// Package service implements the silo side of the federated search
// protocol. It is transport independent; pkg/grpcserver exposes it over gRPC.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
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

var (
	ErrPhaseOrder      = errors.New("protocol phase out of order")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Config holds silo service configuration.
type Config struct {
	SiloID int

	// Params is the Diffie-Hellman group offered to brokers.
	Params crypto.Params

	// RoundTTL bounds how long an abandoned round is kept.
	RoundTTL time.Duration

	// MaxLocalK caps the local budget a broker may request.
	MaxLocalK int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Params:    crypto.DefaultParams(),
		RoundTTL:  5 * time.Minute,
		MaxLocalK: 1 << 20,
	}
}

// Stats is a snapshot of the silo's activity.
type Stats struct {
	ActiveRounds    int
	CompletedRounds int64
	Vectors         int64
}

// SiloService answers one broker round at a time per round ID. Different
// rounds proceed concurrently.
type SiloService struct {
	cfg       Config
	index     store.LocalIndex
	estimator *estimate.Estimator
	rounds    *session.Manager
	logger    *slog.Logger

	completed atomic.Int64
}

// New creates a silo service over index. A nil estimator makes every
// contribution estimate.NoEstimate.
func New(cfg Config, index store.LocalIndex, est *estimate.Estimator, logger *slog.Logger) (*SiloService, error) {
	if cfg.Params == (crypto.Params{}) {
		cfg.Params = crypto.DefaultParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLocalK <= 0 {
		cfg.MaxLocalK = DefaultConfig().MaxLocalK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SiloService{
		cfg:       cfg,
		index:     index,
		estimator: est,
		rounds:    session.NewManager(cfg.RoundTTL),
		logger:    logger.With("silo", cfg.SiloID),
	}, nil
}

// SiloID returns the configured silo ID.
func (s *SiloService) SiloID() int {
	return s.cfg.SiloID
}

// Reload replaces the silo's data and rebuilds the estimator index from
// what the index holds afterwards. Records sharing an ID collapse to the
// last one.
func (s *SiloService) Reload(ctx context.Context, records []store.Record) error {
	if err := s.index.Replace(ctx, records); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	loaded, err := s.index.Records(ctx, store.Predicate{})
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	if s.estimator != nil {
		if err := s.estimator.Build(ctx, loaded); err != nil {
			return fmt.Errorf("build estimator: %w", err)
		}
	}
	s.logger.Info("silo data loaded", "vectors", len(loaded))
	return nil
}

// Stats returns activity counters.
func (s *SiloService) Stats(ctx context.Context) Stats {
	n, _ := s.index.Count(ctx)
	return Stats{
		ActiveRounds:    s.rounds.Count(),
		CompletedRounds: s.completed.Load(),
		Vectors:         n,
	}
}

// Close releases the round manager.
func (s *SiloService) Close() {
	s.rounds.Close()
}

// lock returns the round locked, provided it completed the want phase.
func (s *SiloService) lock(roundID string, want session.Phase) (*session.Round, error) {
	r, err := s.rounds.Get(roundID)
	if err != nil {
		return nil, err
	}
	r.Lock()
	if r.Phase != want {
		got := r.Phase
		r.Unlock()
		return nil, fmt.Errorf("%w: round %s is %s, expected %s", ErrPhaseOrder, roundID, got, want)
	}
	if err := s.rounds.Refresh(roundID); err != nil {
		r.Unlock()
		return nil, err
	}
	return r, nil
}

// NegotiateParams opens (or restarts) a round and returns the group.
func (s *SiloService) NegotiateParams(ctx context.Context, roundID string) (crypto.Params, error) {
	if _, err := s.rounds.Open(roundID, s.cfg.Params); err != nil {
		return crypto.Params{}, err
	}
	s.logger.Debug("round opened", "round", roundID)
	return s.cfg.Params, nil
}

// ExchangeKey answers one key exchange. After the last exchange the
// round's cipher is ready.
func (s *SiloService) ExchangeKey(ctx context.Context, roundID string, public uint64) (uint64, error) {
	r, err := s.lock(roundID, session.PhaseNegotiated)
	if err != nil {
		return 0, err
	}
	defer r.Unlock()

	mine, err := r.Responder.Exchange(public)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if !r.Responder.Ready() {
		return mine, nil
	}

	km, err := r.Responder.KeyMaterial()
	if err != nil {
		return 0, err
	}
	c, err := encrypt.FromKeyMaterial(km)
	if err != nil {
		return 0, err
	}
	r.Cipher = c
	r.Phase = session.PhaseKeyed
	s.logger.Debug("round keyed", "round", roundID, "key", km.Fingerprint())
	return mine, nil
}

// EstimateContribution records the query and returns the sealed
// contribution estimate.
func (s *SiloService) EstimateContribution(ctx context.Context, roundID string, query []float32, k int, predicate string) ([]byte, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	pred, err := store.ParsePredicate(predicate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	r, err := s.lock(roundID, session.PhaseKeyed)
	if err != nil {
		return nil, err
	}
	defer r.Unlock()

	contribution := estimate.NoEstimate
	if s.estimator != nil {
		contribution = s.estimator.Estimate(query, k, pred)
	}
	env, err := wire.SealFloat32(r.Cipher, contribution)
	if err != nil {
		return nil, err
	}

	r.Query = append([]float32(nil), query...)
	r.K = k
	r.Predicate = pred
	r.Phase = session.PhaseEstimated
	s.logger.Debug("contribution estimated", "round", roundID, "k", k, "contribution", contribution)
	return env, nil
}

// ExchangeBuckets runs the local search with the sealed budget and returns
// the sealed bucket histogram of the candidate distances.
func (s *SiloService) ExchangeBuckets(ctx context.Context, roundID string, envelope []byte, enc bucket.Encoding) ([]byte, error) {
	if enc != bucket.EncodingInterval && enc != bucket.EncodingRanked {
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrInvalidArgument, enc)
	}

	r, err := s.lock(roundID, session.PhaseEstimated)
	if err != nil {
		return nil, err
	}
	defer r.Unlock()

	localK, err := wire.OpenUint32(r.Cipher, envelope)
	if err != nil {
		return nil, err
	}
	if localK == 0 || int(localK) > s.cfg.MaxLocalK {
		return nil, fmt.Errorf("%w: local budget %d out of range", wire.ErrMalformed, localK)
	}

	cands, err := s.index.Search(ctx, r.Query, int(localK), r.Predicate)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}

	dists := store.Distances(cands)
	size := bucket.BlockSize(int(localK))
	var payload []byte
	if enc == bucket.EncodingRanked {
		payload = bucket.EncodeRanked(bucket.BuildRanked(s.cfg.SiloID, dists, size))
	} else {
		payload = bucket.EncodeBlocks(bucket.BuildBlocks(dists, size))
	}
	env, err := wire.Seal(r.Cipher, payload)
	if err != nil {
		return nil, err
	}

	r.Candidates = cands
	r.LocalK = int(localK)
	r.Phase = session.PhaseBucketed
	s.logger.Debug("buckets built", "round", roundID, "local_k", localK, "candidates", len(cands), "encoding", enc)
	return env, nil
}

// BroadcastRadius keeps the candidates within the sealed radius and returns
// their sealed distances. An unbounded radius keeps every candidate.
func (s *SiloService) BroadcastRadius(ctx context.Context, roundID string, envelope []byte) ([]byte, error) {
	r, err := s.lock(roundID, session.PhaseBucketed)
	if err != nil {
		return nil, err
	}
	defer r.Unlock()

	radius, err := wire.OpenFloat32(r.Cipher, envelope)
	if err != nil {
		return nil, err
	}

	n := len(r.Candidates)
	if !threshold.IsUnbounded(radius) {
		n = 0
		for n < len(r.Candidates) && r.Candidates[n].Distance <= radius {
			n++
		}
	}
	env, err := wire.SealDistances(r.Cipher, store.Distances(r.Candidates[:n]))
	if err != nil {
		return nil, err
	}

	r.Pruned = n
	r.Phase = session.PhasePruned
	s.logger.Debug("candidates pruned", "round", roundID, "radius", radius, "kept", n)
	return env, nil
}

// SendFinalCount fixes how many candidates the silo will return.
func (s *SiloService) SendFinalCount(ctx context.Context, roundID string, count int) error {
	r, err := s.lock(roundID, session.PhasePruned)
	if err != nil {
		return err
	}
	defer r.Unlock()

	if count < 0 || count > r.Pruned {
		return fmt.Errorf("%w: final count %d exceeds %d pruned candidates", ErrInvalidArgument, count, r.Pruned)
	}
	r.FinalCount = count
	r.Phase = session.PhaseCounted
	return nil
}

// Results returns the selected candidates nearest first and ends the round.
func (s *SiloService) Results(ctx context.Context, roundID string) ([]store.Candidate, error) {
	r, err := s.lock(roundID, session.PhaseCounted)
	if err != nil {
		return nil, err
	}
	out := append([]store.Candidate(nil), r.Candidates[:r.FinalCount]...)
	r.Unlock()

	s.rounds.Delete(roundID)
	s.completed.Add(1)
	s.logger.Info("round completed", "round", roundID, "returned", len(out))
	return out, nil
}
