// Package broker drives a federated top-k query across silos: key
// agreement, contribution estimation, budget allocation, bucket exchange,
// radius refinement, selection and result collection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/aggregate"
	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/client"
	"github.com/opaque/fedknn/pkg/crypto"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/merge"
	"github.com/opaque/fedknn/pkg/threshold"
)

var (
	ErrNoSilos       = errors.New("no silos configured")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrCountMismatch = errors.New("silo returned a different number of results than selected")
)

// Silo is the broker's view of one silo. pkg/client implements it over gRPC.
type Silo interface {
	ID() int
	NegotiateParams(ctx context.Context, roundID string) (crypto.Params, error)
	ExchangeKey(ctx context.Context, roundID string, public uint64) (uint64, error)
	EstimateContribution(ctx context.Context, roundID string, query []float32, k int, predicate string) ([]byte, error)
	ExchangeBuckets(ctx context.Context, roundID string, envelope []byte, enc bucket.Encoding) ([]byte, error)
	BroadcastRadius(ctx context.Context, roundID string, envelope []byte) ([]byte, error)
	SendFinalCount(ctx context.Context, roundID string, count int) error
	StreamResults(ctx context.Context, roundID string) ([]store.Candidate, error)
}

// TrafficReporter is implemented by silos that count their wire traffic.
type TrafficReporter interface {
	Traffic() client.Traffic
}

// Config holds broker configuration.
type Config struct {
	Strategy aggregate.Strategy
	Options  aggregate.Options

	// Workers bounds the per-phase fan-out. Defaults to runtime.NumCPU().
	Workers int

	// RPCTimeout bounds every silo call. Zero means no timeout.
	RPCTimeout time.Duration

	// MaxConcurrentQueries bounds how many queries run at once.
	MaxConcurrentQueries int

	// MaxK rejects larger queries. Zero means no limit.
	MaxK int
}

// DefaultConfig returns the plaintext strategy with binary search and
// min-ratio budgets.
func DefaultConfig() Config {
	return Config{
		Strategy: aggregate.Plaintext{},
		Options: aggregate.Options{
			Threshold: threshold.ModeBinarySearch,
			Budget:    budget.MinRatio,
		},
		Workers:              runtime.NumCPU(),
		MaxConcurrentQueries: 1,
	}
}

// Query is one top-k request.
type Query struct {
	// ID names the round on every silo. Generated when empty.
	ID        string
	Vector    []float32
	K         int
	Predicate string
}

// Result is the answer to a query.
type Result struct {
	QueryID string
	// Hits are the global top-k, nearest first.
	Hits []store.Candidate
	// Counts[i] is how many hits came from the i-th configured silo.
	Counts []int
	// Short is set when the silos held fewer than K matching vectors.
	Short   bool
	Elapsed time.Duration
	Phases  []PhaseTiming
	Traffic client.Traffic
}

// PhaseTiming is the wall time of one protocol phase.
type PhaseTiming struct {
	Phase   Phase
	Elapsed time.Duration
}

// Stats summarizes the broker's activity.
type Stats struct {
	Silos        int            `json:"silos"`
	Strategy     string         `json:"strategy"`
	Queries      int64          `json:"queries"`
	Failures     int64          `json:"failures"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	Traffic      client.Traffic `json:"traffic"`
}

// Broker runs queries against a fixed set of silos.
type Broker struct {
	cfg    Config
	silos  []Silo
	slots  chan struct{}
	logger *slog.Logger

	queries  atomic.Int64
	failures atomic.Int64
	totalNs  atomic.Int64
}

// New creates a broker. Silo order defines the index of Result.Counts.
func New(cfg Config, silos []Silo, logger *slog.Logger) (*Broker, error) {
	if len(silos) == 0 {
		return nil, ErrNoSilos
	}
	if cfg.Strategy == nil {
		cfg.Strategy = aggregate.Plaintext{}
	}
	if cfg.Options.Threshold == 0 {
		cfg.Options.Threshold = threshold.ModeBinarySearch
	}
	if cfg.Options.Budget == 0 {
		cfg.Options.Budget = budget.MinRatio
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:    cfg,
		silos:  silos,
		slots:  make(chan struct{}, cfg.MaxConcurrentQueries),
		logger: logger,
	}, nil
}

// Silos returns the number of configured silos.
func (b *Broker) Silos() int {
	return len(b.silos)
}

// Stats returns activity counters and the traffic of every silo.
func (b *Broker) Stats() Stats {
	st := Stats{
		Silos:    len(b.silos),
		Strategy: b.cfg.Strategy.Name(),
		Queries:  b.queries.Load(),
		Failures: b.failures.Load(),
		Traffic:  b.traffic(),
	}
	if done := st.Queries - st.Failures; done > 0 {
		st.AvgLatencyMs = float64(b.totalNs.Load()) / float64(done) / 1e6
	}
	return st
}

// Close closes every silo that holds a connection.
func (b *Broker) Close() error {
	var errs []error
	for _, s := range b.silos {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) traffic() client.Traffic {
	var t client.Traffic
	for _, s := range b.silos {
		if r, ok := s.(TrafficReporter); ok {
			t = t.Add(r.Traffic())
		}
	}
	return t
}

func (b *Broker) validate(q Query) error {
	if len(q.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidQuery)
	}
	if q.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, q.K)
	}
	if b.cfg.MaxK > 0 && q.K > b.cfg.MaxK {
		return fmt.Errorf("%w: k=%d exceeds limit %d", ErrInvalidQuery, q.K, b.cfg.MaxK)
	}
	return nil
}

// Query runs one federated top-k query. Any silo failure aborts the whole
// query with a *PhaseError; partial results are never returned.
func (b *Broker) Query(ctx context.Context, q Query) (*Result, error) {
	if err := b.validate(q); err != nil {
		return nil, err
	}

	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	start := time.Now()
	before := b.traffic()
	b.queries.Add(1)

	res, err := b.run(ctx, q)
	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("query failed", "query", q.ID, "error", err)
		return nil, err
	}

	res.Elapsed = time.Since(start)
	res.Traffic = b.traffic().Sub(before)
	b.totalNs.Add(int64(res.Elapsed))
	b.logger.Info("query completed",
		"query", q.ID,
		"k", q.K,
		"hits", len(res.Hits),
		"short", res.Short,
		"elapsed", res.Elapsed,
		"bytes", res.Traffic.Total())
	return res, nil
}

func (b *Broker) run(ctx context.Context, q Query) (*Result, error) {
	n := len(b.silos)
	res := &Result{QueryID: q.ID}
	timed := func(p Phase, fn func() error) error {
		t := time.Now()
		err := fn()
		res.Phases = append(res.Phases, PhaseTiming{Phase: p, Elapsed: time.Since(t)})
		return err
	}

	ciphers := make([]encrypt.Cipher, n)
	err := timed(PhaseKeyExchange, func() error {
		return b.fanout(ctx, PhaseKeyExchange, func(ctx context.Context, i int, s Silo) error {
			km, err := crypto.Negotiate(ctx, &roundPeer{silo: s, round: q.ID, b: b})
			if err != nil {
				return err
			}
			c, err := encrypt.FromKeyMaterial(km)
			ciphers[i] = c
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	round := b.cfg.Strategy.Begin(ciphers, b.cfg.Options)

	contributions := make([][]byte, n)
	err = timed(PhaseContribution, func() error {
		return b.fanout(ctx, PhaseContribution, func(ctx context.Context, i int, s Silo) error {
			env, err := b.call(ctx, func(ctx context.Context) ([]byte, error) {
				return s.EstimateContribution(ctx, q.ID, q.Vector, q.K, q.Predicate)
			})
			contributions[i] = env
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	var budgets [][]byte
	err = timed(PhaseAllocation, func() (err error) {
		budgets, err = round.Allocate(contributions, q.K)
		return brokerError(PhaseAllocation, err)
	})
	if err != nil {
		return nil, err
	}

	enc := b.cfg.Options.Threshold.Encoding()
	histograms := make([][]byte, n)
	err = timed(PhaseBuckets, func() error {
		return b.fanout(ctx, PhaseBuckets, func(ctx context.Context, i int, s Silo) error {
			env, err := b.call(ctx, func(ctx context.Context) ([]byte, error) {
				return s.ExchangeBuckets(ctx, q.ID, budgets[i], enc)
			})
			histograms[i] = env
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	var radii [][]byte
	err = timed(PhaseRefine, func() (err error) {
		radii, err = round.Refine(histograms, q.K)
		return brokerError(PhaseRefine, err)
	})
	if err != nil {
		return nil, err
	}

	pruned := make([][]byte, n)
	err = timed(PhaseRadius, func() error {
		return b.fanout(ctx, PhaseRadius, func(ctx context.Context, i int, s Silo) error {
			env, err := b.call(ctx, func(ctx context.Context) ([]byte, error) {
				return s.BroadcastRadius(ctx, q.ID, radii[i])
			})
			pruned[i] = env
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	var counts []int
	err = timed(PhaseSelect, func() (err error) {
		counts, err = round.Select(pruned, q.K)
		return brokerError(PhaseSelect, err)
	})
	if err != nil {
		return nil, err
	}

	err = timed(PhaseFinalCount, func() error {
		return b.fanout(ctx, PhaseFinalCount, func(ctx context.Context, i int, s Silo) error {
			_, err := b.call(ctx, func(ctx context.Context) ([]byte, error) {
				return nil, s.SendFinalCount(ctx, q.ID, counts[i])
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	lists := make([][]store.Candidate, n)
	err = timed(PhaseResults, func() error {
		return b.fanout(ctx, PhaseResults, func(ctx context.Context, i int, s Silo) error {
			cctx, cancel := b.rpcContext(ctx)
			defer cancel()
			got, err := s.StreamResults(cctx, q.ID)
			if err != nil {
				return err
			}
			if len(got) != counts[i] {
				return fmt.Errorf("%w: got %d, selected %d", ErrCountMismatch, len(got), counts[i])
			}
			for j := range got {
				got[j].SiloID = s.ID()
			}
			lists[i] = got
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	res.Hits, res.Counts = merge.MergeFunc(lists, q.K, func(x, y store.Candidate) bool {
		return x.Distance < y.Distance
	})
	res.Short = len(res.Hits) < q.K
	return res, nil
}

// fanout runs fn for every silo on at most Workers goroutines and waits for
// all of them. The first failing silo in configuration order is reported.
func (b *Broker) fanout(ctx context.Context, phase Phase, fn func(ctx context.Context, i int, s Silo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(b.silos))
	sem := make(chan struct{}, b.cfg.Workers)
	var wg sync.WaitGroup

	for i, s := range b.silos {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s Silo) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i, s); err != nil {
				errs[i] = err
				cancel()
			}
		}(i, s)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return &PhaseError{Phase: phase, SiloID: b.silos[i].ID(), Err: err}
		}
	}
	for i, err := range errs {
		if err != nil {
			return &PhaseError{Phase: phase, SiloID: b.silos[i].ID(), Err: err}
		}
	}
	return nil
}

func (b *Broker) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.RPCTimeout > 0 {
		return context.WithTimeout(ctx, b.cfg.RPCTimeout)
	}
	return context.WithCancel(ctx)
}

func (b *Broker) call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := b.rpcContext(ctx)
	defer cancel()
	return fn(ctx)
}

// roundPeer binds a silo to a round for key negotiation.
type roundPeer struct {
	silo  Silo
	round string
	b     *Broker
}

func (p *roundPeer) NegotiateParams(ctx context.Context) (crypto.Params, error) {
	ctx, cancel := p.b.rpcContext(ctx)
	defer cancel()
	return p.silo.NegotiateParams(ctx, p.round)
}

func (p *roundPeer) ExchangeKey(ctx context.Context, public uint64) (uint64, error) {
	ctx, cancel := p.b.rpcContext(ctx)
	defer cancel()
	return p.silo.ExchangeKey(ctx, p.round, public)
}
