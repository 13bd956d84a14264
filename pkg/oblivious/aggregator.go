// Package oblivious aggregates silo histograms with data-independent control
// flow. It is the trusted-aggregator variant of the plaintext strategy: the
// broker only relays envelopes, and every loop bound, branch and memory access
// inside depends on public sizes (silo count, record counts, k), never on
// distance values.
//
// Envelopes are opened and sealed here with the per-silo session ciphers.
// Results match the budget, threshold and merge packages exactly.
package oblivious

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/encrypt"
	"github.com/opaque/fedknn/pkg/wire"
)

// ImportKind names the payload carried by an imported envelope.
type ImportKind uint8

const (
	ImportContribution ImportKind = iota + 1
	ImportBlocks
	ImportRanked
	ImportDistances
)

func (k ImportKind) String() string {
	switch k {
	case ImportContribution:
		return "contribution"
	case ImportBlocks:
		return "blocks"
	case ImportRanked:
		return "ranked"
	case ImportDistances:
		return "distances"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrUnknownSilo is returned for a silo index without a session.
	ErrUnknownSilo = errors.New("unknown silo")

	// ErrMissingImport is returned when an operation runs before every silo
	// imported its input.
	ErrMissingImport = errors.New("missing import")

	// ErrNotComputed is returned when a result is read before it was computed.
	ErrNotComputed = errors.New("result not computed")
)

// Aggregator holds one round's imported state.
type Aggregator struct {
	mu      sync.Mutex
	ciphers []encrypt.Cipher

	contribution []uint32
	hasContrib   []bool
	blocks       [][]record
	ranked       [][]record
	distances    [][]record
	imported     map[ImportKind][]bool

	localK    []uint32
	radius    uint32
	hasRadius bool
	counts    []uint32
	hasCounts bool
}

// New creates an aggregator for len(ciphers) silos. Silo i uses ciphers[i].
func New(ciphers []encrypt.Cipher) *Aggregator {
	n := len(ciphers)
	a := &Aggregator{ciphers: ciphers}
	a.contribution = make([]uint32, n)
	a.hasContrib = make([]bool, n)
	a.blocks = make([][]record, n)
	a.ranked = make([][]record, n)
	a.distances = make([][]record, n)
	a.imported = map[ImportKind][]bool{
		ImportBlocks:    make([]bool, n),
		ImportRanked:    make([]bool, n),
		ImportDistances: make([]bool, n),
	}
	return a
}

// Silos returns the number of silos.
func (a *Aggregator) Silos() int {
	return len(a.ciphers)
}

// Import opens an envelope from silo and stores its contents.
func (a *Aggregator) Import(silo int, kind ImportKind, envelope []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if silo < 0 || silo >= len(a.ciphers) {
		return fmt.Errorf("%w: %d", ErrUnknownSilo, silo)
	}
	pt, err := wire.Open(a.ciphers[silo], envelope)
	if err != nil {
		return err
	}

	id := uint32(silo)
	switch kind {
	case ImportContribution:
		c, err := wire.DecodeFloat32(pt)
		if err != nil {
			return err
		}
		a.contribution[silo] = Key(c)
		a.hasContrib[silo] = true
		return nil

	case ImportBlocks:
		blocks, err := bucket.DecodeBlocks(pt)
		if err != nil {
			return err
		}
		recs := make([]record, len(blocks))
		var prev uint64
		for i, b := range blocks {
			recs[i] = record{key: Key(b.Upper), value: uint32(b.Cumulative - prev), silo: id, pos: uint32(i), valid: ^uint32(0)}
			prev = b.Cumulative
		}
		a.blocks[silo] = recs

	case ImportRanked:
		ranked, err := bucket.DecodeRanked(pt, silo)
		if err != nil {
			return err
		}
		recs := make([]record, len(ranked))
		for i, r := range ranked {
			recs[i] = record{key: Key(r.Upper), value: uint32(r.Count), silo: id, pos: uint32(i), valid: ^uint32(0)}
		}
		a.ranked[silo] = recs

	case ImportDistances:
		dists, err := wire.DecodeDistances(pt)
		if err != nil {
			return err
		}
		recs := make([]record, len(dists))
		for i, d := range dists {
			recs[i] = record{key: Key(d), value: 1, silo: id, pos: uint32(i), valid: ^uint32(0)}
		}
		a.distances[silo] = recs

	default:
		return fmt.Errorf("unsupported import kind %d", kind)
	}
	a.imported[kind][silo] = true
	return nil
}

func (a *Aggregator) requireAll(kind ImportKind) error {
	if kind == ImportContribution {
		for i, ok := range a.hasContrib {
			if !ok {
				return fmt.Errorf("%w: %s from silo %d", ErrMissingImport, kind, i)
			}
		}
		return nil
	}
	for i, ok := range a.imported[kind] {
		if !ok {
			return fmt.Errorf("%w: %s from silo %d", ErrMissingImport, kind, i)
		}
	}
	return nil
}

// JointEstimate computes every silo's local budget with the min-ratio rule.
// Contributions that are zero, negative or NaN get k.
func (a *Aggregator) JointEstimate(k int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireAll(ImportContribution); err != nil {
		return err
	}
	kk := uint32(max(k, 1))

	usable := make([]uint32, len(a.contribution))
	minKey := ^uint32(0)
	var anyUsable uint32
	for i, c := range a.contribution {
		usable[i] = lt32(keyZero, c) & ^lt32(keyInf, c)
		minKey = sel32(lt32(c, minKey)&usable[i], c, minKey)
		anyUsable |= usable[i]
	}
	minC := float64(FromKey(sel32(anyUsable, minKey, keyOne)))

	a.localK = make([]uint32, len(a.contribution))
	for i, c := range a.contribution {
		denom := float64(FromKey(sel32(usable[i], c, keyOne)))
		v := uint32(math.Ceil(float64(kk) * minC / denom))
		v = sel32(lt32(v, 1), 1, v)
		v = sel32(lt32(kk, v), kk, v)
		a.localK[i] = sel32(usable[i]&anyUsable, v, kk)
	}
	return nil
}

// CandidateRefine computes the global radius from whichever histogram form
// every silo imported.
func (a *Aggregator) CandidateRefine(k int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := uint64(max(k, 1))
	switch {
	case a.requireAll(ImportRanked) == nil:
		r, err := refineRanked(flatten(a.ranked), len(a.ciphers), want)
		if err != nil {
			return err
		}
		a.radius = r
	case a.requireAll(ImportBlocks) == nil:
		a.radius = refineIntervals(flatten(a.blocks), want)
	default:
		return fmt.Errorf("%w: no complete histogram set", ErrMissingImport)
	}
	a.hasRadius = true
	return nil
}

// refineIntervals evaluates the global settled count at every real upper
// edge and keeps the smallest edge reaching want.
func refineIntervals(recs []record, want uint64) uint32 {
	best := ^uint32(0)
	var found uint32
	for _, e := range recs {
		var g uint64
		for _, b := range recs {
			le := ^lt32(e.key, b.key) & b.valid
			g += uint64(b.value & le)
		}
		ok := ^lt64(g, want) & e.valid
		best = sel32(ok&lt32(e.key, best), e.key, best)
		found |= ok
	}
	return sel32(found, best, keyInf)
}

// refineRanked pops ranked buckets in order of upper bound until the running
// count reaches want. It always runs len(recs) iterations.
func refineRanked(recs []record, silos int, want uint64) (uint32, error) {
	q, cursors, err := seed(recs, silos)
	if err != nil {
		return 0, err
	}

	radius := keyInf
	var running uint64
	var done uint32
	for range recs {
		r := q.Pop()
		active := r.valid & ^done
		running += uint64(r.value & active)
		reached := ^lt64(running, want) & active
		radius = sel32(reached, r.key, radius)
		done |= reached
		if err := advance(q, recs, cursors, r, active); err != nil {
			return 0, err
		}
	}
	return radius, nil
}

// TopKSelect merges the silos' distance lists and records how many of each
// silo's candidates fall within the global top-k.
func (a *Aggregator) TopKSelect(k int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireAll(ImportDistances); err != nil {
		return err
	}
	recs := flatten(a.distances)
	q, cursors, err := seed(recs, len(a.ciphers))
	if err != nil {
		return err
	}
	counts := make([]uint32, len(a.ciphers))
	want := uint32(max(k, 0))

	var taken, done uint32
	done = sel32(eq32(want, 0), ^uint32(0), 0)
	for range recs {
		r := q.Pop()
		active := r.valid & ^done
		addAt(counts, r.silo, 1, active)
		taken += 1 & active
		done |= eq32(taken, want)
		if err := advance(q, recs, cursors, r, active); err != nil {
			return err
		}
	}
	a.counts = counts
	a.hasCounts = true
	return nil
}

// seed creates a queue holding each silo's first record. Per-silo lengths are
// public, so the seed reads use public positions.
func seed(recs []record, silos int) (*Queue, []uint32, error) {
	q := NewQueue(silos)
	cursors := make([]uint32, silos)
	first := make([]record, silos)
	for _, r := range recs {
		if r.pos == 0 {
			first[r.silo] = r
		}
	}
	for s := range first {
		if err := q.Push(first[s]); err != nil {
			return nil, nil, err
		}
		cursors[s] = 1
	}
	return q, cursors, nil
}

// advance pushes the next record of r's silo, or an invalid record when the
// silo is exhausted or active is clear.
func advance(q *Queue, recs []record, cursors []uint32, r record, active uint32) error {
	cur := readAt(cursors, r.silo)
	next := fetch(recs, r.silo, cur)
	next.valid &= active
	if err := q.Push(next); err != nil {
		return err
	}
	addAt(cursors, r.silo, 1, active)
	return nil
}

func flatten(perSilo [][]record) []record {
	n := 0
	for _, s := range perSilo {
		n += len(s)
	}
	out := make([]record, 0, n)
	for _, s := range perSilo {
		out = append(out, s...)
	}
	return out
}

// LocalK returns the plaintext budget computed for silo.
func (a *Aggregator) LocalK(silo int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.localK == nil {
		return 0, ErrNotComputed
	}
	if silo < 0 || silo >= len(a.localK) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSilo, silo)
	}
	return int(a.localK[silo]), nil
}

// PrunedK returns silo's budget sealed for that silo.
func (a *Aggregator) PrunedK(silo int) ([]byte, error) {
	k, err := a.LocalK(silo)
	if err != nil {
		return nil, err
	}
	return wire.SealUint32(a.ciphers[silo], uint32(k))
}

// Radius returns the computed global radius.
func (a *Aggregator) Radius() (float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasRadius {
		return 0, ErrNotComputed
	}
	return FromKey(a.radius), nil
}

// Threshold returns the global radius sealed for silo.
func (a *Aggregator) Threshold(silo int) ([]byte, error) {
	r, err := a.Radius()
	if err != nil {
		return nil, err
	}
	if silo < 0 || silo >= len(a.ciphers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSilo, silo)
	}
	return wire.SealFloat32(a.ciphers[silo], r)
}

// FinalCount returns how many of silo's candidates made the global top-k.
func (a *Aggregator) FinalCount(silo int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasCounts {
		return 0, ErrNotComputed
	}
	if silo < 0 || silo >= len(a.counts) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSilo, silo)
	}
	return int(a.counts[silo]), nil
}

// Reset clears all imported and computed state, keeping the ciphers.
func (a *Aggregator) Reset() {
	fresh := New(a.ciphers)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contribution = fresh.contribution
	a.hasContrib = fresh.hasContrib
	a.blocks = fresh.blocks
	a.ranked = fresh.ranked
	a.distances = fresh.distances
	a.imported = fresh.imported
	a.localK = nil
	a.radius, a.hasRadius = 0, false
	a.counts, a.hasCounts = nil, false
}
