// Package session tracks a silo's per-round protocol state, keyed by the
// round ID the broker chooses for each query.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/crypto"
	"github.com/opaque/fedknn/pkg/encrypt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidID       = errors.New("invalid round id")
)

// Phase is the last protocol step a round completed.
type Phase int

const (
	PhaseNegotiated Phase = iota + 1
	PhaseKeyed
	PhaseEstimated
	PhaseBucketed
	PhasePruned
	PhaseCounted
)

func (p Phase) String() string {
	switch p {
	case PhaseNegotiated:
		return "negotiated"
	case PhaseKeyed:
		return "keyed"
	case PhaseEstimated:
		return "estimated"
	case PhaseBucketed:
		return "bucketed"
	case PhasePruned:
		return "pruned"
	case PhaseCounted:
		return "counted"
	default:
		return "unknown"
	}
}

// Round holds one query's state on a silo. Callers lock it while reading or
// advancing the protocol fields.
type Round struct {
	ID           string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time

	sync.Mutex
	Phase      Phase
	Responder  *crypto.Responder
	Cipher     encrypt.Cipher
	Query      []float32
	K          int
	Predicate  store.Predicate
	Candidates []store.Candidate
	LocalK     int
	Pruned     int
	FinalCount int
}

// Reset returns the round to the negotiated phase with fresh key state.
func (r *Round) Reset(params crypto.Params) {
	r.Phase = PhaseNegotiated
	r.Responder = crypto.NewResponder(params)
	r.Responder.Negotiate()
	r.Cipher = nil
	r.Query = nil
	r.K = 0
	r.Predicate = store.Predicate{}
	r.Candidates = nil
	r.LocalK = 0
	r.Pruned = 0
	r.FinalCount = 0
}

// Manager manages rounds in memory and drops them after their TTL.
type Manager struct {
	rounds map[string]*Round
	ttl    time.Duration
	mu     sync.RWMutex
	stop   chan struct{}
	once   sync.Once
}

// NewManager creates a round manager and starts its cleanup loop.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m := &Manager{
		rounds: make(map[string]*Round),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Open creates the round, or resets it if the broker renegotiates.
func (m *Manager) Open(id string, params crypto.Params) (*Round, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	now := time.Now()
	m.mu.Lock()
	r, ok := m.rounds[id]
	if !ok {
		r = &Round{ID: id, CreatedAt: now}
		m.rounds[id] = r
	}
	r.ExpiresAt = now.Add(m.ttl)
	r.LastAccessAt = now
	m.mu.Unlock()

	r.Lock()
	r.Reset(params)
	r.Unlock()
	return r, nil
}

// Get retrieves a round by ID.
func (m *Manager) Get(id string) (*Round, error) {
	m.mu.RLock()
	r, ok := m.rounds[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.After(r.ExpiresAt) {
		delete(m.rounds, id)
		return nil, ErrSessionExpired
	}
	r.LastAccessAt = now
	return r, nil
}

// Delete removes a round.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.rounds, id)
	m.mu.Unlock()
}

// Count returns the number of live rounds.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rounds)
}

// Refresh extends a round's TTL.
func (m *Manager) Refresh(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[id]
	if !ok {
		return ErrSessionNotFound
	}
	r.ExpiresAt = time.Now().Add(m.ttl)
	r.LastAccessAt = time.Now()
	return nil
}

// Close stops the cleanup loop.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

// cleanupLoop periodically removes expired rounds.
func (m *Manager) cleanupLoop() {
	interval := max(min(m.ttl/2, time.Minute), time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.stop:
			return
		}
	}
}

// cleanup removes rounds that expired before now.
func (m *Manager) cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, r := range m.rounds {
		if now.After(r.ExpiresAt) {
			delete(m.rounds, id)
			removed++
		}
	}
	return removed
}
