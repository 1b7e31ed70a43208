// Package tourists holds the engine's authoritative per-tourist state:
// the latest accepted fix and the zone membership set derived from it.
// The store shards across a fixed number of buckets so that ingest for
// different tourists never contends on the same lock, while ingest for
// the same tourist is always serialized: ordered per tourist, parallel
// across tourists.
package tourists

import (
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/touristsafety/trackengine/internal/domain"
)

// Store is a sharded map of tourist id to *domain.TouristState. The
// shard count scales with GOMAXPROCS so a busy deployment doesn't
// serialize unrelated tourists' writers behind
// one lock, while each individual tourist's updates stay ordered.
type Store struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu   sync.RWMutex
	byID map[string]*entry
}

type entry struct {
	mu    sync.Mutex // serializes ingest for one tourist
	state domain.TouristState
}

func shardCount() int {
	n := runtime.GOMAXPROCS(0) * 4
	// round up to a power of two so the fnv32 % mask trick below works
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 16 {
		p = 16
	}
	return p
}

// New builds a Store sized to the current GOMAXPROCS.
func New() *Store {
	n := shardCount()
	s := &Store{shards: make([]*shard, n), mask: uint32(n - 1)}
	for i := range s.shards {
		s.shards[i] = &shard{byID: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(touristID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(touristID))
	return s.shards[h.Sum32()&s.mask]
}

func (s *Store) entryFor(touristID string) *entry {
	sh := s.shardFor(touristID)

	sh.mu.RLock()
	e, ok := sh.byID[touristID]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.byID[touristID]; ok {
		return e
	}
	e = &entry{state: domain.TouristState{TouristID: touristID, Membership: map[string]struct{}{}}}
	sh.byID[touristID] = e
	return e
}

// Get returns a consistent snapshot of a tourist's state. Safe for
// concurrent use with WithLock for the same id: Get takes the entry's
// lock for the duration of the copy so it never observes a torn write.
func (s *Store) Get(touristID string) (domain.TouristState, bool) {
	sh := s.shardFor(touristID)
	sh.mu.RLock()
	e, ok := sh.byID[touristID]
	sh.mu.RUnlock()
	if !ok {
		return domain.TouristState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.Membership = e.state.CloneMembership()
	return st, true
}

// WithLock runs fn with exclusive access to touristID's state, creating
// a fresh zero-value state on first use. fn's return value replaces the
// stored state. This is the single choke point that guarantees
// per-tourist update ordering: two concurrent ingests for the same
// tourist serialize here, while ingests for different tourists proceed
// on different entries (and usually different shards) concurrently.
func (s *Store) WithLock(touristID string, fn func(domain.TouristState) domain.TouristState) domain.TouristState {
	e := s.entryFor(touristID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = fn(e.state)
	return e.state
}

// Len returns the number of tracked tourists, for metrics.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.byID)
		sh.mu.RUnlock()
	}
	return n
}

// All returns a snapshot copy of every tracked tourist's state, for
// authority dashboards and SOS sweeps. It is O(n) and takes each
// shard's read lock in turn, never all at once.
func (s *Store) All() []domain.TouristState {
	out := make([]domain.TouristState, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byID {
			e.mu.Lock()
			st := e.state
			st.Membership = e.state.CloneMembership()
			e.mu.Unlock()
			out = append(out, st)
		}
		sh.mu.RUnlock()
	}
	return out
}
