package scheduler

import (
	"sync"
	"time"

	"github.com/twinlab/go-connect-server/connections"
)

// LeaseStore grants a time-bounded exclusive claim on a connection key.
// Overlapping sweeps or duplicate triggers contend on the lease so at
// most one refresh runs per connection at a time. A lease that is not
// released within its TTL is treated as abandoned and may be reclaimed.
type LeaseStore interface {
	Acquire(key connections.Key, now time.Time) bool
	Release(key connections.Key)
}

// InMemoryLeaseStore keeps leases in process memory. Suitable for a
// single-instance deployment; a multi-instance deployment would back
// this interface with a shared store.
type InMemoryLeaseStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[connections.Key]time.Time
}

func NewInMemoryLeaseStore(ttl time.Duration) *InMemoryLeaseStore {
	return &InMemoryLeaseStore{
		ttl:    ttl,
		expiry: make(map[connections.Key]time.Time),
	}
}

// Acquire claims the key until now+TTL. It fails while an unexpired
// lease is held and reclaims expired ones.
func (s *InMemoryLeaseStore) Acquire(key connections.Key, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, held := s.expiry[key]; held && now.Before(until) {
		return false
	}
	s.expiry[key] = now.Add(s.ttl)
	return true
}

func (s *InMemoryLeaseStore) Release(key connections.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, key)
}
