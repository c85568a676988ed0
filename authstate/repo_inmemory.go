package authstate

import (
	"errors"
	"sync"
	"time"
)

var errStateNotFound = errors.New("state not found")

// InMemoryRepo is a thread-safe in-memory implementation of the Repo
// interface.
type InMemoryRepo struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewInMemoryRepo creates a new in-memory authorization state repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		states: make(map[string]*State),
	}
}

// Upsert stores or updates an authorization state record
func (r *InMemoryRepo) Upsert(stateID string, state *State) error {
	if stateID == "" {
		return errors.New("stateID cannot be empty")
	}
	if state == nil {
		return errors.New("state cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *state
	r.states[stateID] = &cp
	return nil
}

// Consume retrieves and deletes a record under one lock, so a second
// caller racing on the same stateID loses.
func (r *InMemoryRepo) Consume(stateID string) (*State, error) {
	if stateID == "" {
		return nil, errors.New("stateID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.states[stateID]
	if !exists {
		return nil, errStateNotFound
	}
	delete(r.states, stateID)

	cp := *state
	return &cp, nil
}

// DeleteExpired removes records whose expiry is at or before now
func (r *InMemoryRepo) DeleteExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, state := range r.states {
		if !state.ExpiresAt.After(now) {
			delete(r.states, id)
			dropped++
		}
	}
	return dropped
}
