package authstate

import "time"

// State binds an in-flight authorization request to its eventual
// callback. Records are short-lived and consumed exactly once.
type State struct {
	StateID      string
	UserID       string
	ProviderID   string
	PKCEVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type Repo interface {
	Upsert(stateID string, state *State) error
	// Consume atomically retrieves and deletes a record. Two concurrent
	// calls for the same stateID cannot both succeed.
	Consume(stateID string) (*State, error)
	// DeleteExpired removes records past their expiry, returning how many
	// were dropped.
	DeleteExpired(now time.Time) int
}
