package connections

import (
	"context"
	"time"
)

// Repo is the single source of truth for connection state. Writes are
// atomic: the scheduler and the exchange service may race on the same
// row (user reconnects mid-refresh) and last-writer-wins is acceptable
// provided no torn writes occur.
type Repo interface {
	Get(ctx context.Context, key Key) (*Connection, error)
	Upsert(ctx context.Context, conn *Connection) error
	List(ctx context.Context, userID string) ([]*Connection, error)

	// ListExpiringBefore returns connected/expiring_soon connections whose
	// token expiry is non-null and at or before the instant.
	ListExpiringBefore(ctx context.Context, instant time.Time) ([]*Connection, error)

	// UpdateTokens stores fresh ciphertext and timestamps after a
	// successful refresh and restores status to connected.
	UpdateTokens(ctx context.Context, key Key, encAccess, encRefresh string, expiresAt *time.Time, refreshedAt time.Time) error

	// SetStatus transitions status and records the error reason.
	SetStatus(ctx context.Context, key Key, status Status, lastError string) error

	// MarkNeedsReauth sets the status and clears both token fields so
	// stale ciphertext is never retried indefinitely.
	MarkNeedsReauth(ctx context.Context, key Key, reason string) error

	// Disconnect wipes both encrypted token fields and sets status to
	// disconnected. Explicit erasure, not just a flag flip.
	Disconnect(ctx context.Context, key Key) error
}
