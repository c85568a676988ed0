package connections

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/twinlab/go-connect-server/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo
// interface. Every method mutates under one lock, which satisfies the
// atomic-write requirement for a single process.
type InMemoryRepo struct {
	mu    sync.RWMutex
	conns map[Key]*Connection
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{conns: make(map[Key]*Connection)}
}

func (r *InMemoryRepo) Get(_ context.Context, key Key) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[key]
	if !ok {
		return nil, errors.ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

func (r *InMemoryRepo) Upsert(_ context.Context, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *conn
	r.conns[conn.Key()] = &cp
	return nil
}

func (r *InMemoryRepo) List(_ context.Context, userID string) ([]*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			cp := *conn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (r *InMemoryRepo) ListExpiringBefore(_ context.Context, instant time.Time) ([]*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.conns {
		if conn.Status != StatusConnected && conn.Status != StatusExpiringSoon {
			continue
		}
		if conn.TokenExpiresAt == nil || conn.TokenExpiresAt.After(instant) {
			continue
		}
		cp := *conn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (r *InMemoryRepo) UpdateTokens(_ context.Context, key Key, encAccess, encRefresh string, expiresAt *time.Time, refreshedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[key]
	if !ok {
		return errors.ErrConnectionNotFound
	}
	// A disconnect or revocation that landed after the refresh started
	// wins. The refreshed tokens are discarded.
	if conn.Status != StatusConnected && conn.Status != StatusExpiringSoon {
		return nil
	}
	conn.EncryptedAccessToken = encAccess
	if encRefresh != "" {
		conn.EncryptedRefreshToken = encRefresh
	}
	conn.TokenExpiresAt = expiresAt
	conn.LastRefreshedAt = &refreshedAt
	conn.Status = StatusConnected
	conn.LastError = ""
	return nil
}

func (r *InMemoryRepo) SetStatus(_ context.Context, key Key, status Status, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[key]
	if !ok {
		return errors.ErrConnectionNotFound
	}
	conn.Status = status
	conn.LastError = lastError
	return nil
}

func (r *InMemoryRepo) MarkNeedsReauth(_ context.Context, key Key, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[key]
	if !ok {
		return errors.ErrConnectionNotFound
	}
	conn.Status = StatusNeedsReauth
	conn.LastError = reason
	conn.EncryptedAccessToken = ""
	conn.EncryptedRefreshToken = ""
	conn.TokenExpiresAt = nil
	return nil
}

func (r *InMemoryRepo) Disconnect(_ context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[key]
	if !ok {
		return errors.ErrConnectionNotFound
	}
	conn.Status = StatusDisconnected
	conn.EncryptedAccessToken = ""
	conn.EncryptedRefreshToken = ""
	conn.TokenExpiresAt = nil
	conn.LastError = ""
	return nil
}

var _ Repo = (*InMemoryRepo)(nil)
