package repofakes

import (
	"context"
	"sync"
	"time"

	"github.com/twinlab/go-connect-server/connections"
)

var _ connections.Repo = (*FakeConnectionRepo)(nil)

// FakeConnectionRepo wraps the in-memory repo with optional overrides and
// call counting for tests.
type FakeConnectionRepo struct {
	*connections.InMemoryRepo

	lock sync.Mutex

	UpdateTokensCalls    int
	MarkNeedsReauthCalls int
	SetStatusCalls       int

	ListExpiringBeforeFn func(ctx context.Context, instant time.Time) ([]*connections.Connection, error)
	UpdateTokensFn       func(ctx context.Context, key connections.Key, encAccess, encRefresh string, expiresAt *time.Time, refreshedAt time.Time) error
}

func NewFakeConnectionRepo() *FakeConnectionRepo {
	return &FakeConnectionRepo{InMemoryRepo: connections.NewInMemoryRepo()}
}

func (f *FakeConnectionRepo) ListExpiringBefore(ctx context.Context, instant time.Time) ([]*connections.Connection, error) {
	if f.ListExpiringBeforeFn != nil {
		return f.ListExpiringBeforeFn(ctx, instant)
	}
	return f.InMemoryRepo.ListExpiringBefore(ctx, instant)
}

func (f *FakeConnectionRepo) UpdateTokens(ctx context.Context, key connections.Key, encAccess, encRefresh string, expiresAt *time.Time, refreshedAt time.Time) error {
	f.lock.Lock()
	f.UpdateTokensCalls++
	f.lock.Unlock()

	if f.UpdateTokensFn != nil {
		return f.UpdateTokensFn(ctx, key, encAccess, encRefresh, expiresAt, refreshedAt)
	}
	return f.InMemoryRepo.UpdateTokens(ctx, key, encAccess, encRefresh, expiresAt, refreshedAt)
}

func (f *FakeConnectionRepo) MarkNeedsReauth(ctx context.Context, key connections.Key, reason string) error {
	f.lock.Lock()
	f.MarkNeedsReauthCalls++
	f.lock.Unlock()
	return f.InMemoryRepo.MarkNeedsReauth(ctx, key, reason)
}

func (f *FakeConnectionRepo) SetStatus(ctx context.Context, key connections.Key, status connections.Status, lastError string) error {
	f.lock.Lock()
	f.SetStatusCalls++
	f.lock.Unlock()
	return f.InMemoryRepo.SetStatus(ctx, key, status, lastError)
}
