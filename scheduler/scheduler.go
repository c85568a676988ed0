package scheduler

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"golang.org/x/sync/semaphore"

	"github.com/twinlab/go-connect-server/authflow"
	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/config"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/providers"
	"github.com/twinlab/go-connect-server/vault"
)

// Refresher performs a single refresh-grant call against a provider's
// token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, providerID, refreshToken string) (*authflow.TokenGrant, error)
}

// Scheduler sweeps the connection store for tokens approaching expiry
// and refreshes them ahead of time. Each sweep acquires a per-connection
// lease, caps concurrency with a weighted semaphore, and honours each
// provider's published rate limit.
type Scheduler struct {
	cfg       config.RefreshConfig
	registry  *providers.Registry
	repo      connections.Repo
	vault     *vault.Vault
	refresher Refresher
	leases    LeaseStore
	sem       *semaphore.Weighted
	clock     clockwork.Clock
	notifier  authflow.Notifier

	mu       sync.Mutex
	limiters map[string]limiter.Store
}

type Option func(*Scheduler)

// WithClock sets the clock (primarily for testing)
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithNotifier wires connection-state-changed events to a consumer.
func WithNotifier(n authflow.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithLeaseStore replaces the default in-memory lease store.
func WithLeaseStore(leases LeaseStore) Option {
	return func(s *Scheduler) { s.leases = leases }
}

func New(
	cfg config.RefreshConfig,
	registry *providers.Registry,
	repo connections.Repo,
	v *vault.Vault,
	refresher Refresher,
	options ...Option,
) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("[scheduler.New] config is required")
	}
	if registry == nil {
		return nil, errors.New("[scheduler.New] provider registry is required")
	}
	if repo == nil {
		return nil, errors.New("[scheduler.New] connection repo is required")
	}
	if v == nil {
		return nil, errors.New("[scheduler.New] vault is required")
	}
	if refresher == nil {
		return nil, errors.New("[scheduler.New] refresher is required")
	}

	s := &Scheduler{
		cfg:       cfg,
		registry:  registry,
		repo:      repo,
		vault:     v,
		refresher: refresher,
		sem:       semaphore.NewWeighted(cfg.GetRefreshConcurrency()),
		clock:     clockwork.NewRealClock(),
		limiters:  make(map[string]limiter.Store),
	}
	for _, option := range options {
		option(s)
	}
	if s.leases == nil {
		s.leases = NewInMemoryLeaseStore(cfg.GetLeaseTTL())
	}
	return s, nil
}

// Run sweeps on a fixed interval until the context is cancelled. Each
// sweep completes before the next begins.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", s.cfg.GetRefreshInterval()).
		Dur("lookahead", s.cfg.GetRefreshLookahead()).
		Msg("refresh scheduler started")

	ticker := s.clock.NewTicker(s.cfg.GetRefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("refresh scheduler stopped")
			return nil
		case <-ticker.Chan():
			if err := s.Scan(ctx); err != nil {
				log.Error().Err(err).Msg("refresh sweep failed")
			}
		}
	}
}

// Scan runs a single sweep: selects connections whose token expires
// within the lookahead window and refreshes each under a lease. Scan
// blocks until every job it launched has finished.
func (s *Scheduler) Scan(ctx context.Context) error {
	horizon := s.clock.Now().Add(s.cfg.GetRefreshLookahead())
	due, err := s.repo.ListExpiringBefore(ctx, horizon)
	if err != nil {
		return apperrors.Wrapf(err, "[Scheduler.Scan] listing expiring connections")
	}

	var wg sync.WaitGroup
	for _, conn := range due {
		if !s.leases.Acquire(conn.Key(), s.clock.Now()) {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.leases.Release(conn.Key())
			break
		}

		wg.Add(1)
		go func(conn *connections.Connection) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.leases.Release(conn.Key())
			s.refreshOne(ctx, conn)
		}(conn)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) refreshOne(ctx context.Context, conn *connections.Connection) {
	key := conn.Key()
	logger := log.With().
		Str("userId", conn.UserID).
		Str("provider", conn.ProviderID).
		Logger()

	if conn.Status == connections.StatusConnected {
		if err := s.repo.SetStatus(ctx, key, connections.StatusExpiringSoon, ""); err != nil {
			logger.Warn().Err(err).Msg("could not mark connection expiring soon")
		}
	}

	provider, err := s.registry.Get(conn.ProviderID)
	if err != nil {
		s.fail(ctx, key, "provider no longer configured")
		return
	}

	if !provider.Refreshable || !conn.Refreshable() {
		// No refresh call is possible. Leave the connection alone until
		// the token actually expires, then require re-authorization.
		if conn.TokenExpiresAt != nil && !conn.TokenExpiresAt.After(s.clock.Now()) {
			s.fail(ctx, key, "no refresh token available")
		}
		return
	}

	refreshToken, err := s.vault.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		// Stale or foreign ciphertext can never succeed on retry.
		logger.Warn().Err(err).Msg("stored refresh token is undecryptable")
		s.fail(ctx, key, "credential decryption failed")
		return
	}

	if !s.allow(ctx, provider) {
		// Provider budget exhausted. The connection stays expiring_soon
		// and is retried on a later sweep.
		logger.Debug().Msg("provider rate limit reached, deferring refresh")
		return
	}

	grant, err := s.refreshWithRetry(ctx, conn.ProviderID, refreshToken)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the refresh. The connection keeps its
			// tokens and the next sweep retries it.
			logger.Debug().Msg("refresh interrupted by shutdown")
			return
		}
		logger.Warn().Err(err).Msg("token refresh permanently failed")
		s.fail(ctx, key, err.Error())
		return
	}

	if err := s.storeGrant(ctx, key, conn, grant); err != nil {
		logger.Error().Err(err).Msg("could not persist refreshed tokens")
		return
	}

	logger.Info().Msg("access token refreshed")
	s.notify(key, connections.StatusConnected)
}

// refreshWithRetry retries transient failures with exponential backoff
// up to the configured attempt bound. Denials and decryption failures
// are permanent and returned immediately. Cancellation aborts the loop
// without a verdict on the connection.
func (s *Scheduler) refreshWithRetry(ctx context.Context, providerID, refreshToken string) (*authflow.TokenGrant, error) {
	maxAttempts := s.cfg.GetRefreshMaxAttempts()
	backoff := s.cfg.GetRefreshBackoffBase()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		grant, err := s.refresher.Refresh(ctx, providerID, refreshToken)
		if err == nil {
			return grant, nil
		}

		if apperrors.Is(err, apperrors.ErrExchangeDenied) || apperrors.Is(err, apperrors.ErrDecryptionFailed) {
			return nil, apperrors.Wrapf(apperrors.ErrRefreshPermanentlyFailed, "[refreshWithRetry] provider denied refresh: %v", err)
		}
		lastErr = err

		log.Warn().
			Str("provider", providerID).
			Int("attempt", attempt).
			Err(err).
			Msg("token refresh attempt failed")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrapf(ctx.Err(), "[refreshWithRetry] cancelled")
		case <-s.clock.After(backoff):
		}
		backoff *= 2
		if limit := s.cfg.GetRefreshBackoffCap(); backoff > limit {
			backoff = limit
		}
	}

	return nil, apperrors.Wrapf(apperrors.ErrRefreshPermanentlyFailed, "[refreshWithRetry] retries exhausted: %v", lastErr)
}

func (s *Scheduler) storeGrant(ctx context.Context, key connections.Key, conn *connections.Connection, grant *authflow.TokenGrant) error {
	encAccess, err := s.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return apperrors.Wrapf(err, "[Scheduler.storeGrant] encrypting access token")
	}

	// An omitted refresh token means the provider kept the old one valid.
	encRefresh := ""
	if grant.RefreshToken != "" {
		if encRefresh, err = s.vault.Encrypt(grant.RefreshToken); err != nil {
			return apperrors.Wrapf(err, "[Scheduler.storeGrant] encrypting refresh token")
		}
	}

	if err := s.repo.UpdateTokens(ctx, key, encAccess, encRefresh, grant.ExpiresAt, s.clock.Now()); err != nil {
		return apperrors.Wrapf(err, "[Scheduler.storeGrant] updating connection")
	}
	return nil
}

// allow consumes one token from the provider's rate-limit budget.
// Providers without a published limit are always allowed.
func (s *Scheduler) allow(ctx context.Context, provider *providers.Provider) bool {
	if provider.RateLimit.Count == 0 {
		return true
	}

	store, err := s.limiterFor(provider)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.ID).Msg("could not build rate limiter")
		return false
	}

	_, _, _, ok, err := store.Take(ctx, provider.ID)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.ID).Msg("rate limiter take failed")
		return false
	}
	return ok
}

func (s *Scheduler) limiterFor(provider *providers.Provider) (limiter.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.limiters[provider.ID]; ok {
		return store, nil
	}
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   provider.RateLimit.Count,
		Interval: provider.RateLimit.Window(),
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Scheduler.limiterFor] provider %q", provider.ID)
	}
	s.limiters[provider.ID] = store
	return store, nil
}

// fail moves the connection to needs_reauth, clearing both token fields
// so stale ciphertext is never retried.
func (s *Scheduler) fail(ctx context.Context, key connections.Key, reason string) {
	if err := s.repo.MarkNeedsReauth(ctx, key, reason); err != nil {
		log.Error().Err(err).
			Str("userId", key.UserID).
			Str("provider", key.ProviderID).
			Msg("could not mark connection needs_reauth")
		return
	}
	s.notify(key, connections.StatusNeedsReauth)
}

func (s *Scheduler) notify(key connections.Key, status connections.Status) {
	if s.notifier == nil {
		return
	}
	s.notifier.ConnectionChanged(key.UserID, key.ProviderID, status, s.clock.Now())
}
