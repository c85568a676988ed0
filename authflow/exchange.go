package authflow

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/twinlab/go-connect-server/authstate"
	"github.com/twinlab/go-connect-server/connections"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/providers"
	"github.com/twinlab/go-connect-server/vault"
)

const (
	exchangeMaxAttempts = 3
	exchangeBackoffBase = 500 * time.Millisecond
)

// TokenGrant is the canonical shape of a provider token response.
// Providers that omit expires_in yield a nil ExpiresAt: non-expiring.
type TokenGrant struct {
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time
	ScopesGranted []string
}

// Notifier receives connection-state-changed events.
type Notifier interface {
	ConnectionChanged(userID, providerID string, status connections.Status, at time.Time)
}

// ExchangeService trades authorization codes for tokens and persists the
// resulting connection.
type ExchangeService struct {
	registry    *providers.Registry
	states      *authstate.Store
	vault       *vault.Vault
	repo        connections.Repo
	redirectURI string
	callTimeout time.Duration
	clock       clockwork.Clock
	notifier    Notifier
}

type ExchangeOption func(*ExchangeService)

// WithExchangeClock sets the clock (primarily for testing)
func WithExchangeClock(clock clockwork.Clock) ExchangeOption {
	return func(s *ExchangeService) {
		s.clock = clock
	}
}

// WithNotifier wires connection-state events into the monitor hub.
func WithNotifier(n Notifier) ExchangeOption {
	return func(s *ExchangeService) {
		s.notifier = n
	}
}

func NewExchangeService(
	registry *providers.Registry,
	states *authstate.Store,
	v *vault.Vault,
	repo connections.Repo,
	redirectURI string,
	callTimeout time.Duration,
	options ...ExchangeOption,
) (*ExchangeService, error) {
	if registry == nil {
		return nil, errors.New("[NewExchangeService] registry is required")
	}
	if states == nil {
		return nil, errors.New("[NewExchangeService] state store is required")
	}
	if v == nil {
		return nil, errors.New("[NewExchangeService] vault is required")
	}
	if repo == nil {
		return nil, errors.New("[NewExchangeService] connection repo is required")
	}

	service := &ExchangeService{
		registry:    registry,
		states:      states,
		vault:       v,
		repo:        repo,
		redirectURI: redirectURI,
		callTimeout: callTimeout,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range options {
		opt(service)
	}
	return service, nil
}

// Exchange validates and consumes the state, trades the code for tokens
// and upserts the connection as connected.
func (s *ExchangeService) Exchange(ctx context.Context, code, stateParam string) (*connections.Connection, error) {
	record, err := s.states.Validate(stateParam)
	if err != nil {
		return nil, err
	}

	provider, err := s.registry.Get(record.ProviderID)
	if err != nil {
		return nil, err
	}
	conf, err := s.registry.OAuthConfig(ctx, provider, s.redirectURI)
	if err != nil {
		return nil, err
	}

	grant, err := s.exchangeWithRetry(ctx, conf, provider, code, record.PKCEVerifier)
	if err != nil {
		return nil, err
	}

	conn, err := s.storeGrant(ctx, record.UserID, provider, grant)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("provider", provider.ID).
		Str("user", record.UserID).
		Msg("connection established")

	if s.notifier != nil {
		s.notifier.ConnectionChanged(conn.UserID, conn.ProviderID, conn.Status, s.clock.Now())
	}
	return conn, nil
}

// Refresh performs a single refresh-token grant against the provider.
// Retrying is the caller's concern: the scheduler owns backoff policy.
func (s *ExchangeService) Refresh(ctx context.Context, providerID, refreshToken string) (*TokenGrant, error) {
	provider, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	if !provider.Refreshable {
		return nil, apperrors.Wrapf(apperrors.ErrExchangeDenied, "[ExchangeService.Refresh] provider %q is not refreshable", providerID)
	}

	conf, err := s.registry.OAuthConfig(ctx, provider, s.redirectURI)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	source := conf.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return normalizeToken(token, provider), nil
}

func (s *ExchangeService) exchangeWithRetry(ctx context.Context, conf *oauth2.Config, provider *providers.Provider, code, verifier string) (*TokenGrant, error) {
	var lastErr error
	backoff := exchangeBackoffBase

	for attempt := 1; attempt <= exchangeMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		token, err := conf.Exchange(callCtx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
		cancel()

		if err == nil {
			return normalizeToken(token, provider), nil
		}

		classified := classifyProviderError(err)
		if apperrors.Is(classified, apperrors.ErrExchangeDenied) {
			return nil, classified
		}
		lastErr = classified

		log.Warn().
			Str("provider", provider.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("token exchange attempt failed")

		if attempt == exchangeMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrapf(apperrors.ErrExchangeUnavailable, "[exchangeWithRetry] cancelled: %v", ctx.Err())
		case <-s.clock.After(backoff):
		}
		backoff *= 2
	}

	return nil, lastErr
}

func (s *ExchangeService) storeGrant(ctx context.Context, userID string, provider *providers.Provider, grant *TokenGrant) (*connections.Connection, error) {
	encAccess, err := s.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeService] encrypt access token")
	}

	var encRefresh string
	if grant.RefreshToken != "" {
		encRefresh, err = s.vault.Encrypt(grant.RefreshToken)
		if err != nil {
			return nil, errors.Wrap(err, "[ExchangeService] encrypt refresh token")
		}
	}

	conn := &connections.Connection{
		UserID:                userID,
		ProviderID:            provider.ID,
		Status:                connections.StatusConnected,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ScopesGranted:         grant.ScopesGranted,
		TokenExpiresAt:        grant.ExpiresAt,
		ConnectedAt:           s.clock.Now(),
	}
	if err := s.repo.Upsert(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "[ExchangeService] upsert connection")
	}
	return conn, nil
}

func normalizeToken(token *oauth2.Token, provider *providers.Provider) *TokenGrant {
	grant := &TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		grant.ExpiresAt = &expiry
	}

	// Providers that narrow the grant echo the scopes back; otherwise the
	// requested scopes stand.
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		grant.ScopesGranted = providers.SplitScopes(scope)
	} else {
		grant.ScopesGranted = provider.Scopes
	}
	return grant
}

// classifyProviderError maps token endpoint failures onto the error
// taxonomy: invalid_grant/invalid_client are user-actionable denials,
// 429 is a rate limit, everything else is a transient outage.
func classifyProviderError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client":
			return apperrors.Wrapf(apperrors.ErrExchangeDenied, "[provider] %s", retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil {
			switch {
			case retrieveErr.Response.StatusCode == http.StatusTooManyRequests:
				return apperrors.Wrapf(apperrors.ErrRateLimited, "[provider] status %d", retrieveErr.Response.StatusCode)
			case retrieveErr.Response.StatusCode >= 500:
				return apperrors.Wrapf(apperrors.ErrExchangeUnavailable, "[provider] status %d", retrieveErr.Response.StatusCode)
			}
		}
		// 4xx without a recognized error code: the request itself is bad.
		return apperrors.Wrapf(apperrors.ErrExchangeDenied, "[provider] unexpected response: %v", retrieveErr)
	}
	return apperrors.Wrapf(apperrors.ErrExchangeUnavailable, "[provider] %v", err)
}
