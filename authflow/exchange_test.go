package authflow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/twinlab/go-connect-server/authflow"
	"github.com/twinlab/go-connect-server/authstate"
	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/config"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/providers"
	"github.com/twinlab/go-connect-server/vault"
)

const (
	testUserID      = "user-1"
	testProviderID  = "testprov"
	testRedirectURI = "http://localhost:8080/oauth/callback"
)

type testVaultConfig struct{}

func (testVaultConfig) GetVaultMasterSecret() string { return "authflow-test-secret" }
func (testVaultConfig) GetVaultKeyInfo() string      { return "test/authflow" }

// testFixture holds all test dependencies
type testFixture struct {
	registry *providers.Registry
	vault    *vault.Vault
	states   *authstate.Store
	repo     *connections.InMemoryRepo
	builder  *authflow.Builder
	service  *authflow.ExchangeService
	clock    *clockwork.FakeClock
}

func setupTestFixture(t *testing.T, tokenEndpoint string) *testFixture {
	t.Helper()

	registry, err := providers.NewRegistry(config.New())
	require.NoError(t, err)
	registry.Register(providers.Provider{
		ID:                    testProviderID,
		AuthorizationEndpoint: "https://auth.test/authorize",
		TokenEndpoint:         tokenEndpoint,
		ClientID:              "client-1",
		ClientSecret:          "secret-1",
		Scopes:                []string{"read", "history"},
		Refreshable:           true,
		AuthStyle:             providers.AuthStyleBody,
	})

	v := vault.New(testVaultConfig{})
	t.Cleanup(v.Reset)

	clock := clockwork.NewFakeClock()
	states, err := authstate.NewStore(authstate.NewInMemoryRepo(), v, 600*time.Second, authstate.WithClock(clock))
	require.NoError(t, err)

	repo := connections.NewInMemoryRepo()

	builder, err := authflow.NewBuilder(registry, states, testRedirectURI)
	require.NoError(t, err)

	service, err := authflow.NewExchangeService(registry, states, v, repo, testRedirectURI, 5*time.Second,
		authflow.WithExchangeClock(clock))
	require.NoError(t, err)

	return &testFixture{
		registry: registry,
		vault:    v,
		states:   states,
		repo:     repo,
		builder:  builder,
		service:  service,
		clock:    clock,
	}
}

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestBuilder_AuthorizationURL(t *testing.T) {
	f := setupTestFixture(t, "https://auth.test/token")

	rawURL, err := f.builder.AuthorizationURL(context.Background(), testUserID, testProviderID)
	require.NoError(t, err)

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	require.Equal(t, "auth.test", parsed.Host)

	query := parsed.Query()
	require.Equal(t, "client-1", query.Get("client_id"))
	require.Equal(t, testRedirectURI, query.Get("redirect_uri"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "read history", query.Get("scope"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.NotEmpty(t, query.Get("code_challenge"))
	require.NotEmpty(t, query.Get("state"))

	// The state parameter is an encrypted envelope, not the raw state id.
	record, err := f.states.Validate(query.Get("state"))
	require.NoError(t, err)
	require.Equal(t, testUserID, record.UserID)
}

func TestBuilder_UnknownProvider(t *testing.T) {
	f := setupTestFixture(t, "https://auth.test/token")

	_, err := f.builder.AuthorizationURL(context.Background(), testUserID, "myspace")
	require.ErrorIs(t, err, apperrors.ErrUnknownProvider)
}

func TestExchange_EndToEnd(t *testing.T) {
	var gotVerifier atomic.Value
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier.Store(r.FormValue("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "abc",
			"refresh_token": "xyz",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})
	f := setupTestFixture(t, server.URL)

	rawURL, err := f.builder.AuthorizationURL(context.Background(), testUserID, testProviderID)
	require.NoError(t, err)
	stateParam := mustQueryParam(t, rawURL, "state")

	conn, err := f.service.Exchange(context.Background(), "auth-code-1", stateParam)
	require.NoError(t, err)
	require.Equal(t, connections.StatusConnected, conn.Status)
	require.NotEmpty(t, gotVerifier.Load())

	stored, err := f.repo.Get(context.Background(), connections.Key{UserID: testUserID, ProviderID: testProviderID})
	require.NoError(t, err)
	require.Equal(t, connections.StatusConnected, stored.Status)
	require.NotNil(t, stored.TokenExpiresAt)
	require.WithinDuration(t, time.Now().Add(3600*time.Second), *stored.TokenExpiresAt, 30*time.Second)

	access, err := f.vault.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	require.Equal(t, "abc", access)
	refresh, err := f.vault.Decrypt(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "xyz", refresh)
}

func TestExchange_NonExpiringToken(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gh-token",
			"token_type":   "bearer",
		})
	})
	f := setupTestFixture(t, server.URL)

	stateParam := issueState(t, f)
	conn, err := f.service.Exchange(context.Background(), "auth-code-1", stateParam)
	require.NoError(t, err)
	require.Nil(t, conn.TokenExpiresAt, "missing expires_in means non-expiring")
	require.Empty(t, conn.EncryptedRefreshToken)
}

func TestExchange_StateSingleUse(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "abc", "token_type": "bearer"})
	})
	f := setupTestFixture(t, server.URL)

	stateParam := issueState(t, f)
	_, err := f.service.Exchange(context.Background(), "auth-code-1", stateParam)
	require.NoError(t, err)

	_, err = f.service.Exchange(context.Background(), "auth-code-1", stateParam)
	require.ErrorIs(t, err, apperrors.ErrInvalidOrExpiredState)
}

func TestExchange_DeniedNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	})
	f := setupTestFixture(t, server.URL)

	stateParam := issueState(t, f)
	_, err := f.service.Exchange(context.Background(), "reused-code", stateParam)
	require.ErrorIs(t, err, apperrors.ErrExchangeDenied)
	require.Equal(t, int32(1), calls.Load(), "denials must not be retried")
}

func TestExchange_TransientRetriedThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	f := setupTestFixture(t, server.URL)

	stateParam := issueState(t, f)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.Exchange(context.Background(), "auth-code-1", stateParam)
		done <- err
	}()

	// Two backoff sleeps separate the three attempts.
	for i := 0; i < 2; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(time.Minute)
	}

	err := <-done
	require.ErrorIs(t, err, apperrors.ErrExchangeUnavailable)
	require.Equal(t, int32(3), calls.Load())
}

func TestRefresh_Classification(t *testing.T) {
	t.Run("denied on invalid_grant", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
		})
		f := setupTestFixture(t, server.URL)

		_, err := f.service.Refresh(context.Background(), testProviderID, "stale-refresh-token")
		require.ErrorIs(t, err, apperrors.ErrExchangeDenied)
	})

	t.Run("rate limited on 429", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		f := setupTestFixture(t, server.URL)

		_, err := f.service.Refresh(context.Background(), testProviderID, "refresh-token")
		require.ErrorIs(t, err, apperrors.ErrRateLimited)
	})

	t.Run("unavailable on 5xx", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		f := setupTestFixture(t, server.URL)

		_, err := f.service.Refresh(context.Background(), testProviderID, "refresh-token")
		require.ErrorIs(t, err, apperrors.ErrExchangeUnavailable)
	})

	t.Run("denied for non-refreshable provider", func(t *testing.T) {
		f := setupTestFixture(t, "https://auth.test/token")
		f.registry.Register(providers.Provider{
			ID:                    "static",
			AuthorizationEndpoint: "https://auth.test/authorize",
			TokenEndpoint:         "https://auth.test/token",
			ClientID:              "client-1",
			Refreshable:           false,
		})

		_, err := f.service.Refresh(context.Background(), "static", "refresh-token")
		require.ErrorIs(t, err, apperrors.ErrExchangeDenied)
	})
}

func TestRefresh_Success(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "old-refresh", r.FormValue("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})
	f := setupTestFixture(t, server.URL)

	grant, err := f.service.Refresh(context.Background(), testProviderID, "old-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", grant.AccessToken)
	require.Equal(t, "new-refresh", grant.RefreshToken)
	require.NotNil(t, grant.ExpiresAt)
}

func issueState(t *testing.T, f *testFixture) string {
	t.Helper()
	rawURL, err := f.builder.AuthorizationURL(context.Background(), testUserID, testProviderID)
	require.NoError(t, err)
	return mustQueryParam(t, rawURL, "state")
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	value := parsed.Query().Get(key)
	require.NotEmpty(t, value)
	return value
}
