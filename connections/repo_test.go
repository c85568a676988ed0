package connections_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/connections/sqliterepo"
	"github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/internal/utils"
)

func repoImplementations(t *testing.T) map[string]connections.Repo {
	t.Helper()

	sqlite, err := sqliterepo.New(filepath.Join(t.TempDir(), "connections.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]connections.Repo{
		"inmemory": connections.NewInMemoryRepo(),
		"sqlite":   sqlite,
	}
}

func testConnection(userID, providerID string, expiresAt *time.Time) *connections.Connection {
	return &connections.Connection{
		UserID:                userID,
		ProviderID:            providerID,
		Status:                connections.StatusConnected,
		EncryptedAccessToken:  "iv:tag:access",
		EncryptedRefreshToken: "iv:tag:refresh",
		ScopesGranted:         []string{"read", "write"},
		TokenExpiresAt:        expiresAt,
		ConnectedAt:           time.Unix(1700000000, 0),
	}
}

func TestRepo_UpsertAndGet(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)
			conn := testConnection("user-1", "spotify", &expiry)

			require.NoError(t, repo.Upsert(ctx, conn))

			got, err := repo.Get(ctx, conn.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusConnected, got.Status)
			require.Equal(t, "iv:tag:access", got.EncryptedAccessToken)
			require.Equal(t, []string{"read", "write"}, got.ScopesGranted)
			require.NotNil(t, got.TokenExpiresAt)
			require.Equal(t, expiry.Unix(), got.TokenExpiresAt.Unix())

			_, err = repo.Get(ctx, connections.Key{UserID: "user-1", ProviderID: "github"})
			require.ErrorIs(t, err, errors.ErrConnectionNotFound)
		})
	}
}

func TestRepo_ListExpiringBefore(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(1700000000, 0)

			soon := now.Add(300 * time.Second)
			later := now.Add(3600 * time.Second)

			require.NoError(t, repo.Upsert(ctx, testConnection("user-1", "spotify", &soon)))
			require.NoError(t, repo.Upsert(ctx, testConnection("user-1", "discord", &later)))
			require.NoError(t, repo.Upsert(ctx, testConnection("user-1", "github", nil)))

			reauth := testConnection("user-2", "spotify", &soon)
			reauth.Status = connections.StatusNeedsReauth
			require.NoError(t, repo.Upsert(ctx, reauth))

			expiring, err := repo.ListExpiringBefore(ctx, now.Add(600*time.Second))
			require.NoError(t, err)
			require.Len(t, expiring, 1)
			require.Equal(t, "spotify", expiring[0].ProviderID)
			require.Equal(t, "user-1", expiring[0].UserID)
		})
	}
}

func TestRepo_UpdateTokens(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)
			conn := testConnection("user-1", "spotify", &expiry)
			conn.Status = connections.StatusExpiringSoon
			conn.LastError = "previous transient failure"
			require.NoError(t, repo.Upsert(ctx, conn))

			newExpiry := time.Unix(1700007200, 0)
			refreshedAt := time.Unix(1700003000, 0)
			require.NoError(t, repo.UpdateTokens(ctx, conn.Key(), "iv:tag:access2", "iv:tag:refresh2", &newExpiry, refreshedAt))

			got, err := repo.Get(ctx, conn.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusConnected, got.Status)
			require.Equal(t, "iv:tag:access2", got.EncryptedAccessToken)
			require.Equal(t, "iv:tag:refresh2", got.EncryptedRefreshToken)
			require.Empty(t, got.LastError)
			require.Equal(t, newExpiry.Unix(), got.TokenExpiresAt.Unix())
			require.Equal(t, refreshedAt.Unix(), got.LastRefreshedAt.Unix())
		})
	}
}

func TestRepo_UpdateTokensKeepsRefreshTokenWhenOmitted(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)
			conn := testConnection("user-1", "spotify", &expiry)
			require.NoError(t, repo.Upsert(ctx, conn))

			// Providers may rotate only the access token.
			require.NoError(t, repo.UpdateTokens(ctx, conn.Key(), "iv:tag:access2", "", utils.Ptr(expiry), time.Unix(1700003000, 0)))

			got, err := repo.Get(ctx, conn.Key())
			require.NoError(t, err)
			require.Equal(t, "iv:tag:refresh", got.EncryptedRefreshToken)
		})
	}
}

func TestRepo_UpdateTokensIgnoredAfterDisconnectOrRevocation(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)

			disconnected := testConnection("user-1", "spotify", &expiry)
			require.NoError(t, repo.Upsert(ctx, disconnected))
			require.NoError(t, repo.Disconnect(ctx, disconnected.Key()))

			revoked := testConnection("user-1", "discord", &expiry)
			require.NoError(t, repo.Upsert(ctx, revoked))
			require.NoError(t, repo.MarkNeedsReauth(ctx, revoked.Key(), "provider reported access revoked"))

			// A refresh result arriving after the disconnect or revocation
			// must not resurrect the connection.
			for _, conn := range []*connections.Connection{disconnected, revoked} {
				require.NoError(t, repo.UpdateTokens(ctx, conn.Key(), "iv:tag:late-access", "iv:tag:late-refresh", utils.Ptr(expiry), time.Unix(1700003000, 0)))
			}

			got, err := repo.Get(ctx, disconnected.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusDisconnected, got.Status)
			require.Empty(t, got.EncryptedAccessToken)
			require.Empty(t, got.EncryptedRefreshToken)

			got, err = repo.Get(ctx, revoked.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusNeedsReauth, got.Status)
			require.Empty(t, got.EncryptedAccessToken)
			require.Empty(t, got.EncryptedRefreshToken)

			require.ErrorIs(t,
				repo.UpdateTokens(ctx, connections.Key{UserID: "nobody", ProviderID: "spotify"}, "iv:tag:a", "", nil, time.Unix(1700003000, 0)),
				errors.ErrConnectionNotFound)
		})
	}
}

func TestRepo_MarkNeedsReauthClearsTokens(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)
			conn := testConnection("user-1", "spotify", &expiry)
			require.NoError(t, repo.Upsert(ctx, conn))

			require.NoError(t, repo.MarkNeedsReauth(ctx, conn.Key(), "invalid_grant"))

			got, err := repo.Get(ctx, conn.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusNeedsReauth, got.Status)
			require.Equal(t, "invalid_grant", got.LastError)
			require.Empty(t, got.EncryptedAccessToken)
			require.Empty(t, got.EncryptedRefreshToken)
			require.Nil(t, got.TokenExpiresAt)
		})
	}
}

func TestRepo_Disconnect(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Unix(1700003600, 0)
			conn := testConnection("user-1", "spotify", &expiry)
			require.NoError(t, repo.Upsert(ctx, conn))

			require.NoError(t, repo.Disconnect(ctx, conn.Key()))

			got, err := repo.Get(ctx, conn.Key())
			require.NoError(t, err)
			require.Equal(t, connections.StatusDisconnected, got.Status)
			require.Empty(t, got.EncryptedAccessToken)
			require.Empty(t, got.EncryptedRefreshToken)

			require.ErrorIs(t, repo.Disconnect(ctx, connections.Key{UserID: "nobody", ProviderID: "spotify"}), errors.ErrConnectionNotFound)
		})
	}
}

func TestRepo_List(t *testing.T) {
	for name, repo := range repoImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Upsert(ctx, testConnection("user-1", "spotify", nil)))
			require.NoError(t, repo.Upsert(ctx, testConnection("user-1", "discord", nil)))
			require.NoError(t, repo.Upsert(ctx, testConnection("user-2", "github", nil)))

			listed, err := repo.List(ctx, "user-1")
			require.NoError(t, err)
			require.Len(t, listed, 2)
			require.Equal(t, "discord", listed[0].ProviderID)
			require.Equal(t, "spotify", listed[1].ProviderID)
		})
	}
}
