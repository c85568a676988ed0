package sqliterepo

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/internal/utils"
	"github.com/twinlab/go-connect-server/providers"
)

//go:embed schema.sql
var schema string

// Repo is the sqlite-backed connection store. Each mutation is a single
// statement, so concurrent writers (scheduler vs exchange service) see
// atomic updates, and token writes are conditioned on the current status
// so an intervening disconnect or revocation is never undone.
type Repo struct {
	db *sql.DB
}

func New(dbPath string) (*Repo, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &Repo{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) initSchema() error {
	_, err := r.db.Exec(schema)
	return err
}

func (r *Repo) Get(ctx context.Context, key connections.Key) (*connections.Connection, error) {
	query := `
		SELECT user_id, provider_id, status, encrypted_access_token, encrypted_refresh_token,
		       scopes_granted, token_expires_at, connected_at, last_refreshed_at, last_error
		FROM connections
		WHERE user_id = ? AND provider_id = ?
	`
	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, key.UserID, key.ProviderID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *Repo) Upsert(ctx context.Context, conn *connections.Connection) error {
	query := `
		INSERT INTO connections (
			user_id, provider_id, status, encrypted_access_token, encrypted_refresh_token,
			scopes_granted, token_expires_at, connected_at, last_refreshed_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider_id) DO UPDATE SET
			status = excluded.status,
			encrypted_access_token = excluded.encrypted_access_token,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			scopes_granted = excluded.scopes_granted,
			token_expires_at = excluded.token_expires_at,
			connected_at = excluded.connected_at,
			last_refreshed_at = excluded.last_refreshed_at,
			last_error = excluded.last_error
	`
	_, err := r.db.ExecContext(ctx, query,
		conn.UserID,
		conn.ProviderID,
		string(conn.Status),
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		providers.ScopeString(conn.ScopesGranted),
		unixOrNull(conn.TokenExpiresAt),
		conn.ConnectedAt.Unix(),
		unixOrNull(conn.LastRefreshedAt),
		conn.LastError,
	)
	return err
}

func (r *Repo) List(ctx context.Context, userID string) ([]*connections.Connection, error) {
	query := `
		SELECT user_id, provider_id, status, encrypted_access_token, encrypted_refresh_token,
		       scopes_granted, token_expires_at, connected_at, last_refreshed_at, last_error
		FROM connections
		WHERE user_id = ?
		ORDER BY provider_id
	`
	return r.queryConnections(ctx, query, userID)
}

func (r *Repo) ListExpiringBefore(ctx context.Context, instant time.Time) ([]*connections.Connection, error) {
	query := `
		SELECT user_id, provider_id, status, encrypted_access_token, encrypted_refresh_token,
		       scopes_granted, token_expires_at, connected_at, last_refreshed_at, last_error
		FROM connections
		WHERE status IN (?, ?)
		  AND token_expires_at IS NOT NULL
		  AND token_expires_at <= ?
		ORDER BY user_id, provider_id
	`
	return r.queryConnections(ctx, query,
		string(connections.StatusConnected),
		string(connections.StatusExpiringSoon),
		instant.Unix(),
	)
}

func (r *Repo) UpdateTokens(ctx context.Context, key connections.Key, encAccess, encRefresh string, expiresAt *time.Time, refreshedAt time.Time) error {
	// The status guard makes the write conditional: a disconnect or
	// revocation that landed after the refresh started wins, and the
	// refreshed tokens are discarded.
	query := `
		UPDATE connections
		SET encrypted_access_token = ?,
		    encrypted_refresh_token = CASE WHEN ? = '' THEN encrypted_refresh_token ELSE ? END,
		    token_expires_at = ?,
		    last_refreshed_at = ?,
		    status = ?,
		    last_error = ''
		WHERE user_id = ? AND provider_id = ? AND status IN (?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		encAccess, encRefresh, encRefresh, unixOrNull(expiresAt), refreshedAt.Unix(),
		string(connections.StatusConnected), key.UserID, key.ProviderID,
		string(connections.StatusConnected), string(connections.StatusExpiringSoon),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from one the guard skipped.
		if _, err := r.Get(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) SetStatus(ctx context.Context, key connections.Key, status connections.Status, lastError string) error {
	query := `
		UPDATE connections
		SET status = ?, last_error = ?
		WHERE user_id = ? AND provider_id = ?
	`
	return r.execOnKey(ctx, query, string(status), lastError, key.UserID, key.ProviderID)
}

func (r *Repo) MarkNeedsReauth(ctx context.Context, key connections.Key, reason string) error {
	query := `
		UPDATE connections
		SET status = ?, last_error = ?,
		    encrypted_access_token = '', encrypted_refresh_token = '', token_expires_at = NULL
		WHERE user_id = ? AND provider_id = ?
	`
	return r.execOnKey(ctx, query, string(connections.StatusNeedsReauth), reason, key.UserID, key.ProviderID)
}

func (r *Repo) Disconnect(ctx context.Context, key connections.Key) error {
	query := `
		UPDATE connections
		SET status = ?, last_error = '',
		    encrypted_access_token = '', encrypted_refresh_token = '', token_expires_at = NULL
		WHERE user_id = ? AND provider_id = ?
	`
	return r.execOnKey(ctx, query, string(connections.StatusDisconnected), key.UserID, key.ProviderID)
}

func (r *Repo) execOnKey(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.ErrConnectionNotFound
	}
	return nil
}

func (r *Repo) queryConnections(ctx context.Context, query string, args ...any) ([]*connections.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*connections.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*connections.Connection, error) {
	var conn connections.Connection
	var status, scopes string
	var tokenExpiresAt, lastRefreshedAt sql.NullInt64
	var connectedAt int64

	err := row.Scan(
		&conn.UserID,
		&conn.ProviderID,
		&status,
		&conn.EncryptedAccessToken,
		&conn.EncryptedRefreshToken,
		&scopes,
		&tokenExpiresAt,
		&connectedAt,
		&lastRefreshedAt,
		&conn.LastError,
	)
	if err != nil {
		return nil, err
	}

	conn.Status = connections.Status(status)
	conn.ScopesGranted = providers.SplitScopes(scopes)
	conn.ConnectedAt = time.Unix(connectedAt, 0)
	if tokenExpiresAt.Valid {
		conn.TokenExpiresAt = utils.Ptr(time.Unix(tokenExpiresAt.Int64, 0))
	}
	if lastRefreshedAt.Valid {
		conn.LastRefreshedAt = utils.Ptr(time.Unix(lastRefreshedAt.Int64, 0))
	}
	return &conn, nil
}

func unixOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

var _ connections.Repo = (*Repo)(nil)
