package connections

import "time"

// Status is the lifecycle state of a platform connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusExpiringSoon Status = "expiring_soon"
	StatusNeedsReauth  Status = "needs_reauth"
	StatusDisconnected Status = "disconnected"
)

// Key identifies a connection: one per {user, provider}.
type Key struct {
	UserID     string
	ProviderID string
}

// Connection is the durable record of a linked third-party account.
// Token fields hold vault ciphertext, never plaintext.
type Connection struct {
	UserID     string
	ProviderID string
	Status     Status

	EncryptedAccessToken  string
	EncryptedRefreshToken string // empty when the provider issues none

	ScopesGranted  []string
	TokenExpiresAt *time.Time // nil means non-expiring

	ConnectedAt     time.Time
	LastRefreshedAt *time.Time
	LastError       string
}

func (c *Connection) Key() Key {
	return Key{UserID: c.UserID, ProviderID: c.ProviderID}
}

// Refreshable reports whether a refresh call is possible at all.
func (c *Connection) Refreshable() bool {
	return c.EncryptedRefreshToken != ""
}
