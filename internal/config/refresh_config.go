package config

import "time"

type RefreshConfig interface {
	GetRefreshInterval() time.Duration
	GetRefreshLookahead() time.Duration
	GetRefreshMaxAttempts() int
	GetRefreshBackoffBase() time.Duration
	GetRefreshBackoffCap() time.Duration
	GetRefreshConcurrency() int64
	GetRefreshCallTimeout() time.Duration
	GetLeaseTTL() time.Duration
	GetStateTTL() time.Duration
}

type Refresh struct{}

var _ RefreshConfig = Refresh{}

// GetRefreshInterval is how often the scheduler scans for expiring
// connections.
func (Refresh) GetRefreshInterval() time.Duration {
	return 1 * time.Minute
}

// GetRefreshLookahead is the window ahead of token expiry within which a
// connection becomes eligible for a proactive refresh.
func (Refresh) GetRefreshLookahead() time.Duration {
	return 10 * time.Minute
}

// GetRefreshMaxAttempts bounds transient-failure retries before a
// connection is moved to needs_reauth.
func (Refresh) GetRefreshMaxAttempts() int {
	return 5
}

func (Refresh) GetRefreshBackoffBase() time.Duration {
	return 2 * time.Second
}

func (Refresh) GetRefreshBackoffCap() time.Duration {
	return 2 * time.Minute
}

// GetRefreshConcurrency caps concurrent refresh calls across all
// providers.
func (Refresh) GetRefreshConcurrency() int64 {
	return 8
}

func (Refresh) GetRefreshCallTimeout() time.Duration {
	return 15 * time.Second
}

// GetLeaseTTL is how long a refresh lease is held before an unreleased
// lease is treated as abandoned and may be reclaimed.
func (Refresh) GetLeaseTTL() time.Duration {
	return 2 * time.Minute
}

// GetStateTTL is the lifetime of an authorization state record.
func (Refresh) GetStateTTL() time.Duration {
	return 600 * time.Second
}
