package config

import "strings"

type SecurityConfig interface {
	GetStreamSigningSecret() string
	GetClientID(providerID string) string
	GetClientSecret(providerID string) string
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetStreamSigningSecret is the HS256 secret used to verify bearer
// tokens minted by the outer system for the API and push stream.
func (Security) GetStreamSigningSecret() string {
	return GetEnv("STREAM_SIGNING_SECRET", "")
}

// GetClientID returns the OAuth client id registered with a provider,
// e.g. OAUTH_CLIENT_ID_SPOTIFY for provider "spotify".
func (Security) GetClientID(providerID string) string {
	return GetEnv("OAUTH_CLIENT_ID_"+envSuffix(providerID), "")
}

// GetClientSecret returns the matching client secret. It is never
// serialized to any client-facing surface.
func (Security) GetClientSecret(providerID string) string {
	return GetEnv("OAUTH_CLIENT_SECRET_"+envSuffix(providerID), "")
}

func envSuffix(providerID string) string {
	s := strings.ToUpper(providerID)
	return strings.NewReplacer("-", "_", ".", "_").Replace(s)
}
