package providers

import (
	"strings"
	"time"
)

// AuthStyle selects how client credentials are transmitted to the token
// endpoint.
type AuthStyle string

const (
	// AuthStyleBody puts client_id/client_secret in the POST body.
	AuthStyleBody AuthStyle = "body"
	// AuthStyleHeader sends client credentials as an HTTP basic auth header.
	AuthStyleHeader AuthStyle = "header"
)

// RateLimit bounds token-endpoint calls per provider.
type RateLimit struct {
	Count         uint64 `json:"count"`
	WindowSeconds int    `json:"windowSeconds"`
}

func (rl RateLimit) Window() time.Duration {
	return time.Duration(rl.WindowSeconds) * time.Second
}

// Provider is the immutable descriptor of a third-party OAuth provider.
// Adding a provider is a data-only change: a catalog entry or a row in
// the providers file, plus client credentials in the environment.
type Provider struct {
	ID                    string    `json:"id"`
	AuthorizationEndpoint string    `json:"authorizationEndpoint"`
	TokenEndpoint         string    `json:"tokenEndpoint"`
	Issuer                string    `json:"issuer,omitempty"` // endpoints discovered via OIDC when set
	Scopes                []string  `json:"scopes"`
	TokenType             string    `json:"tokenType"`
	Refreshable           bool      `json:"refreshable"`
	AuthStyle             AuthStyle `json:"authStyle"`
	RateLimit             RateLimit `json:"rateLimit"`

	// Some providers allow only a single registered redirect URI per
	// application; SingleRedirectURI flags them. The first entry of
	// RedirectURIs is the default.
	RedirectURIs      []string `json:"redirectURIs,omitempty"`
	SingleRedirectURI bool     `json:"singleRedirectURI,omitempty"`

	// Loaded from the environment by the registry, never serialized.
	ClientID     string `json:"-"`
	ClientSecret string `json:"-"`
}

// RedirectURI returns the default redirect URI, falling back to the
// service-wide callback when none is configured for the provider.
func (p *Provider) RedirectURI(fallback string) string {
	if len(p.RedirectURIs) > 0 {
		return p.RedirectURIs[0]
	}
	return fallback
}

// ScopeString renders scopes as the space-delimited OAuth scope parameter.
func ScopeString(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses a space-delimited scope parameter.
func SplitScopes(scope string) []string {
	if strings.TrimSpace(scope) == "" {
		return nil
	}
	return strings.Fields(scope)
}
