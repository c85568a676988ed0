package providers

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"golang.org/x/oauth2"

	"github.com/twinlab/go-connect-server/internal/config"
	"github.com/twinlab/go-connect-server/internal/errors"
)

// Registry is the read-only lookup of provider descriptors. It is
// populated once at startup; Get has no side effects.
type Registry struct {
	creds config.SecurityConfig

	mu        sync.RWMutex
	providers map[string]*Provider

	discovery *discoveryCache
}

// NewRegistry builds a registry from the built-in catalog plus the
// optional providers file, resolving client credentials from the
// environment.
func NewRegistry(cfg config.Config) (*Registry, error) {
	r := &Registry{
		creds:     cfg,
		providers: make(map[string]*Provider),
		discovery: newDiscoveryCache(),
	}

	for _, p := range builtinCatalog() {
		r.Register(p)
	}

	if path := cfg.GetProvidersFile(); path != "" {
		extra, err := LoadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "[NewRegistry] load providers file %q", path)
		}
		for _, p := range extra {
			r.Register(p)
		}
	}

	return r, nil
}

// Register adds or replaces a provider descriptor. Environment-provided
// client credentials take precedence over descriptor-supplied ones.
func (r *Registry) Register(p Provider) {
	if p.TokenType == "" {
		p.TokenType = "bearer"
	}
	if id := r.creds.GetClientID(p.ID); id != "" {
		p.ClientID = id
	}
	if secret := r.creds.GetClientSecret(p.ID); secret != "" {
		p.ClientSecret = secret
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = &p
}

// Get returns the descriptor for a provider id.
func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownProvider, "[Registry.Get] %q", id)
	}
	// Copy so callers cannot mutate registry state.
	cp := *p
	return &cp, nil
}

// IDs returns all registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OAuthConfig builds the oauth2 client configuration for a provider.
// Endpoints missing from the descriptor are filled by OIDC discovery
// when the provider declares an issuer; anything still missing is a
// misconfiguration.
func (r *Registry) OAuthConfig(ctx context.Context, p *Provider, redirectURI string) (*oauth2.Config, error) {
	endpoint := oauth2.Endpoint{
		AuthURL:  p.AuthorizationEndpoint,
		TokenURL: p.TokenEndpoint,
	}

	if (endpoint.AuthURL == "" || endpoint.TokenURL == "") && p.Issuer != "" {
		discovered, err := r.discovery.endpoint(ctx, p.Issuer)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrProviderMisconfigured, "[Registry.OAuthConfig] discovery for %q failed: %v", p.ID, err)
		}
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
	}

	switch {
	case p.ClientID == "":
		return nil, errors.Wrapf(errors.ErrProviderMisconfigured, "[Registry.OAuthConfig] %q missing client id", p.ID)
	case endpoint.AuthURL == "" || endpoint.TokenURL == "":
		return nil, errors.Wrapf(errors.ErrProviderMisconfigured, "[Registry.OAuthConfig] %q missing endpoints", p.ID)
	}

	switch p.AuthStyle {
	case AuthStyleHeader:
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	default:
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  p.RedirectURI(redirectURI),
		Scopes:       p.Scopes,
	}, nil
}

// LoadFile reads provider descriptors from a JSON file.
func LoadFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed []Provider
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
