package providers

import (
	"context"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// discoveryCache resolves OAuth endpoints from an OIDC issuer once and
// caches the result for the process lifetime.
type discoveryCache struct {
	mu        sync.RWMutex
	endpoints map[string]oauth2.Endpoint
}

func newDiscoveryCache() *discoveryCache {
	return &discoveryCache{endpoints: make(map[string]oauth2.Endpoint)}
}

func (d *discoveryCache) endpoint(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
	d.mu.RLock()
	ep, ok := d.endpoints[issuer]
	d.mu.RUnlock()
	if ok {
		return ep, nil
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return oauth2.Endpoint{}, err
	}

	ep = provider.Endpoint()
	d.mu.Lock()
	d.endpoints[issuer] = ep
	d.mu.Unlock()

	return ep, nil
}
