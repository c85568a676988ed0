package authflow

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/twinlab/go-connect-server/authstate"
	"github.com/twinlab/go-connect-server/providers"
)

// Builder constructs provider authorization redirect URLs. Each call
// generates a fresh PKCE verifier and stores one authorization state
// record as its only side effect.
type Builder struct {
	registry    *providers.Registry
	states      *authstate.Store
	redirectURI string
}

func NewBuilder(registry *providers.Registry, states *authstate.Store, redirectURI string) (*Builder, error) {
	if registry == nil {
		return nil, errors.New("[authflow.NewBuilder] registry is required")
	}
	if states == nil {
		return nil, errors.New("[authflow.NewBuilder] state store is required")
	}

	return &Builder{
		registry:    registry,
		states:      states,
		redirectURI: redirectURI,
	}, nil
}

// AuthorizationURL returns the URL to send the user's agent to: the
// provider's authorization endpoint with client id, redirect URI, scopes,
// response_type=code, the S256 code challenge and the encrypted state.
func (b *Builder) AuthorizationURL(ctx context.Context, userID, providerID string) (string, error) {
	provider, err := b.registry.Get(providerID)
	if err != nil {
		return "", err
	}

	conf, err := b.registry.OAuthConfig(ctx, provider, b.redirectURI)
	if err != nil {
		return "", err
	}

	verifier := generateRandomString(verifierLength)
	challenge := generateCodeChallenge(verifier)

	stateParam, err := b.states.Issue(userID, providerID, verifier)
	if err != nil {
		return "", errors.Wrap(err, "[Builder.AuthorizationURL] issue state")
	}

	return conf.AuthCodeURL(stateParam,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}
