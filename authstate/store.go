package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	apperrors "github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/vault"
)

const stateIDLength = 32

// stateEnvelope is the payload encrypted into the state parameter sent to
// the provider. Intercepted it reveals nothing; after TTL expiry the
// referenced record is gone and the value cannot be replayed.
type stateEnvelope struct {
	SID string `json:"sid"`
	UID string `json:"uid"`
	PID string `json:"pid"`
	IAT int64  `json:"iat"`
}

// Store issues and validates single-use authorization state. The value
// transmitted to the provider is the vault-encrypted envelope; the
// embedded stateID is the repository lookup key.
type Store struct {
	repo  Repo
	vault *vault.Vault
	ttl   time.Duration
	clock clockwork.Clock
}

type StoreOption func(*Store)

// WithClock sets the clock (primarily for testing)
func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

func NewStore(repo Repo, v *vault.Vault, ttl time.Duration, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[authstate.NewStore] repo is required")
	}
	if v == nil {
		return nil, errors.New("[authstate.NewStore] vault is required")
	}

	store := &Store{
		repo:  repo,
		vault: v,
		ttl:   ttl,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range options {
		opt(store)
	}
	return store, nil
}

// Issue creates a state record bound to {user, provider, verifier} and
// returns the encrypted state parameter for the authorization URL.
func (s *Store) Issue(userID, providerID, pkceVerifier string) (string, error) {
	idBytes := make([]byte, stateIDLength)
	if _, err := rand.Read(idBytes); err != nil {
		return "", errors.Wrap(err, "[Store.Issue] rand.Read")
	}
	stateID := base64.RawURLEncoding.EncodeToString(idBytes)

	now := s.clock.Now()
	record := &State{
		StateID:      stateID,
		UserID:       userID,
		ProviderID:   providerID,
		PKCEVerifier: pkceVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.repo.Upsert(stateID, record); err != nil {
		return "", errors.Wrap(err, "[Store.Issue] repo.Upsert")
	}

	payload, err := json.Marshal(stateEnvelope{
		SID: stateID,
		UID: userID,
		PID: providerID,
		IAT: now.Unix(),
	})
	if err != nil {
		return "", errors.Wrap(err, "[Store.Issue] marshal envelope")
	}

	encrypted, err := s.vault.Encrypt(string(payload))
	if err != nil {
		return "", errors.Wrap(err, "[Store.Issue] encrypt envelope")
	}
	return encrypted, nil
}

// Validate decrypts the state parameter, consumes the referenced record
// and checks its TTL. Any failure is reported as a single generic
// rejection; this is the CSRF defense, so detail is deliberately scarce.
func (s *Store) Validate(stateParam string) (*State, error) {
	decrypted, err := s.vault.Decrypt(stateParam)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrExpiredState, "[Store.Validate] undecryptable state")
	}

	var envelope stateEnvelope
	if err := json.Unmarshal([]byte(decrypted), &envelope); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrExpiredState, "[Store.Validate] malformed envelope")
	}

	record, err := s.repo.Consume(envelope.SID)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrExpiredState, "[Store.Validate] unknown or already used state")
	}

	if s.clock.Now().After(record.ExpiresAt) {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrExpiredState, "[Store.Validate] state expired")
	}

	// The envelope and record were written together; a mismatch means the
	// envelope was swapped between flows.
	if record.UserID != envelope.UID || record.ProviderID != envelope.PID {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrExpiredState, "[Store.Validate] envelope mismatch")
	}

	return record, nil
}

// Sweep drops expired records. Called periodically by the scheduler loop.
func (s *Store) Sweep() int {
	return s.repo.DeleteExpired(s.clock.Now())
}
