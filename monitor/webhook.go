package monitor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/config"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
)

// revoked is the only provider-originated status we act on directly;
// everything else is re-read from the connection store.
const payloadStatusRevoked = "revoked"

type webhookPayload struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
}

// WebhookProcessor accepts provider-originated webhook deliveries. A
// delivery is trusted only after its HMAC signature verifies against
// the provider's shared secret, and duplicate deliveries of the same
// eventId within the dedupe window produce no second notification.
type WebhookProcessor struct {
	cfg   config.MonitorConfig
	repo  connections.Repo
	hub   *Hub
	clock clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

type WebhookOption func(*WebhookProcessor)

// WithWebhookClock sets the clock (primarily for testing)
func WithWebhookClock(clock clockwork.Clock) WebhookOption {
	return func(p *WebhookProcessor) { p.clock = clock }
}

func NewWebhookProcessor(cfg config.MonitorConfig, repo connections.Repo, hub *Hub, options ...WebhookOption) (*WebhookProcessor, error) {
	if cfg == nil {
		return nil, errors.New("[NewWebhookProcessor] config is required")
	}
	if repo == nil {
		return nil, errors.New("[NewWebhookProcessor] connection repo is required")
	}
	if hub == nil {
		return nil, errors.New("[NewWebhookProcessor] hub is required")
	}

	p := &WebhookProcessor{
		cfg:   cfg,
		repo:  repo,
		hub:   hub,
		clock: clockwork.NewRealClock(),
		seen:  make(map[string]time.Time),
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Process verifies, de-duplicates, and dispatches one webhook delivery.
func (p *WebhookProcessor) Process(ctx context.Context, providerID, signature string, body []byte) error {
	secret := p.cfg.GetWebhookSecret(providerID)
	if secret == "" {
		return apperrors.Wrapf(apperrors.ErrWebhookSignatureInvalid, "[WebhookProcessor.Process] provider %q has no webhook channel", providerID)
	}
	if !verifySignature(secret, signature, body) {
		return apperrors.Wrapf(apperrors.ErrWebhookSignatureInvalid, "[WebhookProcessor.Process] provider %q", providerID)
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return apperrors.Wrapf(err, "[WebhookProcessor.Process] malformed payload from %q", providerID)
	}
	if payload.EventID == "" || payload.UserID == "" {
		return errors.Errorf("[WebhookProcessor.Process] payload from %q missing eventId or userId", providerID)
	}

	if p.duplicate(payload.EventID) {
		log.Debug().
			Str("provider", providerID).
			Str("eventId", payload.EventID).
			Msg("duplicate webhook delivery ignored")
		return nil
	}

	key := connections.Key{UserID: payload.UserID, ProviderID: providerID}
	status, err := p.resolve(ctx, key, payload.Status)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConnectionNotFound) {
			log.Debug().
				Str("provider", providerID).
				Str("userId", payload.UserID).
				Msg("webhook for unknown connection ignored")
			return nil
		}
		return err
	}

	p.hub.Publish(Event{
		EventID:    payload.EventID,
		UserID:     payload.UserID,
		ProviderID: providerID,
		Status:     status,
		Timestamp:  p.clock.Now(),
	})
	return nil
}

// resolve maps a provider's reported status onto the connection record.
// A revocation clears stored tokens; anything else reflects whatever
// the store currently holds.
func (p *WebhookProcessor) resolve(ctx context.Context, key connections.Key, reported string) (connections.Status, error) {
	if reported == payloadStatusRevoked {
		if err := p.repo.MarkNeedsReauth(ctx, key, "provider reported access revoked"); err != nil {
			return "", err
		}
		return connections.StatusNeedsReauth, nil
	}

	conn, err := p.repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return conn.Status, nil
}

// duplicate records the eventId and reports whether it was already seen
// inside the dedupe window. Expired entries are swept on insert.
func (p *WebhookProcessor) duplicate(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	cutoff := now.Add(-p.cfg.GetDedupeWindow())
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}

	if _, dup := p.seen[eventID]; dup {
		return true
	}
	p.seen[eventID] = now
	return false
}

func verifySignature(secret, signature string, body []byte) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
