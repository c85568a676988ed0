package monitor

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/internal/config"
)

// Poller is the fallback channel for providers without webhooks. It
// periodically re-reads connection state for every user with an open
// stream and publishes an event whenever a status changed since the
// previous pass.
type Poller struct {
	cfg   config.MonitorConfig
	repo  connections.Repo
	hub   *Hub
	clock clockwork.Clock

	mu   sync.Mutex
	last map[connections.Key]connections.Status
}

type PollerOption func(*Poller)

// WithPollerClock sets the clock (primarily for testing)
func WithPollerClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

func NewPoller(cfg config.MonitorConfig, repo connections.Repo, hub *Hub, options ...PollerOption) (*Poller, error) {
	if cfg == nil {
		return nil, errors.New("[NewPoller] config is required")
	}
	if repo == nil {
		return nil, errors.New("[NewPoller] connection repo is required")
	}
	if hub == nil {
		return nil, errors.New("[NewPoller] hub is required")
	}

	p := &Poller{
		cfg:   cfg,
		repo:  repo,
		hub:   hub,
		clock: clockwork.NewRealClock(),
		last:  make(map[connections.Key]connections.Status),
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", p.cfg.GetPollInterval()).
		Msg("connectivity poller started")

	ticker := p.clock.NewTicker(p.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connectivity poller stopped")
			return nil
		case <-ticker.Chan():
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass over the subscribed users' connections.
func (p *Poller) Poll(ctx context.Context) {
	subscribed := p.hub.SubscribedUsers()
	p.prune(subscribed)

	for _, userID := range subscribed {
		conns, err := p.repo.List(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("poll pass failed")
			continue
		}
		for _, conn := range conns {
			if p.changed(conn.Key(), conn.Status) {
				p.hub.Publish(Event{
					UserID:     conn.UserID,
					ProviderID: conn.ProviderID,
					Status:     conn.Status,
					Timestamp:  p.clock.Now(),
				})
			}
		}
	}
}

// prune drops observations for users with no open stream, so the state
// map stays bounded by the active subscriber set and a returning
// subscriber starts from a fresh baseline.
func (p *Poller) prune(subscribed []string) {
	keep := make(map[string]struct{}, len(subscribed))
	for _, userID := range subscribed {
		keep[userID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.last {
		if _, ok := keep[key.UserID]; !ok {
			delete(p.last, key)
		}
	}
}

// changed records the latest observed status and reports whether it
// differs from the previous observation. The first observation of a key
// is recorded silently so a fresh subscriber is not flooded with the
// current state of every connection.
func (p *Poller) changed(key connections.Key, status connections.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, known := p.last[key]
	p.last[key] = status
	return known && previous != status
}
