package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/twinlab/go-connect-server/connections"
)

const subscriberBuffer = 16

// Hub fans connection-state-changed events out to per-user subscriber
// streams. Delivery is at most once: a subscriber that cannot keep up
// has events dropped rather than blocking producers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe opens a stream of events for one user. The returned cancel
// function closes the stream and must be called when the consumer goes
// away.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[userID]; ok {
			if _, subscribed := set[ch]; subscribed {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SubscribedUsers lists users with at least one open stream. The poll
// fallback only re-checks connections someone is listening for.
func (h *Hub) SubscribedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.subs))
	for userID := range h.subs {
		users = append(users, userID)
	}
	return users
}

// Publish delivers the event to every stream the user holds open.
func (h *Hub) Publish(event Event) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[event.UserID] {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("userId", event.UserID).
				Str("provider", event.ProviderID).
				Msg("subscriber stream full, event dropped")
		}
	}
}

// ConnectionChanged lets the hub act as the notification sink for the
// exchange service and the refresh scheduler.
func (h *Hub) ConnectionChanged(userID, providerID string, status connections.Status, at time.Time) {
	h.Publish(Event{
		EventID:    uuid.NewString(),
		UserID:     userID,
		ProviderID: providerID,
		Status:     status,
		Timestamp:  at,
	})
}
