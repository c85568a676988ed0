package monitor

import (
	"time"

	"github.com/twinlab/go-connect-server/connections"
)

// Event is a connection-state-changed notification. Webhooks, the
// refresh scheduler, and the poll fallback all produce the same shape,
// so subscribers see one unified stream regardless of origin.
type Event struct {
	EventID    string             `json:"eventId"`
	UserID     string             `json:"userId"`
	ProviderID string             `json:"providerId"`
	Status     connections.Status `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
}
