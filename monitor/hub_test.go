package monitor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/monitor"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub := monitor.NewHub()

	stream, cancel := hub.Subscribe("user-1")
	defer cancel()

	hub.ConnectionChanged("user-1", "spotify", connections.StatusConnected, time.Now())

	select {
	case event := <-stream:
		require.Equal(t, "user-1", event.UserID)
		require.Equal(t, "spotify", event.ProviderID)
		require.Equal(t, connections.StatusConnected, event.Status)
		require.NotEmpty(t, event.EventID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHub_EventsAreScopedToUser(t *testing.T) {
	hub := monitor.NewHub()

	mine, cancelMine := hub.Subscribe("user-1")
	defer cancelMine()
	theirs, cancelTheirs := hub.Subscribe("user-2")
	defer cancelTheirs()

	hub.ConnectionChanged("user-1", "spotify", connections.StatusNeedsReauth, time.Now())

	select {
	case <-mine:
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case event := <-theirs:
		t.Fatalf("event leaked to another user: %+v", event)
	default:
	}
}

func TestHub_CancelClosesStream(t *testing.T) {
	hub := monitor.NewHub()

	stream, cancel := hub.Subscribe("user-1")
	cancel()

	_, open := <-stream
	require.False(t, open)
	require.Empty(t, hub.SubscribedUsers())

	// Publishing after cancel must not panic or block.
	hub.ConnectionChanged("user-1", "spotify", connections.StatusConnected, time.Now())

	// A second cancel is a no-op.
	cancel()
}

func TestHub_SlowSubscriberDoesNotBlockProducers(t *testing.T) {
	hub := monitor.NewHub()

	_, cancel := hub.Subscribe("user-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.ConnectionChanged("user-1", "spotify", connections.StatusConnected, time.Now())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
