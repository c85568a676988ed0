package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinlab/go-connect-server/connections"
	"github.com/twinlab/go-connect-server/monitor"
)

func TestPoller_PublishesOnStatusChange(t *testing.T) {
	cfg := testMonitorConfig{}
	repo := connections.NewInMemoryRepo()
	hub := monitor.NewHub()
	poller, err := monitor.NewPoller(cfg, repo, hub)
	require.NoError(t, err)

	seedWebhookConnection(t, repo, connections.StatusConnected)
	stream, cancel := hub.Subscribe("user-1")
	defer cancel()

	key := connections.Key{UserID: "user-1", ProviderID: "spotify"}

	// First pass only records the baseline.
	poller.Poll(context.Background())
	require.Empty(t, drainEvents(stream))

	require.NoError(t, repo.MarkNeedsReauth(context.Background(), key, "refresh token rejected"))
	poller.Poll(context.Background())

	events := drainEvents(stream)
	require.Len(t, events, 1)
	require.Equal(t, connections.StatusNeedsReauth, events[0].Status)
	require.Equal(t, "spotify", events[0].ProviderID)

	// No change, no event.
	poller.Poll(context.Background())
	require.Empty(t, drainEvents(stream))
}

func TestPoller_IgnoresUsersWithoutStreams(t *testing.T) {
	cfg := testMonitorConfig{}
	repo := connections.NewInMemoryRepo()
	hub := monitor.NewHub()
	poller, err := monitor.NewPoller(cfg, repo, hub)
	require.NoError(t, err)

	seedWebhookConnection(t, repo, connections.StatusConnected)

	// Nobody is subscribed, so polling observes nothing. A subscriber
	// arriving later starts from a fresh baseline.
	poller.Poll(context.Background())

	stream, cancel := hub.Subscribe("user-1")
	defer cancel()

	poller.Poll(context.Background())
	require.Empty(t, drainEvents(stream))

	key := connections.Key{UserID: "user-1", ProviderID: "spotify"}
	require.NoError(t, repo.Disconnect(context.Background(), key))
	poller.Poll(context.Background())

	events := drainEvents(stream)
	require.Len(t, events, 1)
	require.Equal(t, connections.StatusDisconnected, events[0].Status)
}

func TestPoller_DropsObservationsWhenStreamCloses(t *testing.T) {
	cfg := testMonitorConfig{}
	repo := connections.NewInMemoryRepo()
	hub := monitor.NewHub()
	poller, err := monitor.NewPoller(cfg, repo, hub)
	require.NoError(t, err)

	seedWebhookConnection(t, repo, connections.StatusConnected)
	key := connections.Key{UserID: "user-1", ProviderID: "spotify"}

	stream, cancel := hub.Subscribe("user-1")
	poller.Poll(context.Background())
	require.Empty(t, drainEvents(stream))

	// The stream closes, a pass prunes the stale baseline, and the status
	// changes while nobody is watching.
	cancel()
	poller.Poll(context.Background())
	require.NoError(t, repo.MarkNeedsReauth(context.Background(), key, "refresh token rejected"))

	// A returning subscriber gets a fresh silent baseline, not an event
	// replayed against the stale one.
	stream, cancel = hub.Subscribe("user-1")
	defer cancel()
	poller.Poll(context.Background())
	require.Empty(t, drainEvents(stream))

	require.NoError(t, repo.Disconnect(context.Background(), key))
	poller.Poll(context.Background())

	events := drainEvents(stream)
	require.Len(t, events, 1)
	require.Equal(t, connections.StatusDisconnected, events[0].Status)
}

func TestPoller_Run(t *testing.T) {
	cfg := testMonitorConfig{}
	repo := connections.NewInMemoryRepo()
	hub := monitor.NewHub()
	poller, err := monitor.NewPoller(cfg, repo, hub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}
