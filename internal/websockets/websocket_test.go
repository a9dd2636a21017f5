package websockets

import (
	"testing"
	"time"

	"opmsync/internal/events"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	manager := &Manager{hub: newHub(), log: logger.New("websockets_test")}
	go manager.hub.run(manager)
	return manager
}

func newTestClient(m *Manager, id string, buffer int) *Client {
	return &Client{
		ID:      id,
		Manager: m,
		Status:  STATUS_CONNECTED,
		send:    make(chan Message, buffer),
	}
}

func TestMessageFromEvent(t *testing.T) {
	now := time.Now()
	msg := MessageFromEvent(events.Event{
		ID:        "evt-1",
		Type:      events.JOB_COMPLETED,
		Channel:   events.PROGRESS_CHANNEL,
		RunID:     "run-1",
		Data:      map[string]any{"dataType": "accessions", "month": "202401"},
		Timestamp: now,
	})

	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, MESSAGE_TYPE_PROGRESS, msg.Type)
	assert.Equal(t, "opmsync.progress", msg.Channel)
	assert.Equal(t, "job_completed", msg.Action)
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, "accessions", msg.Data["dataType"])
	assert.Equal(t, now, msg.Timestamp)
}

func TestManager_RelaysProgressEvents(t *testing.T) {
	bus := events.New(nil)
	defer func() { _ = bus.Close() }()

	manager, err := New(bus)
	require.NoError(t, err)

	client := newTestClient(manager, "client-1", 4)
	manager.hub.register <- client
	require.Eventually(t, func() bool { return manager.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(events.PROGRESS_CHANNEL, events.Event{
		ID:    "evt-2",
		Type:  events.RUN_STARTED,
		RunID: "run-2",
	}))

	select {
	case msg := <-client.send:
		assert.Equal(t, "evt-2", msg.ID)
		assert.Equal(t, "run_started", msg.Action)
		assert.Equal(t, "run-2", msg.RunID)
	case <-time.After(time.Second):
		t.Fatal("progress event was not relayed")
	}
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	manager := newTestManager()

	slow := newTestClient(manager, "slow", 1)
	fast := newTestClient(manager, "fast", 4)
	manager.hub.register <- slow
	manager.hub.register <- fast

	for _, id := range []string{"m1", "m2", "m3"} {
		manager.BroadcastMessage(Message{ID: id})
	}

	require.Eventually(t, func() bool { return len(fast.send) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, slow.send, 1)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	manager := newTestManager()

	client := newTestClient(manager, "c", 1)
	manager.hub.register <- client
	manager.hub.unregister <- client
	manager.hub.unregister <- client

	require.Eventually(t, func() bool { return manager.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-client.send
	assert.False(t, open)
	assert.Equal(t, STATUS_CLOSED, client.Status)
}
