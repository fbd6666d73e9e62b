package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/events"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestEventHubPushesBusEvents(t *testing.T) {
	bus := events.NewBus()
	hub := NewEventHub()
	hub.Attach(bus)
	defer hub.Close()

	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv)
	hello := readMessage(t, conn)
	assert.Equal(t, "hello", hello["type"])
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.New(events.TypeRecordingFinished, map[string]string{"path": "motion_20250601_120000.mp4"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "recording_finished", msg["type"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "motion_20250601_120000.mp4", data["path"])
}

func TestEventHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewEventHub()
	defer hub.Close()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDropsForFullQueue(t *testing.T) {
	hub := NewEventHub()
	c := &Client{ID: "slow", send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()

	for i := 0; i < 5; i++ {
		hub.Broadcast(NewMessage(events.New(events.TypeMotion, i)))
	}
	assert.Len(t, c.send, 1)

	hub.Unregister(c)
	_, open := <-c.send
	assert.True(t, open, "queued message is still delivered")
	_, open = <-c.send
	assert.False(t, open)
}

func TestCloseDetachesFromBus(t *testing.T) {
	bus := events.NewBus()
	hub := NewEventHub()
	hub.Attach(bus)
	assert.Equal(t, 1, bus.SubscriberCount())
	hub.Close()
	assert.Zero(t, bus.SubscriberCount())
}
