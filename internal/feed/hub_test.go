package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(hclog.NewNullLogger())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish only once the hub sees us.
	require.Eventually(t, hub.active, time.Second, 10*time.Millisecond)

	hub.Publish(Event{
		ID:             "abc123",
		UserID:         7,
		PermutedMethod: "GET",
		PermutedPath:   "/v7/people",
		Method:         "GET",
		Path:           "/v1/users",
		Status:         200,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "abc123", ev.ID)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, "/v7/people", ev.PermutedPath)
	assert.Equal(t, "/v1/users", ev.Path)
	assert.Equal(t, 200, ev.Status)
	assert.NotZero(t, ev.Timestamp, "a missing timestamp is filled in at publish time")
}

func TestPublishWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(hclog.NewNullLogger())
	go hub.Run()
	defer hub.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(Event{ID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing with no clients must not block")
	}
}

func TestPublishOnNilHub(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(Event{ID: "x"}) })
}
