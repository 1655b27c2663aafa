package rest

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestEventHub_StreamsEvents(t *testing.T) {
	hub := NewEventHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialEvents(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(downloader.Event{Kind: downloader.EventStatus, ID: "afs_1_low", Status: storage.StatusCompleted, Progress: 100})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	var got downloader.Event
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, downloader.EventStatus, got.Kind)
	assert.Equal(t, "afs_1_low", got.ID)
	assert.Equal(t, storage.StatusCompleted, got.Status)
}

func TestEventHub_DisconnectsOnClose(t *testing.T) {
	hub := NewEventHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialEvents(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, hub.ClientCount())
}

func TestEventHub_ClientLeaves(t *testing.T) {
	hub := NewEventHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialEvents(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
