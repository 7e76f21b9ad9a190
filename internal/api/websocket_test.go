package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWSHub_BroadcastReachesConnectedClient(t *testing.T) {
	hub := newWSHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.handleUpgrade))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the register message land

	hub.broadcast <- realtime.Event{Type: realtime.EventTypeSnapshotChanged, ID: "evt-1"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got realtime.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "evt-1", got.ID)
}

func TestHubWatcher_DeliverDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := newWSHub(testLogger())
	w := &hubWatcher{hub: hub, ctx: context.Background()}

	for i := 0; i < 300; i++ {
		require.NoError(t, w.Deliver(realtime.Event{Type: realtime.EventTypeSnapshotChanged, ID: "overflow"}))
	}
}
