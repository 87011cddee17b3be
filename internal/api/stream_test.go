package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcewatch/internal/bus"
	"github.com/JakeFAU/sourcewatch/internal/config"
	"github.com/JakeFAU/sourcewatch/internal/poller"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) bus.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg bus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// TestStreamProtocolSequence verifies the subscribe handshake: connected ack,
// then the latest in-window value, then live updates as they are published.
func TestStreamProtocolSequence(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{})
	h.addPoint(t, "dp-latest", h.now.Add(-time.Minute))

	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sources/prices/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, bus.TypeConnected, msg.Type)
	require.Equal(t, "prices", msg.SourceID)

	msg = readMessage(t, conn)
	require.Equal(t, bus.TypeLatest, msg.Type)
	require.NotNil(t, msg.DataPoint)
	require.Equal(t, "dp-latest", msg.DataPoint.ID)

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount("prices") == 1
	}, time.Second, 5*time.Millisecond)

	h.bus.Publish("prices", bus.Message{
		Type:      bus.TypeUpdate,
		SourceID:  "prices",
		DataPoint: &poller.DataPoint{ID: "dp-live", SourceID: "prices"},
		TS:        h.now,
	})

	msg = readMessage(t, conn)
	require.Equal(t, bus.TypeUpdate, msg.Type)
	require.Equal(t, "dp-live", msg.DataPoint.ID)
}

// TestStreamSkipsLatestWhenWindowIsEmpty checks a source with only expired
// data starts the stream at the next update.
func TestStreamSkipsLatestWhenWindowIsEmpty(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{})
	h.addPoint(t, "expired", h.now.Add(-5*time.Hour))

	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sources/prices/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, bus.TypeConnected, msg.Type)

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount("prices") == 1
	}, time.Second, 5*time.Millisecond)

	h.bus.Publish("prices", bus.Message{
		Type:      bus.TypeUpdate,
		SourceID:  "prices",
		DataPoint: &poller.DataPoint{ID: "dp-live", SourceID: "prices"},
		TS:        h.now,
	})

	msg = readMessage(t, conn)
	require.Equal(t, bus.TypeUpdate, msg.Type, "expired point must not be replayed as latest")
}

// TestStreamRejectsUnknownSourceBeforeUpgrade verifies the 404 comes back as
// a plain HTTP response, never a half-open socket.
func TestStreamRejectsUnknownSourceBeforeUpgrade(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{})
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	for _, id := range []string{"ghost", "hidden"} {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sources/"+id+"/stream"), nil)
		require.Error(t, err)
		require.Nil(t, conn)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
	require.Zero(t, h.bus.SubscriberCount("ghost"))
	require.Zero(t, h.bus.SubscriberCount("hidden"))
}

// TestStreamUnsubscribesOnDisconnect proves a closed connection releases its
// bus subscription.
func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, config.Config{})
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sources/prices/stream"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount("prices") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount("prices") == 0
	}, 2*time.Second, 5*time.Millisecond, "subscription must be released on disconnect")
}
