package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/transport/websocket"
	"github.com/snehjoshi/xcmq/internal/types"
)

func dial(t *testing.T, hub *websocket.Hub, query string) *gorillaws.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws" + query
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Block  uint32         `json:"block"`
	Kind   events.Kind    `json:"kind"`
	Origin types.OriginID `json:"origin"`
}

func read(t *testing.T, conn *gorillaws.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func waitClients(t *testing.T, hub *websocket.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_StreamsPublishedRecords(t *testing.T) {
	hub := websocket.NewHub()
	conn := dial(t, hub, "")
	waitClients(t, hub, 1)

	require.NoError(t, hub.Publish(context.Background(), []events.Record{
		{ID: "01A", Block: 4, Event: events.Success(2000, types.Hash{1}, types.NewWeight(1, 1))},
		{ID: "01B", Block: 4, Seq: 1, Event: events.ChannelSuspended(2001)},
	}))

	f := read(t, conn)
	assert.Equal(t, "event", f.Type)
	assert.Equal(t, "01A", f.ID)
	assert.Equal(t, uint32(4), f.Block)
	assert.Equal(t, events.KindSuccess, f.Kind)
	assert.Equal(t, types.OriginID(2000), f.Origin)

	f = read(t, conn)
	assert.Equal(t, events.KindChannelSuspended, f.Kind)
}

func TestHub_QueryFilter(t *testing.T) {
	hub := websocket.NewHub()
	conn := dial(t, hub, "?origin=2001&kind=page_dropped")
	waitClients(t, hub, 1)

	require.NoError(t, hub.Publish(context.Background(), []events.Record{
		{ID: "1", Event: events.PageDropped(2000, 1)},
		{ID: "2", Event: events.ChannelSuspended(2001)},
		{ID: "3", Event: events.PageDropped(2001, 1)},
	}))

	f := read(t, conn)
	assert.Equal(t, "3", f.ID, "only the matching record is delivered")
}

func TestHub_ControlFrameReplacesFilter(t *testing.T) {
	hub := websocket.NewHub()
	conn := dial(t, hub, "?origin=1")
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "filter", "origins": []int{7}}))

	// The filter change is asynchronous; keep publishing until the new origin
	// gets through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = hub.Publish(context.Background(), []events.Record{{ID: "x", Event: events.ChannelResumed(7)}})
			}
		}
	}()

	f := read(t, conn)
	assert.Equal(t, types.OriginID(7), f.Origin)
}

func TestHub_BadQuery(t *testing.T) {
	hub := websocket.NewHub()
	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events/ws?origin=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := websocket.NewHub()
	conn := dial(t, hub, "")
	waitClients(t, hub, 1)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_RejectsCrossOrigin(t *testing.T) {
	hub := websocket.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
