// Package websocket streams published engine events to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /events/ws[?origin=2000&origin=2001&kind=success]
//
// The Hub is an events.Sink: every record the block producer publishes is
// pushed to each connected client whose filter matches.
//
// Server → client frame:
//
//	{"type":"event","id":"<ULID>","block":12,"seq":0,"kind":"success","origin":2000,...}
//
// Client → server control frame (replaces the connection's filter):
//
//	{"type":"filter","origins":[2000],"kinds":["xcm_deferred"]}
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/types"
)

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

const (
	// clientBuffer is how many frames a client may fall behind before it is
	// disconnected.
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type string `json:"type"` // "event"
	events.Record
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type    string           `json:"type"` // "filter"
	Origins []types.OriginID `json:"origins"`
	Kinds   []events.Kind    `json:"kinds"`
}

type client struct {
	send chan []byte

	mu     sync.Mutex
	filter events.Selector
}

func (c *client) setFilter(f events.Selector) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *client) wants(r *events.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.Match(r)
}

// Hub fans published records out to connected clients. It implements
// events.Sink and http.Handler.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

var _ events.Sink = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish implements events.Sink. A client whose buffer is full is
// disconnected rather than allowed to stall block production.
func (h *Hub) Publish(_ context.Context, records []events.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range records {
		rec := &records[i]
		var data []byte
		for c := range h.clients {
			if !c.wants(rec) {
				continue
			}
			if data == nil {
				var err error
				if data, err = json.Marshal(serverFrame{Type: "event", Record: *rec}); err != nil {
					return fmt.Errorf("websocket: encode record: %w", err)
				}
			}
			select {
			case c.send <- data:
			default:
				slog.Warn("websocket: client too slow, disconnecting")
				h.dropLocked(c)
			}
		}
	}
	return nil
}

// Close implements events.Sink and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	return nil
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := parseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan []byte, clientBuffer), filter: f}
	if !h.add(c) {
		return
	}
	defer h.remove(c)

	// Read control frames from the client until it disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr == nil && cf.Type == "filter" {
				c.setFilter(events.NewSelector(cf.Origins, cf.Kinds))
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return // client disconnected
		case data, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func parseQuery(q url.Values) (events.Selector, error) {
	var origins []types.OriginID
	for _, s := range q["origin"] {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return events.Selector{}, fmt.Errorf("invalid origin %q", s)
		}
		origins = append(origins, types.OriginID(n))
	}
	var kinds []events.Kind
	for _, s := range q["kind"] {
		kinds = append(kinds, events.Kind(s))
	}
	return events.NewSelector(origins, kinds), nil
}
