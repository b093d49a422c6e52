package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canstream/canstream/server/internal/broadcast"
	"github.com/canstream/canstream/server/internal/query"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

)

// Event names sent to clients.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "can_update"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub serves live record updates over WebSocket. Each connection owns one
// broadcaster subscription; updates are forwarded in the order the
// broadcaster delivers them.
type Hub struct {
	bc     *broadcast.Broadcaster
	query  *query.Service
	resync time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn  *websocket.Conn
	sub   *broadcast.Subscription
	query *query.Service

	// resync is signalled by Run; writePump builds the snapshot when it
	// writes it. Closed on unregister.
	resync chan struct{}

	// sent is the highest Seq written per key. Owned by writePump.
	sent map[string]uint64
}

// New creates a Hub. A resync interval > 0 makes Run push a fresh snapshot to
// every client on that period.
func New(bc *broadcast.Broadcaster, q *query.Service, resync time.Duration) *Hub {
	return &Hub{
		bc:      bc,
		query:   q,
		resync:  resync,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
// When a resync interval is set it also re-sends snapshots on each tick.
func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.resync > 0 {
		t := time.NewTicker(h.resync)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-tick:
			h.broadcastSnapshot()
		}
	}
}

// ServeHTTP upgrades the connection, sends the current latest-per-key
// snapshot, then streams can_update frames. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	// Subscribe before the snapshot is taken so nothing accepted in between
	// is missed. writePump skips updates the snapshot already covers.
	c := &client{
		conn:   conn,
		sub:    h.bc.Subscribe(),
		query:  h.query,
		resync: make(chan struct{}, 1),
		sent:   make(map[string]uint64),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.resync)
		c.sub.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastSnapshot() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.resync <- struct{}{}:
		default:
			// A resync is already pending.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.resync)
		c.sub.Close()
		delete(h.clients, c)
	}
}

// updateMessage renders one notification as {"event":"can_update","data":{key:{...}}}.
func updateMessage(n broadcast.Notification) ([]byte, error) {
	return json.Marshal(Message{
		Event: EventUpdate,
		Data:  map[string]query.PushView{n.Key: query.Push(n.Record)},
	})
}

// writePump writes the initial snapshot, then forwards subscription updates,
// resync snapshots and periodic pings. Runs in its own goroutine per client.
//
// Per key, frames never go backwards: an update at or below the Seq already
// written for its key is skipped, and snapshots are read from the store at
// write time, so they are never older than an update already sent.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if !c.writeSnapshot() {
		return
	}

	updates := c.sub.C()
	for {
		select {
		case _, ok := <-c.resync:
			if !ok {
				// Hub is shutting down or the client was removed.
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if !c.writeSnapshot() {
				return
			}

		case n, ok := <-updates:
			if !ok {
				// Subscription closed by the broadcaster (overflow or shutdown).
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
				return
			}
			if n.Record.Seq <= c.sent[n.Key] {
				continue
			}
			msg, err := updateMessage(n)
			if err != nil {
				slog.Error("ws: encode update", "key", n.Key, "err", err)
				continue
			}
			if !c.write(websocket.TextMessage, msg) {
				return
			}
			c.sent[n.Key] = n.Record.Seq

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// writeSnapshot writes the current latest-per-key view and records the Seq
// written for each key.
func (c *client) writeSnapshot() bool {
	latest := c.query.LatestPerKey()
	msg, err := json.Marshal(Message{Event: EventSnapshot, Data: latest})
	if err != nil {
		slog.Error("ws: build snapshot", "err", err)
		return false
	}
	if !c.write(websocket.TextMessage, msg) {
		return false
	}
	for key, v := range latest {
		if v.Seq > c.sent[key] {
			c.sent[key] = v.Seq
		}
	}
	return true
}

func (c *client) write(messageType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return c.conn.WriteMessage(messageType, data) == nil
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
