// Package feed broadcasts newly appended audit entries to WebSocket
// clients. It is the backend for `medtrail watch` — a live, read-only
// monitor for compliance staff. The feed only ever sends entry metadata
// outward; it accepts nothing from clients.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/medtrail/medtrail/internal/ledger"
)

// Feed manages the set of active WebSocket connections and broadcasts
// entries to all of them.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock — all mutations
// happen in that goroutine via channels.
type Feed struct {
	connections  map[*conn]bool
	broadcastCh  chan []byte
	registerCh   chan *conn
	unregisterCh chan *conn
	done         chan struct{}
	closeOnce    sync.Once
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

// upgrader handles the HTTP → WebSocket protocol upgrade. The feed binds
// to loopback by default; origin checking is left open for local tooling.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a Feed and starts its hub goroutine.
func New() *Feed {
	f := &Feed{
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

// run is the hub event loop.
func (f *Feed) run() {
	for {
		select {
		case c := <-f.registerCh:
			f.connections[c] = true
			slog.Debug("feed client connected", "total", len(f.connections))

		case c := <-f.unregisterCh:
			if _, ok := f.connections[c]; ok {
				delete(f.connections, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(f.connections))
			}

		case msg := <-f.broadcastCh:
			for c := range f.connections {
				select {
				case c.send <- msg:
				default:
					// Client's send buffer is full — drop the connection
					// so a slow client cannot stall the feed.
					delete(f.connections, c)
					close(c.send)
				}
			}

		case <-f.done:
			for c := range f.connections {
				delete(f.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// Publish broadcasts an entry to all connected clients. Non-blocking: if
// the broadcast channel is full the entry is dropped from the feed (the
// ledger itself is unaffected — the feed is a best-effort mirror).
func (f *Feed) Publish(e ledger.Entry) {
	msg, err := json.Marshal(e)
	if err != nil {
		slog.Error("feed: marshaling entry", "seq", e.Seq, "error", err)
		return
	}
	select {
	case f.broadcastCh <- msg:
	default:
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams entries to it
// until the client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("feed: websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan []byte, 64),
	}
	select {
	case f.registerCh <- c:
	case <-f.done:
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump(f)
}

// Close shuts down the hub and disconnects all clients.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// writePump sends queued messages to the WebSocket connection. One
// goroutine per client; exits when the hub closes the send channel.
func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump drains the connection to detect disconnects. The feed is
// one-directional; incoming frames are discarded.
func (c *conn) readPump(f *Feed) {
	defer func() {
		select {
		case f.unregisterCh <- c:
		case <-f.done:
		}
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
