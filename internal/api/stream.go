package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trustvector/backend/internal/bus"
	"github.com/trustvector/backend/internal/schema"
)

// Upgrader with origin validation: in production (FABRIC_ENV=production),
// only origins listed in FABRIC_ALLOWED_ORIGINS are accepted. Dev and
// staging allow all origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a message
	sendBuffer = 256              // per-client outbound buffer
)

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("FABRIC_ENV")
	allowedRaw := os.Getenv("FABRIC_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[Stream] Origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[Stream] Rejected connection from origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[Stream] FABRIC_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// streamClient is one connected WebSocket observer. All writes go through
// the send channel to a single writePump goroutine, so ping frames and
// event frames never race.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

			// Drain queued frames while we hold the write slot.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump consumes control frames (pongs, close) and discards anything
// else; the stream is one-directional.
func (c *streamClient) readPump(onClose func()) {
	defer func() {
		c.close()
		onClose()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("[Stream] Read error", "error", err)
			}
			return
		}
	}
}

// EventStreamer pushes every processed envelope to connected WebSocket
// clients through a single wildcard bus subscription.
type EventStreamer struct {
	bus *bus.Bus

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	subID   string
}

// NewEventStreamer subscribes to the bus and starts fanning out.
func NewEventStreamer(b *bus.Bus) (*EventStreamer, error) {
	s := &EventStreamer{
		bus:     b,
		clients: make(map[*streamClient]struct{}),
	}

	sub, err := b.Subscribe("*", s.broadcast, nil)
	if err != nil {
		return nil, err
	}
	s.subID = sub.ID
	return s, nil
}

// broadcast is the bus handler: serialize once, enqueue to every client.
// Slow clients drop frames rather than stall the fabric.
func (s *EventStreamer) broadcast(ctx context.Context, e *schema.Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- payload:
		default:
			slog.Debug("[Stream] Client buffer full, dropping frame", "event", e.String())
		}
	}
	return nil
}

// HandleStream upgrades the connection and attaches it to the fanout.
func (s *EventStreamer) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] WebSocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	slog.Info("[Stream] Client connected", "clients", total)

	go client.writePump()
	go client.readPump(func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		slog.Info("[Stream] Client disconnected")
	})
}

// ClientCount returns the number of connected observers.
func (s *EventStreamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close detaches the bus subscription and disconnects every client.
func (s *EventStreamer) Close() {
	_ = s.bus.Unsubscribe(s.subID)

	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
