package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// filterMsg narrows a client's feed to the listed batches. An empty list
// restores the full feed.
type filterMsg struct {
	Action   string  `json:"action"` // "watch" or "unwatch"
	BatchIDs []int64 `json:"batch_ids"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	watched map[int64]struct{}
}

type event struct {
	batchID int64
	data    []byte
}

// Hub fans batch lifecycle events from the signal bus out to websocket
// clients as JSON text frames.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	startedAt time.Time

	mu         sync.RWMutex
	clients    map[*client]struct{}
	broadcast  chan event
	register   chan *client
	unregister chan *client
}

func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		startedAt:  time.Now().UTC(),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run subscribes to batch events and serves clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, domain.BatchEventsChannel)
	if err != nil {
		return err
	}
	go h.forward(ctx, msgs)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("clients", n))

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.watches(ev.batchID) {
					continue
				}
				select {
				case c.send <- ev.data:
				default:
					h.logger.Warn("dropping event for slow client", slog.Int64("batch_id", ev.batchID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward wraps each bus payload in a typed envelope for clients.
func (h *Hub) forward(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var ev domain.BatchEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.Warn("malformed batch event", slog.String("error", err.Error()))
				continue
			}
			data, err := json.Marshal(map[string]any{"type": "batch_event", "payload": ev})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- event{batchID: ev.BatchID, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		watched: make(map[int64]struct{}),
	}
	h.register <- c
	c.hello()

	go c.writePump()
	go c.readPump()
}

func (c *client) hello() {
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"channel":        domain.BatchEventsChannel,
			"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) watches(batchID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.watched) == 0 {
		return true
	}
	_, ok := c.watched[batchID]
	return ok
}

func (c *client) apply(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "watch":
		for _, id := range msg.BatchIDs {
			c.watched[id] = struct{}{}
		}
	case "unwatch":
		if len(msg.BatchIDs) == 0 {
			clear(c.watched)
		}
		for _, id := range msg.BatchIDs {
			delete(c.watched, id)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
