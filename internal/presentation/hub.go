package presentation

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/ringchan"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	clientQueue  = 64
)

// Hub is a Sink that broadcasts every event as JSON to connected websocket clients.
// Slow clients lose their oldest pending events instead of stalling the game.
type Hub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id    string
	conn  *websocket.Conn
	queue *ringchan.RingChannel[[]byte]
}

// NewHub creates a hub with no clients.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// the hub only pushes, any origin may listen
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Emit queues the event for every client.
func (h *Hub) Emit(event string, payload Fields) {
	data, err := json.Marshal(Message{Event: event, Payload: payload, At: time.Now()})
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"event": event,
			"error": err,
		}).Error("Failed to encode presentation event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.queue.Send(data) {
			h.logger.WithField("client", c.id).Debug("Client is slow, dropped oldest event")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		queue: ringchan.NewRingChannel[[]byte](clientQueue),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"client": c.id,
		"remote": r.RemoteAddr,
	}).Info("Presentation client connected")

	ctx, cancel := context.WithCancel(r.Context())
	groutine.Go(ctx, "ws-writer-"+c.id, func(ctx context.Context) {
		h.writeLoop(ctx, c)
	})

	h.readLoop(c)
	cancel()
	h.remove(c)
}

// readLoop discards client messages and keeps the read deadline alive on pongs.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithFields(logrus.Fields{
					"client": c.id,
					"error":  err,
				}).Debug("Presentation client read failed")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.queue.C():
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.queue.Close()
	c.conn.Close()
	h.logger.WithField("client", c.id).Info("Presentation client disconnected")
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
}
