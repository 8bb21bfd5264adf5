package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mm-control-plane/internal/prediction"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front.
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// wsClient is one connected subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub broadcasts runtime and prediction updates to every subscriber.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	log        zerolog.Logger
	mu         sync.RWMutex
}

func NewWSHub(log zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws-hub").Logger(),
	}
}

// Run pumps registrations and broadcasts until the context ends.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than block the hub.
					go h.removeClient(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast serializes and fans a payload out to all subscribers.
func (h *WSHub) Broadcast(kind string, payload any) {
	raw, err := json.Marshal(map[string]any{
		"type":    kind,
		"payload": payload,
		"ts":      time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("type", kind).Msg("broadcast encode failed")
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn().Str("type", kind).Msg("broadcast buffer full, message dropped")
	}
}

// Emit satisfies the prediction event sink so signal changes reach
// connected dashboards.
func (h *WSHub) Emit(_ context.Context, ev prediction.Event) {
	h.Broadcast("prediction_event", ev)
}

// addClient hands a connection to the hub loop. Reports false once the
// hub has shut down, so upgrade handlers can close the socket instead
// of blocking on a drained channel.
func (h *WSHub) addClient(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// removeClient detaches a connection without blocking after shutdown.
func (h *WSHub) removeClient(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount reports connected subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: h}
	if !h.addClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		// Inbound messages are ignored; the socket is broadcast-only.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
