package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// client is one websocket connection bound to a username.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	username string
}

// Hub tracks connected clients per username and fans change notifications out
// to them.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[string]map[*client]bool
}

func NewHub() *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		clients:    make(map[string]map[*client]bool),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.username]
			if !ok {
				set = make(map[*client]bool)
				h.clients[c.username] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.username]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
					if len(set) == 0 {
						delete(h.clients, c.username)
					}
				}
			}
		case payload := <-h.broadcast:
			for _, set := range h.clients {
				for c := range set {
					select {
					case c.send <- payload:
					default:
						// Backpressure: drop slow clients.
						close(c.send)
						delete(set, c)
					}
				}
			}
		}
	}
}

// Broadcast fans a change-notification frame out to every connected client.
// Every client re-evaluates visibility on its own refetch, so over-delivery
// is harmless.
func (h *Hub) Broadcast(payload []byte) {
	if h == nil {
		return
	}
	h.broadcast <- payload
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWS upgrades the push-channel endpoint. The caller must have
// authenticated the request; the path username is only trusted when it
// matches the token identity.
func serveWS(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetString("username")
		if username == "" || username != c.Param("username") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "err", err)
			return
		}
		cl := &client{conn: conn, send: make(chan []byte, 256), username: username}
		h.register <- cl

		// Reader: only pings/pongs are expected inbound.
		go func() {
			defer func() {
				h.unregister <- cl
				_ = conn.Close()
			}()
			conn.SetReadLimit(1024)
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			conn.SetPingHandler(func(appData string) error {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for msg := range cl.send {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}
}
