package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// WEBSOCKET SUBSCRIBERS
// =============================================================================

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Subscribers are local visualization clients; origin checks are
	// the reverse proxy's job when one is deployed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler adapts WebSocket connections into hub subscribers. Each
// connection gets its own subscriber; a connection that cannot keep up
// loses oldest events per the hub's drop policy, and one that stops
// responding to pings is disconnected.
type Handler struct {
	hub    *Hub
	buffer int
}

// NewHandler creates a WebSocket handler backed by hub. Each
// connection subscribes with the given buffer depth (0 means
// DefaultSubscriberBuffer).
func NewHandler(hub *Hub, buffer int) *Handler {
	return &Handler{hub: hub, buffer: buffer}
}

// ServeHTTP upgrades the request and pumps envelopes until the client
// goes away or the hub closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe(h.buffer)
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump forwards envelopes and keepalive pings to the socket.
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so close frames and pongs are
// processed; subscribers do not send application data.
func (h *Handler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
