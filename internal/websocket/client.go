package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const sendBuffer = 32

type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan outbound
}

// NewUpgrader accepts the comma separated origins, or any origin for "*".
func NewUpgrader(allowedOrigins string) websocket.Upgrader {
	origins := map[string]struct{}{}
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins[origin] = struct{}{}
		}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if _, ok := origins["*"]; ok {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
}

// ServeWS upgrades the request for a subscribed client, writes backlog ahead
// of live updates and blocks until the connection closes. Live updates already
// covered by the backlog's highest version are skipped.
func ServeWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, hub *Hub, client *Client, backlog []WalletUpdate) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.Unregister(client.userID, client)
		return
	}
	client.conn = conn
	go client.writePump(hub, backlog)
	client.readPump(hub)
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.Unregister(c.userID, c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump(hub *Hub, backlog []WalletUpdate) {
	ticker := time.NewTicker(50 * time.Second)
	defer func() {
		ticker.Stop()
		hub.Unregister(c.userID, c)
		_ = c.conn.Close()
	}()
	var seen int64
	for _, update := range backlog {
		payload, _ := json.Marshal(update)
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		seen = max(seen, update.Version)
	}
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if message.version <= seen {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message.payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
