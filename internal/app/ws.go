package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one realtime connection. The client subscribes to
// collection paths and receives every committed change under them. Each
// subscription holds a docstore disposer that is invoked on unsubscribe
// and on teardown.
type wsClient struct {
	service *Service
	conn    *websocket.Conn
	session Session
	send    chan []byte

	mu     sync.Mutex
	topics map[string]docstore.Disposer
	closed bool
}

type wsRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// handleWebSocket upgrades the connection. The access token rides in the
// query string because browsers cannot set headers on websocket dials.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	client := &wsClient{
		service: s.service,
		conn:    conn,
		session: sess,
		send:    make(chan []byte, 64),
		topics:  make(map[string]docstore.Disposer),
	}
	go client.writePump()
	client.readPump()
}

func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read: %v", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendJSON(map[string]any{"type": "error", "error": "invalid message"})
			continue
		}

		switch req.Type {
		case "subscribe":
			for _, topic := range req.Topics {
				c.subscribe(topic)
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				c.unsubscribe(topic)
			}
		case "ping":
			c.sendJSON(map[string]any{"type": "pong"})
		default:
			c.sendJSON(map[string]any{"type": "error", "error": "unknown message type"})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe bridges one docstore collection onto the connection. The
// topic must point inside a workspace the actor belongs to.
func (c *wsClient) subscribe(topic string) {
	owner, workspaceID, ok := parseTopic(topic)
	if !ok {
		c.sendJSON(map[string]any{"type": "error", "topic": topic, "error": "invalid topic"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.service.scopeFor(ctx, owner, workspaceID, c.session.Username); err != nil {
		c.sendJSON(map[string]any{"type": "error", "topic": topic, "error": "permission denied"})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.topics[topic]; exists {
		c.mu.Unlock()
		return
	}
	subscribed := topic
	c.topics[topic] = c.service.docs.Subscribe(topic, func(event docstore.Event) {
		c.sendJSON(map[string]any{
			"type":  "event",
			"topic": subscribed,
			"event": map[string]any{
				"kind": event.Type,
				"path": event.Doc.Path,
				"id":   event.Doc.ID,
				"data": event.Doc.Data,
			},
		})
	})
	c.mu.Unlock()

	c.sendJSON(map[string]any{"type": "subscribed", "topic": topic})
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dispose, ok := c.topics[topic]; ok {
		dispose()
		delete(c.topics, topic)
	}
}

// teardown disposes every subscription before the connection goes away;
// a leaked disposer would keep pushing events into a dead send channel.
func (c *wsClient) teardown() {
	c.mu.Lock()
	c.closed = true
	for topic, dispose := range c.topics {
		dispose()
		delete(c.topics, topic)
	}
	c.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

func (c *wsClient) sendJSON(payload any) {
	message, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		// Slow consumer; drop the message rather than block a commit.
	}
}

// parseTopic validates a collection path of the form
// users/{owner}/workspaces/{ws}/... and extracts the workspace address.
func parseTopic(topic string) (owner, workspaceID string, ok bool) {
	segments := strings.Split(topic, "/")
	if len(segments) < 5 || len(segments)%2 == 0 {
		return "", "", false
	}
	if segments[0] != "users" || segments[2] != "workspaces" {
		return "", "", false
	}
	for _, segment := range segments {
		if segment == "" {
			return "", "", false
		}
	}
	return segments[1], segments[3], true
}
