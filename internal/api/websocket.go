package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/notify"
)

// WebSocketMessage is the envelope pushed to connected clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketHub fans messages out to all connected clients
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	messages   chan WebSocketMessage
	done       chan struct{}
	closeOnce  sync.Once
	log        *logging.Logger
}

// NewWebSocketHub creates a hub. Call Run in a goroutine to start it.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		messages:   make(chan WebSocketMessage, 64),
		done:       make(chan struct{}),
		log:        logging.WithField("component", "websocket_hub"),
	}
}

// Run processes register, unregister, and broadcast events until Stop
func (h *WebSocketHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.unregister:
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
		case msg := <-h.messages:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
		case <-h.done:
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			return
		}
	}
}

// Stop shuts the hub down and closes all client connections
func (h *WebSocketHub) Stop() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Broadcast queues a message for all connected clients. Drops the message
// when the hub's buffer is full rather than blocking the caller.
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	select {
	case h.messages <- msg:
	case <-h.done:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping %s", msg.Type)
	}
}

// Send implements notify.Subscriber so persisted notifications reach
// websocket clients as they are created
func (h *WebSocketHub) Send(n notify.Notification) error {
	h.Broadcast(WebSocketMessage{
		Type:      "notification",
		Data:      n,
		Timestamp: n.CreatedAt,
	})
	return nil
}

// ID implements notify.Subscriber
func (h *WebSocketHub) ID() string {
	return "websocket_hub"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local single-user daemon
	},
}

// handleWebSocket upgrades the connection and parks it in the hub. The read
// loop exists only to detect the client going away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	s.wsHub.register <- conn

	go func() {
		defer func() {
			select {
			case s.wsHub.unregister <- conn:
			case <-s.wsHub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
