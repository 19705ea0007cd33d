// Package websocket broadcasts pipeline phase events to connected clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recmeet/recmeet/internal/pipeline"
	"github.com/recmeet/recmeet/pkg/logger"
)

const (
	// clientQueueSize bounds the per-client send queue. A client that
	// cannot drain this many events is dropped rather than blocking
	// the broadcaster.
	clientQueueSize = 16

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message is the wire envelope sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Server accepts websocket connections and fans pipeline events out to
// every connected client.
type Server struct {
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewServer creates a websocket broadcast server.
func NewServer(log *logger.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control API is loopback-only, so cross-origin browser
			// pages on the same machine are allowed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.Named("websocket"),
		clients: make(map[*client]struct{}),
	}
}

// HandleConnection upgrades an HTTP request and registers the client until
// it disconnects.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", logger.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Message, clientQueueSize)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("Websocket client connected", logger.Int("clients", count))

	go s.writeLoop(c)
	s.readLoop(c)
}

// Broadcast queues a phase event for every connected client.
func (s *Server) Broadcast(ev pipeline.Event) {
	s.broadcast(Message{Type: "phase_change", Data: ev})
}

// BroadcastResult sends the terminal outcome of a run to every client.
func (s *Server) BroadcastResult(res *pipeline.Result) {
	s.broadcast(Message{Type: "result", Data: res})
}

// broadcast queues a message on every client. Clients whose queues are
// full are disconnected.
func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.logger.Warn("Dropping slow websocket client")
		close(c.send)
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown disconnects all clients and rejects new connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

// readLoop drains inbound frames until the client disconnects. Clients do
// not send meaningful data; reading is required to process close frames.
func (s *Server) readLoop(c *client) {
	defer s.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("Failed to encode websocket message", logger.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove unregisters a client after its read loop ends.
func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if ok {
		close(c.send)
	}
	c.conn.Close()
}
