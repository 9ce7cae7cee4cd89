package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	conflux "github.com/conneroisu/conflux"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between reads before the connection is considered dead.
	pongWait = 60 * time.Second

	// Ping period, kept under pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from a peer. Clients only listen, so
	// anything chatty is suspect.
	maxMessageSize = 512
)

// updateMessage is the wire shape of one update notification.
type updateMessage struct {
	Type      string    `json:"type"`
	Version   uint64    `json:"version"`
	Paths     []string  `json:"paths,omitempty"`
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub tracks WebSocket clients and fans update messages out to them.
type hub struct {
	server *Server

	mu         sync.RWMutex
	clients    map[*websocket.Conn]*client
	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	closed     bool
}

func newHub(s *Server) *hub {
	return &hub{
		server:     s,
		clients:    make(map[*websocket.Conn]*client),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()

			return

		case c := <-h.register:
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				c.conn.Close(websocket.StatusGoingAway, "shutting down")
				close(c.send)

				continue
			}
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.server.log.Debug(ctx, "ws client connected", "client", c.id, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if c, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			h.server.log.Debug(ctx, "ws client disconnected", "total", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			var stalled []*websocket.Conn
			for conn, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full, drop the client instead of
					// stalling the hub.
					stalled = append(stalled, conn)
				}
			}
			h.mu.RUnlock()

			if len(stalled) > 0 {
				h.mu.Lock()
				for _, conn := range stalled {
					if c, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						close(c.send)
						conn.Close(websocket.StatusPolicyViolation, "client too slow")
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// broadcastEvent serializes an update event and queues it for all clients.
func (h *hub) broadcastEvent(ev conflux.UpdateEvent) {
	data, err := json.Marshal(updateMessage{
		Type:      "config_update",
		Version:   ev.Version,
		Paths:     ev.Paths,
		Applied:   ev.Applied,
		Failed:    ev.Failed,
		Timestamp: ev.At,
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- data:
	default:
		// Every client is behind; the next event carries a newer version
		// anyway.
	}
}

// closeAll disconnects every client and refuses new registrations.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for conn, c := range h.clients {
		// Close the connection before the send channel so the close frame
		// clients see is ours, not writePump's normal-closure fallback.
		conn.Close(websocket.StatusGoingAway, "shutting down")
		close(c.send)
	}
	h.clients = make(map[*websocket.Conn]*client)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkWSOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)

		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin already validated above
	})
	if err != nil {
		s.log.Warn(r.Context(), err, "ws upgrade failed")

		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
	}

	go s.writePump(c)
	go s.readPump(c)

	// Greet with the current version so late joiners know where they are.
	if hello, err := json.Marshal(updateMessage{
		Type:      "hello",
		Version:   s.source.Version(),
		Timestamp: time.Now(),
	}); err == nil {
		c.send <- hello
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// checkWSOrigin applies the same origin policy as CORS, but rejects the
// upgrade when no origin is present at all.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if _, err := url.Parse(origin); err != nil {
		return false
	}

	return s.allowedOrigin(origin)
}

// readPump drains the connection so pings are processed, and unregisters
// on error.
func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case s.hub.unregister <- c.conn:
		case <-s.hub.done:
			c.conn.Close(websocket.StatusGoingAway, "shutting down")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	ctx := context.Background()
	for {
		readCtx, cancel := context.WithTimeout(ctx, pongWait)
		_, _, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway {
				s.log.Debug(ctx, "ws read ended", "client", c.id, "reason", err.Error())
			}

			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
