package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	clientBuffer = 64
)

// Envelope is the wire format of a pushed event.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(r.Host), strings.TrimSpace(u.Host))
	},
}

type client struct {
	send chan []byte
}

// Hub broadcasts events to every connected websocket client. A client
// that cannot keep up loses events instead of stalling the sender.
type Hub struct {
	mx      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
}

// Push implements the push channel of the service.
func (h *Hub) Push(event string, payload any) {
	b, err := json.Marshal(Envelope{Event: event, Payload: payload, Time: h.now().UTC()})
	if err != nil {
		slog.Error("encoding push event", "event", event, "error", err)
		return
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			slog.Warn("push client too slow: event dropped", "event", event)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mx.Lock()
	if h.closed {
		h.mx.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.mx.Unlock()

	defer h.wg.Done()
	h.serve(conn, c)
}

func (h *Hub) serve(conn *websocket.Conn, c *client) {
	defer func() {
		h.remove(c)
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mx.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mx.Unlock()
	h.wg.Wait()
}
