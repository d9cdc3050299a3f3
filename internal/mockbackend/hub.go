package mockbackend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrBufferFull is returned when a connection is not draining its outbound queue.
	ErrBufferFull       = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is one websocket opened by UserID to talk with PeerID.
type Connection struct {
	ID            string
	UserID        string
	PeerID        string
	AppointmentID string

	conn   *websocket.Conn
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub indexes live connections by user.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		users: make(map[string]map[string]*Connection),
		log:   log,
	}
}

// NewConnection wraps ws and registers it.
func (h *Hub) NewConnection(ws *websocket.Conn, userID, peerID, appointmentID string) *Connection {
	c := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		PeerID:        peerID,
		AppointmentID: appointmentID,
		conn:          ws,
		send:          make(chan []byte, 64),
	}

	h.mu.Lock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*Connection)
	}
	h.users[userID][c.ID] = c
	h.mu.Unlock()

	h.log.Info("connection registered", "conn_id", c.ID, "user_id", userID, "peer_id", peerID)
	return c
}

// Unregister removes c and stops its writer. Safe to call more than once.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	if conns, ok := h.users[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()
	c.closeSend()
}

// Deliver queues v for every connection userID holds with peerID. It returns how many
// connections received it.
func (h *Hub) Deliver(userID, peerID string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode delivery", "error", err)
		return 0
	}

	h.mu.RLock()
	var targets []*Connection
	for _, c := range h.users[userID] {
		if c.PeerID == peerID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := h.SendTo(c, data); err != nil {
			h.log.Warn("dropping slow connection", "conn_id", c.ID, "user_id", userID)
			h.Unregister(c)
			continue
		}
		delivered++
	}
	return delivered
}

// SendJSON queues v for one connection.
func (h *Hub) SendJSON(c *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendTo(c, data)
}

// SendTo queues raw data without blocking.
func (h *Hub) SendTo(c *Connection, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}
