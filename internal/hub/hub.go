// Package hub provides connection management for WebSocket chat clients.
// Every session has exactly one room, joined by at most one visitor
// connection and any number of admin watchers; a separate admin pool receives
// session-list-level events. Delivery is fire-and-forget, at-most-once: a
// full send buffer drops the connection, and clients resync from the store.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

const sendBuffer = 256

// Conn represents a single WebSocket connection.
type Conn struct {
	ID        string
	Role      domain.SenderRole
	SessionID string // visitor binding; empty for admins
	Sock      *websocket.Conn
	Send      chan []byte

	mu sync.Mutex
}

// WriteMessage writes a frame to the socket with proper locking.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Sock.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.Sock.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.Sock.SetReadDeadline(t)
}

// Close closes the underlying socket, if any.
func (c *Conn) Close() error {
	if c.Sock == nil {
		return nil
	}
	return c.Sock.Close()
}

// Hub manages rooms and the admin pool.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]*Conn // session id -> conn id -> conn
	admins map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		admins: make(map[string]*Conn),
	}
}

// NewConn wraps a socket in an unbound connection. The connection joins
// nothing until BindVisitor or JoinAdmins is called after a successful hello.
func (h *Hub) NewConn(sock *websocket.Conn) *Conn {
	conn := &Conn{
		ID:   uuid.NewString(),
		Sock: sock,
		Send: make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	return conn
}

// BindVisitor binds a visitor connection to its session room.
func (h *Hub) BindVisitor(conn *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.Role = domain.RoleUser
	conn.SessionID = sessionID
	h.joinRoomLocked(conn, sessionID)
}

// JoinAdmins adds an admin connection to the pool.
func (h *Hub) JoinAdmins(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.Role = domain.RoleAdmin
	h.admins[conn.ID] = conn
}

// Watch subscribes an admin connection to a session room.
func (h *Hub) Watch(conn *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinRoomLocked(conn, sessionID)
}

// Unwatch removes an admin connection from a session room.
func (h *Hub) Unwatch(conn *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(conn.ID, sessionID)
}

func (h *Hub) joinRoomLocked(conn *Conn, sessionID string) {
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]*Conn)
	}
	h.rooms[sessionID][conn.ID] = conn
}

func (h *Hub) leaveRoomLocked(connID, sessionID string) {
	if room := h.rooms[sessionID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Remove drops a connection from the hub, every room and the admin pool, and
// closes its send channel.
func (h *Hub) Remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	delete(h.conns, conn.ID)
	delete(h.admins, conn.ID)
	for sessionID := range h.rooms {
		h.leaveRoomLocked(conn.ID, sessionID)
	}
	close(conn.Send)
}

// ToRoom sends data to every connection in a session room except the one
// identified by exceptConnID (pass "" to send to all). A connection whose
// buffer is full is dropped; it will resync from the store on reconnect.
func (h *Hub) ToRoom(sessionID string, data []byte) {
	h.toRoomExcept(sessionID, data, "")
}

// ToRoomExcept is ToRoom with sender exclusion, used for relayed client
// events so a sender never receives its own echo.
func (h *Hub) ToRoomExcept(sessionID string, data []byte, exceptConnID string) {
	h.toRoomExcept(sessionID, data, exceptConnID)
}

func (h *Hub) toRoomExcept(sessionID string, data []byte, exceptConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.rooms[sessionID] {
		if conn.ID != exceptConnID {
			h.deliverLocked(conn, data)
		}
	}
}

// ToAdmins sends data to every connection in the admin pool.
func (h *Hub) ToAdmins(data []byte) {
	h.toAdminsExcept(data, "")
}

// ToAdminsExcept sends to the pool excluding one connection.
func (h *Hub) ToAdminsExcept(data []byte, exceptConnID string) {
	h.toAdminsExcept(data, exceptConnID)
}

func (h *Hub) toAdminsExcept(data []byte, exceptConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.admins {
		if conn.ID != exceptConnID {
			h.deliverLocked(conn, data)
		}
	}
}

// ToAllRooms sends data to every room member (visitors and watchers). Used
// for presence transitions.
func (h *Hub) ToAllRooms(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	for _, room := range h.rooms {
		for _, conn := range room {
			if !seen[conn.ID] {
				seen[conn.ID] = true
				h.deliverLocked(conn, data)
			}
		}
	}
}

// deliverLocked sends to one connection. The caller must hold at least the
// read lock: Remove closes Send under the write lock, so a send made while
// the read lock is held can never hit a closed channel.
func (h *Hub) deliverLocked(conn *Conn, data []byte) {
	select {
	case conn.Send <- data:
	default:
		// Buffer full: drop the connection rather than block the hub. The
		// write lock Remove needs cannot be taken here, hence the goroutine.
		go h.Remove(conn)
	}
}

// CloseRoom disconnects the room's visitor and drops admin watchers from the
// room (their pool membership survives). Callers broadcast any teardown
// event before invoking this; closing the send channel lets the write pump
// flush queued frames before it shuts the socket.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	var visitors []*Conn
	for _, conn := range h.rooms[sessionID] {
		if conn.Role == domain.RoleUser {
			visitors = append(visitors, conn)
		}
	}
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	for _, conn := range visitors {
		h.Remove(conn)
	}
}

// AdminCount returns the number of connected admin consoles. Admin presence
// is derived from this, not stored anywhere authoritative.
func (h *Hub) AdminCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.admins)
}

// HasVisitor reports whether a session room currently has a live visitor.
func (h *Hub) HasVisitor(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.rooms[sessionID] {
		if conn.Role == domain.RoleUser {
			return true
		}
	}
	return false
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
