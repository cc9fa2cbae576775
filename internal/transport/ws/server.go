// Package ws is the WebSocket side of the broker. It upgrades connections,
// runs the read/write pumps, enforces the hello-first handshake and relays
// already persisted events between the visitor and admin sides of a session.
// Delivery is at-most-once; clients refetch history over HTTP after any
// reconnect instead of expecting a replay.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/config"
	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/hub"
	"github.com/NiklasHoffmann/livechat/internal/presence"
	"github.com/NiklasHoffmann/livechat/internal/protocol"
)

// SessionValidator reports whether a session id names a live session.
type SessionValidator interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// AuthChecker authenticates the upgrade request for admin hellos.
type AuthChecker interface {
	Authenticated(r *http.Request) bool
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	sessions SessionValidator
	tracker  *presence.Tracker // optional
	auth     AuthChecker
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket server. tracker may be nil when Redis
// presence is disabled.
func NewServer(cfg *config.Config, h *hub.Hub, sessions SessionValidator, tracker *presence.Tracker, auth AuthChecker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		hub:      h,
		sessions: sessions,
		tracker:  tracker,
		auth:     auth,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (s *Server) HandleWebSocket(c echo.Context) error {
	// Admin credentials travel on the upgrade request, not in the hello
	// frame, so check them here while the request is still in scope.
	adminAuthed := s.auth != nil && s.auth.Authenticated(c.Request())

	sock, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return err
	}

	conn := s.hub.NewConn(sock)
	sock.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn, adminAuthed)

	return nil
}

func (s *Server) readPump(conn *hub.Conn, adminAuthed bool) {
	defer func() {
		s.drop(conn)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
	conn.Sock.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
		if conn.Role == domain.RoleAdmin && s.tracker != nil {
			if err := s.tracker.Heartbeat(context.Background()); err != nil {
				s.log.Debug("presence heartbeat failed", zap.Error(err))
			}
		}
		return nil
	})

	helloDone := false
	for {
		_, data, err := conn.Sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			s.sendError(conn, protocol.ErrorCodeInvalidEvent, err.Error())
			continue
		}

		if !helloDone {
			hello, ok := ev.(protocol.HelloEvent)
			if !ok {
				s.sendError(conn, protocol.ErrorCodeHelloRequired, "hello must be the first event")
				continue
			}
			if !s.handleHello(conn, hello, adminAuthed) {
				return
			}
			helloDone = true
			continue
		}

		s.handleEvent(conn, ev)
	}
}

func (s *Server) writePump(conn *hub.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleHello binds the connection by role. Returns false when the connection
// must be dropped.
func (s *Server) handleHello(conn *hub.Conn, hello protocol.HelloEvent, adminAuthed bool) bool {
	switch hello.Role {
	case domain.RoleAdmin:
		if !adminAuthed {
			s.sendError(conn, protocol.ErrorCodeUnauthorized, "admin token required")
			return false
		}
		wasOnline := s.hub.AdminCount() > 0
		s.hub.JoinAdmins(conn)
		if s.tracker != nil {
			if err := s.tracker.AdminJoined(context.Background(), conn.ID); err != nil {
				s.log.Warn("presence join failed", zap.Error(err))
			}
		}
		if !wasOnline {
			s.broadcastPresence(true)
		}
		s.ack(conn, "")
		s.log.Info("admin console connected", zap.String("conn_id", conn.ID))
		return true

	case domain.RoleUser:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists, err := s.sessions.SessionExists(ctx, hello.SessionID)
		cancel()
		if err != nil {
			s.sendError(conn, protocol.ErrorCodeUnknownSession, "session lookup failed")
			return false
		}
		if !exists {
			// Fail closed: the visitor discards its cached id and starts over.
			s.sendError(conn, protocol.ErrorCodeUnknownSession, "unknown session id")
			return false
		}
		s.hub.BindVisitor(conn, hello.SessionID)
		s.ack(conn, hello.SessionID)
		s.log.Info("visitor connected",
			zap.String("conn_id", conn.ID), zap.String("session_id", hello.SessionID))
		return true

	default:
		s.sendError(conn, protocol.ErrorCodeInvalidEvent, "unknown role")
		return false
	}
}

func (s *Server) handleEvent(conn *hub.Conn, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.HelloEvent:
		s.sendError(conn, protocol.ErrorCodeInvalidEvent, "hello already completed")

	case protocol.WatchEvent:
		if conn.Role != domain.RoleAdmin {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "watch is admin only")
			return
		}
		s.hub.Watch(conn, ev.SessionID)

	case protocol.UnwatchEvent:
		if conn.Role != domain.RoleAdmin {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "unwatch is admin only")
			return
		}
		s.hub.Unwatch(conn, ev.SessionID)

	case protocol.MessageNewEvent:
		if conn.Role != domain.RoleUser {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "message:new is visitor only")
			return
		}
		if ev.Message.SessionID != conn.SessionID {
			s.sendError(conn, protocol.ErrorCodeSessionMismatch, "event session does not match connection")
			return
		}
		// The message is already persisted; relay to the room (except the
		// sender) and to the admin pool for list reconciliation.
		data := protocol.MustEncode(ev)
		s.hub.ToRoomExcept(conn.SessionID, data, conn.ID)
		s.hub.ToAdminsExcept(data, conn.ID)

	case protocol.TypingEvent:
		if conn.Role != domain.RoleUser {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "typing is visitor only")
			return
		}
		if ev.SessionID != conn.SessionID {
			s.sendError(conn, protocol.ErrorCodeSessionMismatch, "event session does not match connection")
			return
		}
		s.hub.ToRoomExcept(conn.SessionID, protocol.MustEncode(ev), conn.ID)

	case protocol.AdminMessageEvent:
		if conn.Role != domain.RoleAdmin {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "admin:message is admin only")
			return
		}
		data := protocol.MustEncode(ev)
		s.hub.ToRoomExcept(ev.Message.SessionID, data, conn.ID)
		s.hub.ToAdminsExcept(data, conn.ID)

	case protocol.AdminTypingEvent:
		if conn.Role != domain.RoleAdmin {
			s.sendError(conn, protocol.ErrorCodeRoleRestricted, "admin:typing is admin only")
			return
		}
		s.hub.ToRoomExcept(ev.SessionID, protocol.MustEncode(ev), conn.ID)

	default:
		s.sendError(conn, protocol.ErrorCodeInvalidEvent, "unexpected event type: "+string(ev.Type()))
	}
}

// drop removes the connection from the hub and handles the admin presence
// transition if it was the last console.
func (s *Server) drop(conn *hub.Conn) {
	wasAdmin := conn.Role == domain.RoleAdmin
	s.hub.Remove(conn)
	if !wasAdmin {
		return
	}
	if s.tracker != nil {
		if err := s.tracker.AdminLeft(context.Background(), conn.ID); err != nil {
			s.log.Warn("presence leave failed", zap.Error(err))
		}
	}
	if s.hub.AdminCount() == 0 {
		s.broadcastPresence(false)
	}
}

func (s *Server) broadcastPresence(online bool) {
	s.hub.ToAllRooms(protocol.MustEncode(protocol.PresenceEvent{AdminOnline: online}))
}

func (s *Server) ack(conn *hub.Conn, sessionID string) {
	data := protocol.MustEncode(protocol.HelloAckEvent{
		SessionID:   sessionID,
		AdminOnline: s.hub.AdminCount() > 0,
	})
	select {
	case conn.Send <- data:
	default:
	}
}

func (s *Server) sendError(conn *hub.Conn, code, message string) {
	data := protocol.MustEncode(protocol.ErrorEvent{Code: code, Message: message})
	select {
	case conn.Send <- data:
	default:
	}
}
