// Package protocol defines the WebSocket event protocol between chat clients
// and the broker. Every event that can cross the wire has a concrete payload
// type, so clients dispatch with a single type switch instead of stringly
// typed callback wiring.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// EventType discriminates envelope payloads.
type EventType string

// Client to broker.
const (
	TypeHello   EventType = "hello"
	TypeWatch   EventType = "watch"
	TypeUnwatch EventType = "unwatch"
)

// Relayed between the two roles. Message events always carry the already
// persisted message, including its store-assigned id; the broker never
// persists anything itself.
const (
	TypeMessageNew  EventType = "message:new"
	TypeTyping      EventType = "typing"
	TypeAdminMsg    EventType = "admin:message"
	TypeAdminTyping EventType = "admin:typing"
)

// Broker to clients.
const (
	TypeHelloAck       EventType = "hello_ack"
	TypeSessionStarted EventType = "new-session-started"
	TypeSessionDeleted EventType = "session-deleted"
	TypeUserBlocked    EventType = "user-blocked"
	TypePresence       EventType = "presence"
	TypeError          EventType = "error"
)

// Event is implemented by every payload type.
type Event interface {
	Type() EventType
}

// Envelope is the wire framing for all events.
type Envelope struct {
	Type    EventType       `json:"type"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloEvent is the first frame a client must send after connecting. Visitors
// bind to their one session room; admins join the admin pool.
type HelloEvent struct {
	Role      domain.SenderRole `json:"role"`
	SessionID string            `json:"session_id,omitempty"`
}

func (HelloEvent) Type() EventType { return TypeHello }

// HelloAckEvent confirms the hello and reports current admin presence.
type HelloAckEvent struct {
	SessionID   string `json:"session_id,omitempty"`
	AdminOnline bool   `json:"admin_online"`
}

func (HelloAckEvent) Type() EventType { return TypeHelloAck }

// WatchEvent subscribes an admin connection to a session room. Membership is
// not transport-persistent: after a reconnect the console must watch again.
type WatchEvent struct {
	SessionID string `json:"session_id"`
}

func (WatchEvent) Type() EventType { return TypeWatch }

// UnwatchEvent removes an admin connection from a session room.
type UnwatchEvent struct {
	SessionID string `json:"session_id"`
}

func (UnwatchEvent) Type() EventType { return TypeUnwatch }

// MessageNewEvent carries a persisted visitor message to the session room and
// the admin pool.
type MessageNewEvent struct {
	Message domain.Message `json:"message"`
}

func (MessageNewEvent) Type() EventType { return TypeMessageNew }

// AdminMessageEvent carries a persisted admin message to the session room.
type AdminMessageEvent struct {
	Message domain.Message `json:"message"`
}

func (AdminMessageEvent) Type() EventType { return TypeAdminMsg }

// TypingEvent signals visitor typing state. Transient, never persisted, never
// echoed back to the sender.
type TypingEvent struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

func (TypingEvent) Type() EventType { return TypeTyping }

// AdminTypingEvent signals admin typing state for one session room.
type AdminTypingEvent struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

func (AdminTypingEvent) Type() EventType { return TypeAdminTyping }

// SessionStartedEvent tells the admin pool a new session exists.
type SessionStartedEvent struct {
	Session domain.Session `json:"session"`
}

func (SessionStartedEvent) Type() EventType { return TypeSessionStarted }

// SessionDeletedEvent announces a cascade delete. It is broadcast to the room
// and the admin pool strictly before the room is torn down.
type SessionDeletedEvent struct {
	SessionID string `json:"session_id"`
}

func (SessionDeletedEvent) Type() EventType { return TypeSessionDeleted }

// UserBlockedEvent tells a connected visitor its session's blocked flag
// changed without waiting for the next failed send or revalidation.
type UserBlockedEvent struct {
	SessionID string `json:"session_id"`
	Blocked   bool   `json:"blocked"`
}

func (UserBlockedEvent) Type() EventType { return TypeUserBlocked }

// PresenceEvent reports whether any admin console is connected. Derived from
// pool membership, not authoritative state.
type PresenceEvent struct {
	AdminOnline bool `json:"admin_online"`
}

func (PresenceEvent) Type() EventType { return TypePresence }

// ErrorEvent is sent by the broker when a frame is rejected.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) Type() EventType { return TypeError }

// Error codes used in ErrorEvent.
const (
	ErrorCodeInvalidEvent    = "invalid_event"
	ErrorCodeHelloRequired   = "hello_required"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeUnknownSession  = "unknown_session"
	ErrorCodeRoleRestricted  = "role_restricted"
	ErrorCodeSessionMismatch = "session_mismatch"
)

// Encode wraps an event into an envelope and marshals it.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:    ev.Type(),
		Ts:      time.Now().UnixMilli(),
		Payload: payload,
	})
}

// MustEncode is Encode for event values that cannot fail to marshal.
func MustEncode(ev Event) []byte {
	data, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses an envelope and returns the concrete event type. Unknown
// types are an error so every producer/consumer pair stays in sync.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := emptyEvent(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return deref(ev), nil
}

func emptyEvent(t EventType) (Event, error) {
	switch t {
	case TypeHello:
		return &HelloEvent{}, nil
	case TypeHelloAck:
		return &HelloAckEvent{}, nil
	case TypeWatch:
		return &WatchEvent{}, nil
	case TypeUnwatch:
		return &UnwatchEvent{}, nil
	case TypeMessageNew:
		return &MessageNewEvent{}, nil
	case TypeAdminMsg:
		return &AdminMessageEvent{}, nil
	case TypeTyping:
		return &TypingEvent{}, nil
	case TypeAdminTyping:
		return &AdminTypingEvent{}, nil
	case TypeSessionStarted:
		return &SessionStartedEvent{}, nil
	case TypeSessionDeleted:
		return &SessionDeletedEvent{}, nil
	case TypeUserBlocked:
		return &UserBlockedEvent{}, nil
	case TypePresence:
		return &PresenceEvent{}, nil
	case TypeError:
		return &ErrorEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", t)
	}
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *HelloEvent:
		return *v
	case *HelloAckEvent:
		return *v
	case *WatchEvent:
		return *v
	case *UnwatchEvent:
		return *v
	case *MessageNewEvent:
		return *v
	case *AdminMessageEvent:
		return *v
	case *TypingEvent:
		return *v
	case *AdminTypingEvent:
		return *v
	case *SessionStartedEvent:
		return *v
	case *SessionDeletedEvent:
		return *v
	case *UserBlockedEvent:
		return *v
	case *PresenceEvent:
		return *v
	case *ErrorEvent:
		return *v
	default:
		return ev
	}
}
