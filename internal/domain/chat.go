// Package domain defines the core domain models for the chat service.
package domain

import (
	"sort"
	"time"
)

// SenderRole identifies which side of a conversation produced a message.
// It is a closed two-value enum.
type SenderRole string

const (
	RoleUser  SenderRole = "user"
	RoleAdmin SenderRole = "admin"
)

// Valid reports whether the role is one of the two known values.
func (r SenderRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Other returns the opposite role.
func (r SenderRole) Other() SenderRole {
	if r == RoleUser {
		return RoleAdmin
	}
	return RoleUser
}

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// LastMessage is the denormalized summary of the newest message in a session,
// maintained incrementally on write so session lists never scan messages.
type LastMessage struct {
	Sender SenderRole `json:"sender"`
	Body   string     `json:"body"`
	SentAt time.Time  `json:"sent_at"`
}

// Session is a visitor's single ongoing conversation.
type Session struct {
	ID          string        `json:"session_id"`
	DisplayName string        `json:"display_name"`
	Status      SessionStatus `json:"status"`
	Blocked     bool          `json:"blocked"`

	// TotalMessages counts all messages in the session. UnreadCount counts
	// visitor-sent messages the admin has not read yet; the visitor-side
	// unread position is derived client-side from message read flags.
	TotalMessages int `json:"total_messages"`
	UnreadCount   int `json:"unread_count"`

	LastMessage    *LastMessage `json:"last_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// Message is a single persisted chat message. The Read flag is role-relative:
// on a user-sent message it means "admin has read it", on an admin-sent
// message it means "user has read it". It transitions false to true exactly
// once and never reverses.
type Message struct {
	ID        string     `json:"message_id"`
	SessionID string     `json:"session_id"`
	Sender    SenderRole `json:"sender"`
	Body      string     `json:"body"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
}

// InsertMessage inserts m into msgs keeping the slice ordered by CreatedAt
// with ID as tiebreak, the same order history reads use. Live deliveries can
// arrive out of timestamp order, so transcripts insert instead of append.
func InsertMessage(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool {
		if msgs[i].CreatedAt.Equal(m.CreatedAt) {
			return msgs[i].ID > m.ID
		}
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
