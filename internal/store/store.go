// Package store provides persistence for sessions and messages. The store is
// the single serialization point across senders: denormalized session
// counters are mutated only here, inside the same transaction as the message
// write, never recomputed by clients.
package store

import (
	"context"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// Store is the persistence interface used by the chat service.
type Store interface {
	// CreateSession inserts a session. Returns domain.ErrNameTaken when the
	// display name collides with another active session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns the session or (nil, nil) when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions ordered by most recent activity,
	// reading only denormalized columns.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// SetDisplayName renames a session. Returns domain.ErrNameTaken on
	// collision with another active session, domain.ErrSessionNotFound when
	// the session is absent.
	SetDisplayName(ctx context.Context, sessionID, name string) error

	// SetBlocked flips the blocked flag.
	SetBlocked(ctx context.Context, sessionID string, blocked bool) error

	// DeleteSession removes the session and all of its messages in one
	// transaction. Returns domain.ErrSessionNotFound when absent.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteAllSessions wipes every session and message.
	DeleteAllSessions(ctx context.Context) error

	// CreateMessage inserts the message and applies the session's counter
	// and last-message updates atomically.
	CreateMessage(ctx context.Context, message *domain.Message) error

	// GetMessages returns the full ordered history for a session.
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// MarkRead flips read=true on every unread message whose sender is not
	// the reader, and zeroes the session's admin-perspective unread counter
	// when the reader is the admin. Idempotent.
	MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error

	Close() error
}
