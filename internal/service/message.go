package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// PostMessage validates and persists a message, updating the session's
// denormalized counters in the same store transaction, and returns the
// persisted copy so the caller can reconcile it against broker echoes by id.
// A blocked session rejects user sends but still accepts admin sends.
func (s *Service) PostMessage(ctx context.Context, sessionID string, sender domain.SenderRole, body string) (*domain.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: unknown sender role %q", domain.ErrValidation, sender)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: message body required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(body) > s.maxBody {
		return nil, fmt.Errorf("%w: message body longer than %d characters", domain.ErrValidation, s.maxBody)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	if session.Blocked && sender == domain.RoleUser {
		return nil, domain.ErrSessionBlocked
	}

	message := &domain.Message{
		ID:        "msg_" + uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Body:      body,
		Read:      false,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return message, nil
}

// GetMessages returns the full ordered history for a session.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	messages, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return messages, nil
}

// MarkRead bulk-flips the other role's unread messages to read. Calling it
// again with no new messages in between is a no-op.
func (s *Service) MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error {
	if !reader.Valid() {
		return fmt.Errorf("%w: unknown reader role %q", domain.ErrValidation, reader)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if session == nil {
		return domain.ErrSessionNotFound
	}
	if err := s.store.MarkRead(ctx, sessionID, reader); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
