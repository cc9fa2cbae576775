package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/protocol"
)

// Validation is the result of a session lookup on client reload. Callers must
// fail closed: anything but Exists==true with Blocked==false means the cached
// session id should be discarded.
type Validation struct {
	Exists  bool `json:"exists"`
	Blocked bool `json:"blocked"`
}

// CreateSession creates a session with a deduplicated display name and
// announces it to the admin pool. The returned session carries the final
// name; callers must adopt it, never the name they requested.
func (s *Service) CreateSession(ctx context.Context, displayName string) (*domain.Session, error) {
	name, err := s.cleanName(displayName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &domain.Session{
		ID:             "sess_" + uuid.NewString(),
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	// Try the requested name first, then "name (2)", "name (3)", ... The
	// store's partial unique index arbitrates concurrent creates.
	for attempt := 1; attempt <= s.dedupeCap; attempt++ {
		session.DisplayName = name
		if attempt > 1 {
			session.DisplayName = fmt.Sprintf("%s (%d)", name, attempt)
		}
		err := s.store.CreateSession(ctx, session)
		if errors.Is(err, domain.ErrNameTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		s.broadcastToAdmins(protocol.SessionStartedEvent{Session: *session})
		s.log.Info("session created",
			zap.String("session_id", session.ID),
			zap.String("display_name", session.DisplayName))
		return session, nil
	}
	return nil, fmt.Errorf("create session: %w: no free variant of %q", domain.ErrNameTaken, name)
}

// ValidateSession reports existence and blocked state for a cached session
// id. A malformed or unknown id simply reports non-existence.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (Validation, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Validation{}, nil
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Validation{}, fmt.Errorf("validate session: %w", err)
	}
	if session == nil {
		return Validation{}, nil
	}
	return Validation{Exists: true, Blocked: session.Blocked}, nil
}

// SessionExists reports whether a session id names a live session. Used by
// the broker to gate visitor hellos.
func (s *Service) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	v, err := s.ValidateSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return v.Exists, nil
}

// GetSession returns the session or domain.ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// UpdateDisplayName renames a session with the same dedup rule as create and
// returns the final name.
func (s *Service) UpdateDisplayName(ctx context.Context, sessionID, displayName string) (string, error) {
	name, err := s.cleanName(displayName)
	if err != nil {
		return "", err
	}
	for attempt := 1; attempt <= s.dedupeCap; attempt++ {
		final := name
		if attempt > 1 {
			final = fmt.Sprintf("%s (%d)", name, attempt)
		}
		err := s.store.SetDisplayName(ctx, sessionID, final)
		if errors.Is(err, domain.ErrNameTaken) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("update display name: %w", err)
		}
		return final, nil
	}
	return "", fmt.Errorf("update display name: %w: no free variant of %q", domain.ErrNameTaken, name)
}

// ListSessions returns the denormalized session list for the admin console,
// most recent activity first.
func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// BlockSession flips the blocked flag. Blocking is reversible; a connected
// visitor learns about either transition through the session room without
// waiting for its next failed send.
func (s *Service) BlockSession(ctx context.Context, sessionID string, blocked bool) error {
	if err := s.store.SetBlocked(ctx, sessionID, blocked); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("block session: %w", err)
	}
	s.broadcastToRoom(sessionID, protocol.UserBlockedEvent{SessionID: sessionID, Blocked: blocked})
	s.log.Info("session block flag changed",
		zap.String("session_id", sessionID), zap.Bool("blocked", blocked))
	return nil
}

// DeleteSession cascades the delete to all messages, announces the deletion
// to the room and the admin pool, and only then tears the room down so a
// connected visitor sees the event before its connection drops.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("delete session: %w", err)
	}
	s.notifyDeleted(sessionID)
	s.log.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// DeleteAllSessions wipes the store and tears down every live room.
func (s *Service) DeleteAllSessions(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	if err := s.store.DeleteAllSessions(ctx); err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	for _, session := range sessions {
		s.notifyDeleted(session.ID)
	}
	s.log.Info("all sessions deleted", zap.Int("count", len(sessions)))
	return nil
}

func (s *Service) notifyDeleted(sessionID string) {
	ev := protocol.SessionDeletedEvent{SessionID: sessionID}
	s.broadcastToRoom(sessionID, ev)
	s.broadcastToAdmins(ev)
	if s.broker != nil {
		s.broker.CloseRoom(sessionID)
	}
}

func (s *Service) broadcastToRoom(sessionID string, ev protocol.Event) {
	if s.broker == nil {
		return
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode event", zap.String("type", string(ev.Type())), zap.Error(err))
		return
	}
	s.broker.ToRoom(sessionID, data)
}

func (s *Service) broadcastToAdmins(ev protocol.Event) {
	if s.broker == nil {
		return
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode event", zap.String("type", string(ev.Type())), zap.Error(err))
		return
	}
	s.broker.ToAdmins(data)
}

func (s *Service) cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: display name required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(name) > s.maxName {
		return "", fmt.Errorf("%w: display name longer than %d characters", domain.ErrValidation, s.maxName)
	}
	return name, nil
}
