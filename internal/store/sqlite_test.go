package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id, name string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:             id,
		DisplayName:    name,
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func newMessage(id, sessionID string, sender domain.SenderRole, body string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:        id,
		SessionID: sessionID,
		Sender:    sender,
		Body:      body,
		CreatedAt: at,
	}
}

func TestSessionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.DisplayName != "Alex" || got.Status != domain.SessionActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.TotalMessages != 0 || got.UnreadCount != 0 || got.LastMessage != nil {
		t.Fatalf("new session should have zero counters: %+v", got)
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil {
		t.Fatalf("GetSession for missing id failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing session, got %+v", missing)
	}
}

func TestActiveDisplayNameIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	err := s.CreateSession(ctx, newSession("s2", "Alex"))
	if !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	// Renaming onto a taken name collides the same way.
	if err := s.CreateSession(ctx, newSession("s3", "Bo")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	err = s.SetDisplayName(ctx, "s3", "Alex")
	if !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken on rename, got %v", err)
	}

	// The name frees up once the owning session is gone.
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := s.SetDisplayName(ctx, "s3", "Alex"); err != nil {
		t.Fatalf("rename after delete failed: %v", err)
	}
}

func TestSetDisplayNameMissingSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.SetDisplayName(ctx, "nope", "Alex")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateMessageMaintainsCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC()

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i, body := range []string{"hi", "anyone?", "hello??"} {
		m := newMessage(string(rune('a'+i)), "s1", domain.RoleUser, body, base.Add(time.Duration(i)*time.Millisecond))
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.TotalMessages != 3 || got.UnreadCount != 3 {
		t.Fatalf("expected total=3 unread=3, got total=%d unread=%d", got.TotalMessages, got.UnreadCount)
	}
	if got.LastMessage == nil || got.LastMessage.Body != "hello??" || got.LastMessage.Sender != domain.RoleUser {
		t.Fatalf("unexpected last message: %+v", got.LastMessage)
	}

	// Admin replies bump the total but not the admin-perspective unread count.
	reply := newMessage("m4", "s1", domain.RoleAdmin, "here", base.Add(10*time.Millisecond))
	if err := s.CreateMessage(ctx, reply); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.TotalMessages != 4 || got.UnreadCount != 3 {
		t.Fatalf("expected total=4 unread=3, got total=%d unread=%d", got.TotalMessages, got.UnreadCount)
	}
	if got.LastMessage.Sender != domain.RoleAdmin {
		t.Fatalf("last message should come from admin: %+v", got.LastMessage)
	}
}

func TestCreateMessageMissingSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.CreateMessage(ctx, newMessage("m1", "nope", domain.RoleUser, "hi", time.Now().UTC()))
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetMessagesOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC()

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	// Insert out of timestamp order: reads must sort by created_at.
	for _, m := range []*domain.Message{
		newMessage("m2", "s1", domain.RoleAdmin, "second", base.Add(2*time.Millisecond)),
		newMessage("m1", "s1", domain.RoleUser, "first", base.Add(1*time.Millisecond)),
		newMessage("m3", "s1", domain.RoleUser, "third", base.Add(3*time.Millisecond)),
	} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	messages, err := s.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if messages[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, messages[i].ID)
		}
	}
}

func TestMarkReadIsDirectionalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC()

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msgs := []*domain.Message{
		newMessage("u1", "s1", domain.RoleUser, "q1", base.Add(1*time.Millisecond)),
		newMessage("a1", "s1", domain.RoleAdmin, "r1", base.Add(2*time.Millisecond)),
		newMessage("u2", "s1", domain.RoleUser, "q2", base.Add(3*time.Millisecond)),
	}
	for _, m := range msgs {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	// Admin reads: only the user-sent messages flip, and the counter zeroes.
	if err := s.MarkRead(ctx, "s1", domain.RoleAdmin); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	byID := fetchByID(t, s, "s1")
	if !byID["u1"].Read || !byID["u2"].Read {
		t.Fatalf("user messages should be read: %+v", byID)
	}
	if byID["a1"].Read {
		t.Fatalf("admin message must not be touched by admin read")
	}
	session, _ := s.GetSession(ctx, "s1")
	if session.UnreadCount != 0 {
		t.Fatalf("expected unread 0, got %d", session.UnreadCount)
	}

	// Running it again changes nothing.
	if err := s.MarkRead(ctx, "s1", domain.RoleAdmin); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}

	// User reads: the admin message flips, counter untouched.
	if err := s.MarkRead(ctx, "s1", domain.RoleUser); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	byID = fetchByID(t, s, "s1")
	if !byID["a1"].Read {
		t.Fatalf("admin message should be read after user read")
	}
}

func TestMarkReadBumpsActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session := newSession("s1", "Alex")
	session.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.CreateMessage(ctx, newMessage("u1", "s1", domain.RoleUser, "q", session.LastActivityAt)); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if err := s.MarkRead(ctx, "s1", domain.RoleAdmin); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.LastActivityAt.After(session.LastActivityAt) {
		t.Fatalf("MarkRead should bump last_activity_at, still %v", got.LastActivityAt)
	}
}

func fetchByID(t *testing.T, s *SQLiteStore, sessionID string) map[string]domain.Message {
	t.Helper()
	messages, err := s.GetMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	byID := make(map[string]domain.Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}
	return byID
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.CreateMessage(ctx, newMessage("m1", "s1", domain.RoleUser, "hi", time.Now().UTC())); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	messages, err := s.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected cascade delete of messages, got %d left", len(messages))
	}

	err = s.DeleteSession(ctx, "s1")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestDeleteAllSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"s1", "s2"} {
		if err := s.CreateSession(ctx, newSession(id, "name-"+id)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := s.CreateMessage(ctx, newMessage("m-"+id, id, domain.RoleUser, "hi", time.Now().UTC())); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	if err := s.DeleteAllSessions(ctx); err != nil {
		t.Fatalf("DeleteAllSessions failed: %v", err)
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty directory, got %d sessions", len(sessions))
	}
}

func TestListSessionsOrderedByActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"s1", "s2", "s3"} {
		session := newSession(id, "name-"+id)
		session.LastActivityAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := s.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}
	// A new message pushes s1 back to the top.
	if err := s.CreateMessage(ctx, newMessage("m1", "s1", domain.RoleUser, "hi", base.Add(time.Second))); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 || sessions[0].ID != "s1" {
		t.Fatalf("expected s1 first, got %+v", sessions)
	}
}

func TestSetBlocked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateSession(ctx, newSession("s1", "Alex")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.SetBlocked(ctx, "s1", true); err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if !got.Blocked {
		t.Fatalf("expected blocked session")
	}
	if err := s.SetBlocked(ctx, "s1", false); err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.Blocked {
		t.Fatalf("expected unblocked session")
	}

	err := s.SetBlocked(ctx, "nope", true)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
