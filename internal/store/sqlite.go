package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			blocked INTEGER NOT NULL DEFAULT 0,
			total_messages INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_sender TEXT,
			last_body TEXT,
			last_message_at DATETIME,
			created_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		)`,
		// Active sessions own their display name exclusively; this backs the
		// directory service's dedup loop against concurrent creates.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_name
			ON sessions(display_name) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueNameErr(err error) bool {
	if err == nil || !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return false
	}
	return strings.Contains(err.Error(), "sessions.display_name") ||
		strings.Contains(err.Error(), "idx_sessions_active_name")
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, display_name, status, blocked, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.DisplayName, session.Status, session.Blocked,
		session.CreatedAt, session.LastActivityAt)
	if isUniqueNameErr(err) {
		return domain.ErrNameTaken
	}
	return err
}

// GetSession retrieves a session by ID, (nil, nil) when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, display_name, status, blocked, total_messages, unread_count,
		        last_sender, last_body, last_message_at, created_at, last_activity_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by most recent activity first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, display_name, status, blocked, total_messages, unread_count,
		        last_sender, last_body, last_message_at, created_at, last_activity_at
		 FROM sessions ORDER BY last_activity_at DESC, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var lastSender, lastBody sql.NullString
	var lastAt sql.NullTime
	err := row.Scan(&session.ID, &session.DisplayName, &session.Status, &session.Blocked,
		&session.TotalMessages, &session.UnreadCount,
		&lastSender, &lastBody, &lastAt, &session.CreatedAt, &session.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if lastSender.Valid {
		session.LastMessage = &domain.LastMessage{
			Sender: domain.SenderRole(lastSender.String),
			Body:   lastBody.String,
			SentAt: lastAt.Time,
		}
	}
	return &session, nil
}

// SetDisplayName renames a session.
func (s *SQLiteStore) SetDisplayName(ctx context.Context, sessionID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET display_name = ? WHERE session_id = ?`, name, sessionID)
	if isUniqueNameErr(err) {
		return domain.ErrNameTaken
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// SetBlocked flips the blocked flag on a session.
func (s *SQLiteStore) SetBlocked(ctx context.Context, sessionID string, blocked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET blocked = ? WHERE session_id = ?`, blocked, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and cascades to its messages in one
// transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return tx.Commit()
}

// DeleteAllSessions wipes every session and message.
func (s *SQLiteStore) DeleteAllSessions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateMessage inserts the message and maintains the session's denormalized
// counters in the same transaction. The counter update is an atomic SQL
// increment, never a read-modify-write of client-held state.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, sender, body, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, message.Sender, message.Body, message.Read,
		message.CreatedAt); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET
			total_messages = total_messages + 1,
			unread_count = unread_count + CASE WHEN ? = 'user' THEN 1 ELSE 0 END,
			last_sender = ?, last_body = ?, last_message_at = ?,
			last_activity_at = ?
		 WHERE session_id = ?`,
		message.Sender, message.Sender, message.Body, message.CreatedAt,
		message.CreatedAt, message.SessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return tx.Commit()
}

// GetMessages returns the full history for a session ordered by the
// store-assigned timestamp, not arrival order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, session_id, sender, body, is_read, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, message_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Body,
			&msg.Read, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead bulk-flips read on the other role's unread messages. The flip is
// one-way (0 to 1 only) so the operation is idempotent by construction.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_read = 1
		 WHERE session_id = ? AND sender != ? AND is_read = 0`,
		sessionID, reader); err != nil {
		return err
	}
	if reader == domain.RoleAdmin {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET unread_count = 0 WHERE session_id = ?`,
			sessionID); err != nil {
			return err
		}
	}
	if err := s.touch(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// touch bumps last_activity_at without disturbing message denormalization.
func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}
