// Package admin implements the admin-side chat engine: the live session list,
// the open conversation, notification gating and confirm-gated destructive
// operations. The terminal frontend in cmd/chat-cli drives it in admin mode.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/protocol"
)

const (
	typingDebounce = 3 * time.Second
	typingWatchdog = 5 * time.Second
	maxBackoff     = 30 * time.Second

	// soundMountWindow suppresses the notification sound right after start
	// so the initial list load does not fire a burst of pings.
	soundMountWindow = 2 * time.Second
)

// API is the slice of the HTTP client the console needs.
type API interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	PostMessage(ctx context.Context, sessionID string, sender domain.SenderRole, body string) (*domain.Message, error)
	MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error
	SetBlocked(ctx context.Context, sessionID string, blocked bool) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAllSessions(ctx context.Context) error
}

// Notifier plays the new-message sound. Implementations decide how.
type Notifier interface {
	Notify()
}

// Confirmer asks the operator to confirm a destructive operation.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Handlers are optional UI callbacks, invoked from engine goroutines.
type Handlers struct {
	OnSessionList func([]domain.Session)
	OnMessage     func(domain.Message)
	OnTyping      func(sessionID string, typing bool)
	OnConnected   func(bool)
}

// Console is the admin engine.
type Console struct {
	api      API
	wsURL    string
	token    string
	notifier Notifier
	confirm  Confirmer
	handlers Handlers
	log      *zap.Logger

	mu         sync.Mutex
	sessions   []domain.Session
	openID     string // selected session, "" when none
	messages   []domain.Message
	seen       map[string]bool
	peerTyping map[string]bool

	connected bool
	startedAt time.Time
	audioOK   bool // operator has unlocked audio

	typingOut   bool
	typingTimer *time.Timer
	peerTimers  map[string]*time.Timer

	emit func(protocol.Event) error

	cancel context.CancelFunc
}

// New creates an admin console engine.
func New(api API, wsURL, token string, notifier Notifier, confirm Confirmer, handlers Handlers, log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{
		api:        api,
		wsURL:      wsURL,
		token:      token,
		notifier:   notifier,
		confirm:    confirm,
		handlers:   handlers,
		log:        log,
		seen:       make(map[string]bool),
		peerTyping: make(map[string]bool),
		peerTimers: make(map[string]*time.Timer),
	}
}

// Start loads the session list and starts the socket loop.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.refetchSessions(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Stop tears down the socket loop.
func (c *Console) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// UnlockAudio latches the notification sound on. Mirrors the browser rule
// that audio may only start after a user gesture.
func (c *Console) UnlockAudio() {
	c.mu.Lock()
	c.audioOK = true
	c.mu.Unlock()
}

func (c *Console) run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		sock, err := c.connect(ctx)
		if err != nil {
			c.log.Debug("admin connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		// Membership does not survive reconnects: rejoin the open room and
		// resync everything that may have changed while offline.
		c.setConnected(true, sock)
		if open := c.OpenSessionID(); open != "" {
			c.emitEvent(protocol.WatchEvent{SessionID: open})
			if err := c.refetchMessages(ctx, open); err != nil {
				c.log.Warn("message refetch failed", zap.Error(err))
			}
		}
		if err := c.refetchSessions(ctx); err != nil {
			c.log.Warn("session refetch failed", zap.Error(err))
		}
		c.readLoop(ctx, sock)
		c.setConnected(false, nil)
		_ = sock.Close()
	}
}

func (c *Console) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	hello := protocol.HelloEvent{Role: domain.RoleAdmin}
	if err := sock.WriteMessage(websocket.TextMessage, protocol.MustEncode(hello)); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("write hello: %w", err)
	}

	_, data, err := sock.ReadMessage()
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	switch ev := ev.(type) {
	case protocol.HelloAckEvent:
		return sock, nil
	case protocol.ErrorEvent:
		_ = sock.Close()
		return nil, fmt.Errorf("hello rejected: %s", ev.Message)
	default:
		_ = sock.Close()
		return nil, fmt.Errorf("expected hello_ack, got %s", ev.Type())
	}
}

func (c *Console) readLoop(ctx context.Context, sock *websocket.Conn) {
	for ctx.Err() == nil {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("drop undecodable frame", zap.Error(err))
			continue
		}
		c.handleEvent(ctx, ev)
	}
}

func (c *Console) handleEvent(ctx context.Context, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.MessageNewEvent:
		c.onIncoming(ctx, ev.Message)
		c.maybeNotify()

	case protocol.AdminMessageEvent:
		// Another console answered; reconcile but stay silent.
		c.onIncoming(ctx, ev.Message)

	case protocol.TypingEvent:
		c.setPeerTyping(ev.SessionID, ev.IsTyping)

	case protocol.SessionStartedEvent:
		c.mu.Lock()
		c.sessions = append([]domain.Session{ev.Session}, c.sessions...)
		list := c.sessionListLocked()
		c.mu.Unlock()
		if c.handlers.OnSessionList != nil {
			c.handlers.OnSessionList(list)
		}
		c.maybeNotify()

	case protocol.SessionDeletedEvent:
		c.dropSession(ev.SessionID)

	case protocol.ErrorEvent:
		c.log.Warn("broker error", zap.String("code", ev.Code), zap.String("message", ev.Message))
	}
}

// onIncoming updates the list counters from the store (source of truth) and
// appends the message to the open conversation if it belongs there.
func (c *Console) onIncoming(ctx context.Context, m domain.Message) {
	if err := c.refetchSessions(ctx); err != nil {
		c.log.Warn("session refetch failed", zap.Error(err))
	}

	c.mu.Lock()
	appended := false
	if c.openID == m.SessionID && !c.seen[m.ID] {
		c.seen[m.ID] = true
		c.messages = domain.InsertMessage(c.messages, m)
		appended = true
	}
	c.mu.Unlock()

	if appended {
		c.setPeerTyping(m.SessionID, false)
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(m)
		}
	}
}

// maybeNotify plays the sound only after the mount window has passed and the
// operator has unlocked audio.
func (c *Console) maybeNotify() {
	c.mu.Lock()
	ok := c.notifier != nil && c.audioOK && time.Since(c.startedAt) > soundMountWindow
	c.mu.Unlock()
	if ok {
		c.notifier.Notify()
	}
}

// Open selects a session: watch its room, fetch its history and mark it read.
func (c *Console) Open(ctx context.Context, sessionID string) error {
	prev := c.OpenSessionID()
	if prev == sessionID {
		return nil
	}
	if prev != "" {
		c.emitEvent(protocol.UnwatchEvent{SessionID: prev})
	}

	c.mu.Lock()
	c.openID = sessionID
	c.messages = nil
	c.seen = make(map[string]bool)
	c.mu.Unlock()

	c.emitEvent(protocol.WatchEvent{SessionID: sessionID})
	if err := c.refetchMessages(ctx, sessionID); err != nil {
		return err
	}
	if err := c.MarkRead(ctx); err != nil {
		c.log.Warn("mark read failed", zap.Error(err))
	}
	return nil
}

// CloseSession deselects the open session.
func (c *Console) CloseSession() {
	open := c.OpenSessionID()
	if open == "" {
		return
	}
	c.emitEvent(protocol.UnwatchEvent{SessionID: open})
	c.mu.Lock()
	c.openID = ""
	c.messages = nil
	c.seen = make(map[string]bool)
	c.mu.Unlock()
}

// Send persists an admin reply to the open session, appends the returned
// copy locally and broadcasts it to the room.
func (c *Console) Send(ctx context.Context, body string) (*domain.Message, error) {
	open := c.OpenSessionID()
	if open == "" {
		return nil, errors.New("no session selected")
	}
	message, err := c.api.PostMessage(ctx, open, domain.RoleAdmin, body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.seen[message.ID] {
		c.seen[message.ID] = true
		c.messages = domain.InsertMessage(c.messages, *message)
	}
	c.mu.Unlock()

	c.emitEvent(protocol.AdminMessageEvent{Message: *message})
	c.stopTypingOut()
	return message, nil
}

// InputActivity reports a keystroke in the open conversation.
func (c *Console) InputActivity() {
	open := c.OpenSessionID()
	if open == "" {
		return
	}
	c.mu.Lock()
	if !c.typingOut {
		c.typingOut = true
		go c.emitEvent(protocol.AdminTypingEvent{SessionID: open, IsTyping: true})
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingDebounce, c.stopTypingOut)
	c.mu.Unlock()
}

func (c *Console) stopTypingOut() {
	c.mu.Lock()
	wasTyping := c.typingOut
	c.typingOut = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	open := c.openID
	c.mu.Unlock()
	if wasTyping && open != "" {
		c.emitEvent(protocol.AdminTypingEvent{SessionID: open, IsTyping: false})
	}
}

// MarkRead flips the open session's visitor messages to read and zeroes its
// unread counter.
func (c *Console) MarkRead(ctx context.Context) error {
	open := c.OpenSessionID()
	if open == "" {
		return nil
	}
	if err := c.api.MarkRead(ctx, open, domain.RoleAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].Sender == domain.RoleUser {
			c.messages[i].Read = true
		}
	}
	for i := range c.sessions {
		if c.sessions[i].ID == open {
			c.sessions[i].UnreadCount = 0
		}
	}
	c.mu.Unlock()
	return nil
}

// Block flips a session's blocked flag after operator confirmation. Blocking
// the open session also closes it, returning the console to the list view.
func (c *Console) Block(ctx context.Context, sessionID string, blocked bool) error {
	verb := "Unblock"
	if blocked {
		verb = "Block"
	}
	if c.confirm != nil && !c.confirm.Confirm(fmt.Sprintf("%s session %s?", verb, sessionID)) {
		return nil
	}
	if err := c.api.SetBlocked(ctx, sessionID, blocked); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == sessionID {
			c.sessions[i].Blocked = blocked
		}
	}
	c.mu.Unlock()
	if blocked && c.OpenSessionID() == sessionID {
		c.CloseSession()
	}
	return nil
}

// Delete removes a session after operator confirmation.
func (c *Console) Delete(ctx context.Context, sessionID string) error {
	if c.confirm != nil && !c.confirm.Confirm(fmt.Sprintf("Delete session %s and all its messages?", sessionID)) {
		return nil
	}
	if err := c.api.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	c.dropSession(sessionID)
	return nil
}

// DeleteAll wipes every session after operator confirmation.
func (c *Console) DeleteAll(ctx context.Context) error {
	if c.confirm != nil && !c.confirm.Confirm("Delete ALL sessions and messages?") {
		return nil
	}
	if err := c.api.DeleteAllSessions(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessions = nil
	c.openID = ""
	c.messages = nil
	c.seen = make(map[string]bool)
	list := c.sessionListLocked()
	c.mu.Unlock()
	if c.handlers.OnSessionList != nil {
		c.handlers.OnSessionList(list)
	}
	return nil
}

// dropSession removes a session from the list and clears the selection if it
// was open.
func (c *Console) dropSession(sessionID string) {
	c.mu.Lock()
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	c.sessions = kept
	if c.openID == sessionID {
		c.openID = ""
		c.messages = nil
		c.seen = make(map[string]bool)
	}
	list := c.sessionListLocked()
	c.mu.Unlock()
	if c.handlers.OnSessionList != nil {
		c.handlers.OnSessionList(list)
	}
}

func (c *Console) refetchSessions(ctx context.Context) error {
	sessions, err := c.api.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	c.mu.Lock()
	c.sessions = sessions
	list := c.sessionListLocked()
	c.mu.Unlock()
	if c.handlers.OnSessionList != nil {
		c.handlers.OnSessionList(list)
	}
	return nil
}

func (c *Console) refetchMessages(ctx context.Context, sessionID string) error {
	messages, err := c.api.GetMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	c.mu.Lock()
	if c.openID == sessionID {
		c.messages = messages
		c.seen = make(map[string]bool, len(messages))
		for _, m := range messages {
			c.seen[m.ID] = true
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Console) setPeerTyping(sessionID string, typing bool) {
	c.mu.Lock()
	changed := c.peerTyping[sessionID] != typing
	c.peerTyping[sessionID] = typing
	if t := c.peerTimers[sessionID]; t != nil {
		t.Stop()
		delete(c.peerTimers, sessionID)
	}
	if typing {
		c.peerTimers[sessionID] = time.AfterFunc(typingWatchdog, func() {
			c.setPeerTyping(sessionID, false)
		})
	}
	c.mu.Unlock()
	if changed && c.handlers.OnTyping != nil {
		c.handlers.OnTyping(sessionID, typing)
	}
}

func (c *Console) setConnected(connected bool, sock *websocket.Conn) {
	c.mu.Lock()
	c.connected = connected
	if connected {
		var writeMu sync.Mutex
		c.emit = func(ev protocol.Event) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return sock.WriteMessage(websocket.TextMessage, protocol.MustEncode(ev))
		}
	} else {
		c.emit = nil
	}
	c.mu.Unlock()
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(connected)
	}
}

func (c *Console) emitEvent(ev protocol.Event) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit == nil {
		return
	}
	if err := emit(ev); err != nil {
		c.log.Debug("emit failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}

func (c *Console) sessionListLocked() []domain.Session {
	out := make([]domain.Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Sessions returns a copy of the current session list.
func (c *Console) Sessions() []domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionListLocked()
}

// Messages returns a copy of the open conversation.
func (c *Console) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// OpenSessionID returns the selected session id, or "".
func (c *Console) OpenSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openID
}

// PeerTyping reports whether a session's visitor is typing.
func (c *Console) PeerTyping(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping[sessionID]
}

// Connected reports whether the socket is live.
func (c *Console) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
