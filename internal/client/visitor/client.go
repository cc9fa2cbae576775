// Package visitor implements the visitor-side chat engine: session bootstrap
// with fail-closed revalidation, message history reconciliation, typing
// debounce and the live event loop. The terminal frontend in cmd/chat-cli
// renders on top of it through the handler callbacks.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/protocol"
	"github.com/NiklasHoffmann/livechat/internal/service"
)

const (
	typingDebounce = 3 * time.Second
	typingWatchdog = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

// API is the slice of the HTTP client the engine needs.
type API interface {
	CreateSession(ctx context.Context, displayName string) (*domain.Session, error)
	ValidateSession(ctx context.Context, sessionID string) (service.Validation, error)
	UpdateDisplayName(ctx context.Context, sessionID, displayName string) (string, error)
	PostMessage(ctx context.Context, sessionID string, sender domain.SenderRole, body string) (*domain.Message, error)
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error
}

// Handlers are optional UI callbacks. They are invoked from the engine's
// goroutines; implementations must be quick and must not call back into the
// engine synchronously.
type Handlers struct {
	OnMessage        func(domain.Message)
	OnTyping         func(bool) // admin typing state
	OnPresence       func(bool) // admin online state
	OnBlocked        func(bool)
	OnSessionDeleted func()
	OnConnected      func(bool)
}

// Client is the visitor engine.
type Client struct {
	api      API
	wsURL    string
	store    StateStore
	handlers Handlers
	log      *zap.Logger

	mu          sync.Mutex
	sessionID   string
	displayName string
	messages    []domain.Message
	seen        map[string]bool
	blocked     bool
	adminOnline bool
	peerTyping  bool
	connected   bool
	deleted     bool

	typingOut   bool
	typingTimer *time.Timer
	peerTimer   *time.Timer

	// emit sends an event over the live socket. Swapped on every
	// reconnect; nil while disconnected.
	emit func(protocol.Event) error

	cancel context.CancelFunc
}

// New creates a visitor engine. store may be nil for an in-memory session.
func New(api API, wsURL string, store StateStore, handlers Handlers, log *zap.Logger) *Client {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		api:      api,
		wsURL:    wsURL,
		store:    store,
		handlers: handlers,
		log:      log,
		seen:     make(map[string]bool),
	}
}

// Start resumes or creates a session, loads history and starts the socket
// loop. A cached session id that the server no longer knows is discarded and
// replaced, never trusted.
func (c *Client) Start(ctx context.Context, displayName string) error {
	st, err := c.store.Load()
	if err != nil {
		return err
	}

	resumed := false
	if st.SessionID != "" {
		v, err := c.api.ValidateSession(ctx, st.SessionID)
		if err != nil {
			return fmt.Errorf("validate cached session: %w", err)
		}
		if v.Exists {
			resumed = true
			c.mu.Lock()
			c.sessionID = st.SessionID
			c.displayName = st.DisplayName
			c.blocked = v.Blocked
			c.mu.Unlock()
		} else {
			_ = c.store.Clear()
		}
	}

	if !resumed {
		session, err := c.api.CreateSession(ctx, displayName)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		c.mu.Lock()
		c.sessionID = session.ID
		// The server may have renamed us to dodge a collision.
		c.displayName = session.DisplayName
		c.mu.Unlock()
		if err := c.store.Save(State{SessionID: session.ID, DisplayName: session.DisplayName}); err != nil {
			c.log.Warn("save visitor state", zap.Error(err))
		}
	}

	if err := c.refetchHistory(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Stop tears down the socket loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// run dials, handshakes and reads until the context ends, reconnecting with
// capped exponential backoff. History is refetched after every successful
// handshake because the broker never replays missed events.
func (c *Client) run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if c.isDeleted() {
			return
		}
		sock, err := c.connect(ctx)
		if err != nil {
			c.log.Debug("visitor connect failed", zap.Error(err))
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

		if err := c.refetchHistory(ctx); err != nil {
			c.log.Warn("history refetch failed", zap.Error(err))
		}
		c.setConnected(true, sock)
		c.readLoop(ctx, sock)
		c.setConnected(false, nil)
		_ = sock.Close()
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	hello := protocol.HelloEvent{Role: domain.RoleUser, SessionID: c.SessionID()}
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
		c.setAdminOnline(ev.AdminOnline)
		return sock, nil
	case protocol.ErrorEvent:
		_ = sock.Close()
		if ev.Code == protocol.ErrorCodeUnknownSession {
			// The session died while we were away. Forget it; the next
			// Start call makes a fresh one.
			c.markDeleted()
			return nil, errors.New("session no longer exists")
		}
		return nil, fmt.Errorf("hello rejected: %s", ev.Message)
	default:
		_ = sock.Close()
		return nil, fmt.Errorf("expected hello_ack, got %s", ev.Type())
	}
}

func (c *Client) readLoop(ctx context.Context, sock *websocket.Conn) {
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
		c.handleEvent(ev)
		if c.isDeleted() {
			return
		}
	}
}

func (c *Client) handleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.AdminMessageEvent:
		if c.appendMessage(ev.Message) {
			c.setPeerTyping(false)
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(ev.Message)
			}
		}

	case protocol.AdminTypingEvent:
		c.setPeerTyping(ev.IsTyping)

	case protocol.PresenceEvent:
		c.setAdminOnline(ev.AdminOnline)

	case protocol.UserBlockedEvent:
		c.mu.Lock()
		c.blocked = ev.Blocked
		c.mu.Unlock()
		if c.handlers.OnBlocked != nil {
			c.handlers.OnBlocked(ev.Blocked)
		}

	case protocol.SessionDeletedEvent:
		c.markDeleted()
		_ = c.store.Clear()
		if c.handlers.OnSessionDeleted != nil {
			c.handlers.OnSessionDeleted()
		}

	case protocol.ErrorEvent:
		c.log.Warn("broker error", zap.String("code", ev.Code), zap.String("message", ev.Message))
	}
}

// Send persists the message over HTTP, reconciles the returned copy into the
// local timeline and only then announces it over the socket. Our own copy
// comes from the store response; the broker deliberately never echoes it
// back to us.
func (c *Client) Send(ctx context.Context, body string) (*domain.Message, error) {
	if c.Blocked() {
		return nil, domain.ErrSessionBlocked
	}
	message, err := c.api.PostMessage(ctx, c.SessionID(), domain.RoleUser, body)
	if err != nil {
		if errors.Is(err, domain.ErrSessionBlocked) {
			c.mu.Lock()
			c.blocked = true
			c.mu.Unlock()
			if c.handlers.OnBlocked != nil {
				c.handlers.OnBlocked(true)
			}
		}
		return nil, err
	}

	c.appendMessage(*message)
	c.emitEvent(protocol.MessageNewEvent{Message: *message})
	c.stopTypingOut()
	return message, nil
}

// InputActivity reports a keystroke. The first one announces typing; silence
// for the debounce window retracts it.
func (c *Client) InputActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typingOut {
		c.typingOut = true
		go c.emitEvent(protocol.TypingEvent{SessionID: c.sessionID, IsTyping: true})
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingDebounce, c.stopTypingOut)
}

func (c *Client) stopTypingOut() {
	c.mu.Lock()
	wasTyping := c.typingOut
	c.typingOut = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	if wasTyping {
		c.emitEvent(protocol.TypingEvent{SessionID: sessionID, IsTyping: false})
	}
}

// MarkRead flips every admin message to read, server side and locally.
func (c *Client) MarkRead(ctx context.Context) error {
	if err := c.api.MarkRead(ctx, c.SessionID(), domain.RoleUser); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].Sender == domain.RoleAdmin {
			c.messages[i].Read = true
		}
	}
	c.mu.Unlock()
	return nil
}

// UnreadIndex returns the index of the first unread admin message, or -1.
// The UI uses it to place the "new messages" divider.
func (c *Client) UnreadIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.messages {
		if m.Sender == domain.RoleAdmin && !m.Read {
			return i
		}
	}
	return -1
}

// Rename changes the display name and adopts whatever the server settled on.
func (c *Client) Rename(ctx context.Context, displayName string) (string, error) {
	final, err := c.api.UpdateDisplayName(ctx, c.SessionID(), displayName)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.displayName = final
	sessionID := c.sessionID
	c.mu.Unlock()
	if err := c.store.Save(State{SessionID: sessionID, DisplayName: final}); err != nil {
		c.log.Warn("save visitor state", zap.Error(err))
	}
	return final, nil
}

func (c *Client) refetchHistory(ctx context.Context) error {
	messages, err := c.api.GetMessages(ctx, c.SessionID())
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	c.mu.Lock()
	c.messages = messages
	c.seen = make(map[string]bool, len(messages))
	for _, m := range messages {
		c.seen[m.ID] = true
	}
	c.mu.Unlock()
	return nil
}

// appendMessage adds a message to the timeline unless its id was already
// seen. Reports whether the message was new.
func (c *Client) appendMessage(m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[m.ID] {
		return false
	}
	c.seen[m.ID] = true
	c.messages = domain.InsertMessage(c.messages, m)
	return true
}

// setPeerTyping updates the admin typing indicator and arms a watchdog so a
// lost "stopped typing" frame cannot leave the indicator stuck.
func (c *Client) setPeerTyping(typing bool) {
	c.mu.Lock()
	changed := c.peerTyping != typing
	c.peerTyping = typing
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	if typing {
		c.peerTimer = time.AfterFunc(typingWatchdog, func() { c.setPeerTyping(false) })
	}
	c.mu.Unlock()
	if changed && c.handlers.OnTyping != nil {
		c.handlers.OnTyping(typing)
	}
}

func (c *Client) setAdminOnline(online bool) {
	c.mu.Lock()
	changed := c.adminOnline != online
	c.adminOnline = online
	c.mu.Unlock()
	if changed && c.handlers.OnPresence != nil {
		c.handlers.OnPresence(online)
	}
}

func (c *Client) setConnected(connected bool, sock *websocket.Conn) {
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

// emitEvent sends over the live socket; silently dropped while offline since
// peers resync from the store anyway.
func (c *Client) emitEvent(ev protocol.Event) {
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

func (c *Client) markDeleted() {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) isDeleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// Messages returns a copy of the local timeline.
func (c *Client) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// SessionID returns the bound session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// DisplayName returns the server-confirmed display name.
func (c *Client) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// Blocked reports whether the session currently rejects visitor sends.
func (c *Client) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// AdminOnline reports the last known admin presence.
func (c *Client) AdminOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminOnline
}

// PeerTyping reports whether the admin side is typing.
func (c *Client) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Connected reports whether the socket is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
