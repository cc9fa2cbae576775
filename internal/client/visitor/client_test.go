package visitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/protocol"
	"github.com/NiklasHoffmann/livechat/internal/service"
	"github.com/NiklasHoffmann/livechat/internal/store/storetest"
)

// The service satisfies the API interface directly, so the engine runs
// against a real in-memory store. The socket never connects (the URL points
// nowhere); tests inject emit to capture outgoing frames.
func newTestClient(t *testing.T, handlers Handlers) (*Client, *service.Service) {
	t.Helper()
	svc := service.New(storetest.NewStore(t), nil, nil)
	c := New(svc, "ws://127.0.0.1:1/ws", NewMemoryStore(), handlers, nil)
	t.Cleanup(c.Stop)
	return c, svc
}

type emitRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *emitRecorder) record(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *emitRecorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func captureEmits(c *Client) *emitRecorder {
	rec := &emitRecorder{}
	c.mu.Lock()
	c.emit = rec.record
	c.mu.Unlock()
	return rec
}

func TestStartCreatesSessionAndAdoptsServerName(t *testing.T) {
	ctx := context.Background()
	svc := service.New(storetest.NewStore(t), nil, nil)
	_, err := svc.CreateSession(ctx, "Alex")
	require.NoError(t, err)

	c := New(svc, "ws://127.0.0.1:1/ws", NewMemoryStore(), Handlers{}, nil)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(ctx, "Alex"))

	// The requested name collided; the engine must adopt the server's pick.
	assert.Equal(t, "Alex (2)", c.DisplayName())
	assert.NotEmpty(t, c.SessionID())

	st, err := c.store.Load()
	require.NoError(t, err)
	assert.Equal(t, c.SessionID(), st.SessionID)
}

func TestStartResumesValidCachedSession(t *testing.T) {
	ctx := context.Background()
	svc := service.New(storetest.NewStore(t), nil, nil)
	session, err := svc.CreateSession(ctx, "Alex")
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, session.ID, domain.RoleAdmin, "welcome back")
	require.NoError(t, err)

	store := NewMemoryStore()
	require.NoError(t, store.Save(State{SessionID: session.ID, DisplayName: "Alex"}))

	c := New(svc, "ws://127.0.0.1:1/ws", store, Handlers{}, nil)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(ctx, "ignored"))

	assert.Equal(t, session.ID, c.SessionID())
	require.Len(t, c.Messages(), 1)
	assert.Equal(t, "welcome back", c.Messages()[0].Body)
}

func TestStartDiscardsStaleCachedSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(State{SessionID: "sess_gone", DisplayName: "Ghost"}))

	svc := service.New(storetest.NewStore(t), nil, nil)
	c := New(svc, "ws://127.0.0.1:1/ws", store, Handlers{}, nil)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(ctx, "Alex"))

	assert.NotEqual(t, "sess_gone", c.SessionID())
	assert.Equal(t, "Alex", c.DisplayName())
}

func TestSendPersistsThenBroadcasts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, Handlers{})
	require.NoError(t, c.Start(ctx, "Alex"))
	events := captureEmits(c)

	msg, err := c.Send(ctx, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	// The local timeline holds the persisted copy.
	require.Len(t, c.Messages(), 1)
	assert.Equal(t, msg.ID, c.Messages()[0].ID)

	// And exactly one broadcast went out, carrying the same id.
	got := events.all()
	require.Len(t, got, 1)
	sent := got[0].(protocol.MessageNewEvent)
	assert.Equal(t, msg.ID, sent.Message.ID)
}

func TestSendBlockedFlipsLocalState(t *testing.T) {
	ctx := context.Background()
	var blockedSeen []bool
	c, svc := newTestClient(t, Handlers{
		OnBlocked: func(b bool) { blockedSeen = append(blockedSeen, b) },
	})
	require.NoError(t, c.Start(ctx, "Alex"))
	require.NoError(t, svc.BlockSession(ctx, c.SessionID(), true))

	_, err := c.Send(ctx, "let me in")
	assert.ErrorIs(t, err, domain.ErrSessionBlocked)
	assert.True(t, c.Blocked())
	assert.Equal(t, []bool{true}, blockedSeen)

	// Subsequent sends short-circuit locally.
	_, err = c.Send(ctx, "again")
	assert.ErrorIs(t, err, domain.ErrSessionBlocked)
}

func TestUserBlockedEventUpdatesState(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, Handlers{})
	require.NoError(t, c.Start(ctx, "Alex"))

	c.handleEvent(protocol.UserBlockedEvent{SessionID: c.SessionID(), Blocked: true})
	assert.True(t, c.Blocked())
	c.handleEvent(protocol.UserBlockedEvent{SessionID: c.SessionID(), Blocked: false})
	assert.False(t, c.Blocked())
}

func TestIncomingAdminMessageDeduplicated(t *testing.T) {
	ctx := context.Background()
	var received []domain.Message
	c, _ := newTestClient(t, Handlers{
		OnMessage: func(m domain.Message) { received = append(received, m) },
	})
	require.NoError(t, c.Start(ctx, "Alex"))

	msg := domain.Message{ID: "m1", SessionID: c.SessionID(), Sender: domain.RoleAdmin, Body: "hi"}
	c.handleEvent(protocol.AdminMessageEvent{Message: msg})
	c.handleEvent(protocol.AdminMessageEvent{Message: msg})

	assert.Len(t, c.Messages(), 1)
	assert.Len(t, received, 1)
}

func TestTimelineOrderedByTimestampNotArrival(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, Handlers{})
	require.NoError(t, c.Start(ctx, "Alex"))

	base := time.Now().UTC()
	newer := domain.Message{
		ID: "m2", SessionID: c.SessionID(), Sender: domain.RoleAdmin,
		Body: "newer", CreatedAt: base.Add(time.Second),
	}
	older := domain.Message{
		ID: "m1", SessionID: c.SessionID(), Sender: domain.RoleAdmin,
		Body: "older", CreatedAt: base,
	}

	// The newer message arrives first; the late older one must still land
	// before it, matching what a history refetch would return.
	c.handleEvent(protocol.AdminMessageEvent{Message: newer})
	c.handleEvent(protocol.AdminMessageEvent{Message: older})

	got := c.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].Body)
	assert.Equal(t, "newer", got[1].Body)
}

func TestTypingDebounce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, Handlers{})
	require.NoError(t, c.Start(ctx, "Alex"))
	events := captureEmits(c)

	c.InputActivity()
	c.InputActivity()
	c.InputActivity()

	// Wait for the async emit of the leading edge.
	require.Eventually(t, func() bool {
		return len(events.all()) == 1
	}, time.Second, 10*time.Millisecond)
	first := events.all()[0].(protocol.TypingEvent)
	assert.True(t, first.IsTyping)

	// Sending retracts typing immediately rather than waiting out the timer.
	_, err := c.Send(ctx, "done")
	require.NoError(t, err)

	got := events.all()
	require.Len(t, got, 3)
	assert.Equal(t, protocol.TypeMessageNew, got[1].Type())
	last := got[2].(protocol.TypingEvent)
	assert.False(t, last.IsTyping)
}

func TestPeerTypingWatchdogState(t *testing.T) {
	ctx := context.Background()
	var typing []bool
	c, _ := newTestClient(t, Handlers{
		OnTyping: func(b bool) { typing = append(typing, b) },
	})
	require.NoError(t, c.Start(ctx, "Alex"))

	c.handleEvent(protocol.AdminTypingEvent{SessionID: c.SessionID(), IsTyping: true})
	assert.True(t, c.PeerTyping())

	// An arriving message clears the indicator without an explicit stop.
	c.handleEvent(protocol.AdminMessageEvent{Message: domain.Message{
		ID: "m1", SessionID: c.SessionID(), Sender: domain.RoleAdmin, Body: "hi",
	}})
	assert.False(t, c.PeerTyping())
	assert.Equal(t, []bool{true, false}, typing)
}

func TestMarkReadAndUnreadIndex(t *testing.T) {
	ctx := context.Background()
	c, svc := newTestClient(t, Handlers{})
	require.NoError(t, c.Start(ctx, "Alex"))

	_, err := c.Send(ctx, "question")
	require.NoError(t, err)
	reply, err := svc.PostMessage(ctx, c.SessionID(), domain.RoleAdmin, "answer")
	require.NoError(t, err)
	c.handleEvent(protocol.AdminMessageEvent{Message: *reply})

	assert.Equal(t, 1, c.UnreadIndex())
	require.NoError(t, c.MarkRead(ctx))
	assert.Equal(t, -1, c.UnreadIndex())

	// The server agrees after a refetch.
	require.NoError(t, c.refetchHistory(ctx))
	assert.Equal(t, -1, c.UnreadIndex())
}

func TestSessionDeletedClearsState(t *testing.T) {
	ctx := context.Background()
	var deleted bool
	c, _ := newTestClient(t, Handlers{
		OnSessionDeleted: func() { deleted = true },
	})
	require.NoError(t, c.Start(ctx, "Alex"))

	c.handleEvent(protocol.SessionDeletedEvent{SessionID: c.SessionID()})
	assert.True(t, deleted)
	assert.True(t, c.isDeleted())

	st, err := c.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.SessionID)
}

func TestRenameAdoptsDedupedName(t *testing.T) {
	ctx := context.Background()
	c, svc := newTestClient(t, Handlers{})
	_, err := svc.CreateSession(ctx, "Taken")
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, "Alex"))

	final, err := c.Rename(ctx, "Taken")
	require.NoError(t, err)
	assert.Equal(t, "Taken (2)", final)
	assert.Equal(t, "Taken (2)", c.DisplayName())
}
