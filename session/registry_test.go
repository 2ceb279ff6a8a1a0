package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

type fakeConn struct {
	id string

	mu        sync.Mutex
	sent      []*protocol.Message
	closed    bool
	closeCode int
	done      chan struct{}
	sendErr   error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) SendRaw([]byte) error { return nil }

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func TestCreateAttachedAndDetached(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	attached := r.Create("u1", newFakeConn("c1"), map[string]any{"plan": "pro"})
	assert.Equal(t, StateActive, attached.State())
	assert.NotNil(t, attached.Conn())
	v, ok := attached.MetadataValue("plan")
	require.True(t, ok)
	assert.Equal(t, "pro", v)

	detached := r.Create("u1", nil, nil)
	assert.Equal(t, StateSuspended, detached.State())
	assert.Nil(t, detached.Conn())

	assert.Len(t, r.ByUser("u1"), 2)
	assert.Equal(t, 2, r.Count())
}

func TestSuspendDetachesWithoutClosing(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := newFakeConn("c1")
	s := r.Create("", conn, nil)

	r.Suspend(s.ID())
	assert.Equal(t, StateSuspended, s.State())
	assert.Nil(t, s.Conn())
	assert.False(t, conn.isClosed(), "suspend must not close the socket")
	assert.False(t, s.SuspendedAt().IsZero())

	// Suspending again is a no-op.
	r.Suspend(s.ID())
	assert.Equal(t, StateSuspended, s.State())
}

func TestSuspendIfAttachedIgnoresStaleConn(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	old := newFakeConn("old")
	s := r.Create("", old, nil)

	// A newer connection claims the session.
	fresh := newFakeConn("fresh")
	_, _, ok := r.Reconnect(s.ID(), fresh)
	require.True(t, ok)

	// The old connection's pump observes its socket dying and tries to
	// suspend; the session must stay active on the fresh connection.
	r.SuspendIfAttached(s.ID(), old)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "fresh", s.Conn().ID())

	r.SuspendIfAttached(s.ID(), fresh)
	assert.Equal(t, StateSuspended, s.State())
}

func TestReconnectRestoresStateAndReturnsDisplaced(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	first := newFakeConn("c1")
	s := r.Create("u1", first, map[string]any{"plan": "pro"})
	s.TrackRoom("general")

	second := newFakeConn("c2")
	restored, displaced, ok := r.Reconnect(s.ID(), second)
	require.True(t, ok)
	assert.Same(t, s, restored)
	assert.Equal(t, "c1", displaced.ID())
	assert.False(t, first.isClosed(), "displaced connection is the caller's to close")

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "u1", s.UserID())
	assert.Contains(t, s.Rooms(), "general")
	v, _ := s.MetadataValue("plan")
	assert.Equal(t, "pro", v)
}

func TestReconnectSuspendedSession(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s := r.Create("", newFakeConn("c1"), nil)
	r.Suspend(s.ID())

	_, displaced, ok := r.Reconnect(s.ID(), newFakeConn("c2"))
	require.True(t, ok)
	assert.Nil(t, displaced)
	assert.Equal(t, StateActive, s.State())
	assert.True(t, s.SuspendedAt().IsZero())
}

func TestReconnectFailsOnAbsentOrClosed(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, _, ok := r.Reconnect("nope", newFakeConn("c1"))
	assert.False(t, ok)

	s := r.Create("", newFakeConn("c2"), nil)
	r.Close(s.ID(), protocol.CloseNormal, "bye")
	_, _, ok = r.Reconnect(s.ID(), newFakeConn("c3"))
	assert.False(t, ok, "closed sessions never reactivate")
}

func TestCloseClearsEverything(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := newFakeConn("c1")
	s := r.Create("u1", conn, nil)
	s.TrackRoom("general")

	var roomsAtLeave []string
	r.SetLeaveAll(func(sess *Session) {
		roomsAtLeave = sess.Rooms()
	})

	r.Close(s.ID(), protocol.CloseGoingAway, "shutdown")
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, conn.isClosed())
	assert.Equal(t, protocol.CloseGoingAway, conn.closedWith())
	assert.Contains(t, roomsAtLeave, "general", "leaveAll sees memberships before the wipe")
	assert.Empty(t, s.Rooms())

	_, found := r.Get(s.ID())
	assert.False(t, found)
	assert.Empty(t, r.ByUser("u1"))

	// Idempotent.
	r.Close(s.ID(), protocol.CloseNormal, "again")
}

func TestSendFailsWhileDetached(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s := r.Create("", newFakeConn("c1"), nil)
	r.Suspend(s.ID())

	err := s.Send(protocol.NewMessage("x", nil))
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestCallbackOrderAndPanicIsolation(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var order []string
	r.OnCreated(func(*Session) { order = append(order, "first") })
	r.OnCreated(func(*Session) { panic("boom") })
	r.OnCreated(func(*Session) { order = append(order, "third") })

	r.Create("", newFakeConn("c1"), nil)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestLifecycleCallbacksObservePostTransitionState(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var suspendedState, closedState State
	r.OnSuspended(func(s *Session) { suspendedState = s.State() })
	r.OnClosed(func(s *Session) { closedState = s.State() })

	s := r.Create("", newFakeConn("c1"), nil)
	r.Suspend(s.ID())
	r.Close(s.ID(), protocol.CloseNormal, "done")

	assert.Equal(t, StateSuspended, suspendedState)
	assert.Equal(t, StateClosed, closedState)
}

func TestReaperClosesExpiredSuspendedSessions(t *testing.T) {
	r := NewRegistry(zap.NewNop(),
		WithSuspendTimeout(20*time.Millisecond),
		WithCleanupInterval(10*time.Millisecond),
	)

	var mu sync.Mutex
	var closed []string
	r.OnClosed(func(s *Session) {
		mu.Lock()
		closed = append(closed, s.ID())
		mu.Unlock()
	})

	suspended := r.Create("", nil, nil)
	active := r.Create("", newFakeConn("c1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.StartReaper(ctx)

	require.Eventually(t, func() bool {
		_, found := r.Get(suspended.ID())
		return !found
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, closed, suspended.ID())
	mu.Unlock()
	assert.Equal(t, StateClosed, suspended.State())

	_, found := r.Get(active.ID())
	assert.True(t, found, "active sessions are never reaped")
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	for i := 0; i < 5; i++ {
		r.Create("", newFakeConn("c"), nil)
	}
	r.CloseAll(protocol.CloseGoingAway, "shutdown")
	assert.Equal(t, 0, r.Count())
}
