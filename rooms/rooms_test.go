package rooms

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent []*protocol.Message
	done chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) SendRaw([]byte) error    { return nil }
func (c *fakeConn) Close(int, string) error { return nil }
func (c *fakeConn) Done() <-chan struct{}   { return c.done }

func (c *fakeConn) received() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message{}, c.sent...)
}

func setup(t *testing.T, options ...Option) (*Registry, *session.Registry) {
	t.Helper()
	sessions := session.NewRegistry(zap.NewNop())
	rooms := NewRegistry(sessions, zap.NewNop(), options...)
	sessions.SetLeaveAll(rooms.LeaveAll)
	return rooms, sessions
}

func TestJoinKeepsBothSidesConsistent(t *testing.T) {
	rooms, sessions := setup(t)
	s := sessions.Create("", newFakeConn("c1"), nil)

	require.True(t, rooms.Join("general", s))
	assert.True(t, rooms.Exists("general"), "auto-create on join")
	assert.Contains(t, rooms.Members("general"), s.ID())
	assert.True(t, s.InRoom("general"))

	// Idempotent re-join.
	require.True(t, rooms.Join("general", s))
	assert.Len(t, rooms.Members("general"), 1)
}

func TestJoinWithoutAutoCreate(t *testing.T) {
	rooms, sessions := setup(t, WithAutoCreate(false))
	s := sessions.Create("", newFakeConn("c1"), nil)

	assert.False(t, rooms.Join("missing", s))
	assert.False(t, s.InRoom("missing"))

	rooms.Create("made", 0, nil)
	assert.True(t, rooms.Join("made", s))
}

func TestJoinRespectsCapacity(t *testing.T) {
	rooms, sessions := setup(t)
	rooms.Create("small", 2, nil)

	a := sessions.Create("", newFakeConn("a"), nil)
	b := sessions.Create("", newFakeConn("b"), nil)
	c := sessions.Create("", newFakeConn("c"), nil)

	require.True(t, rooms.Join("small", a))
	require.True(t, rooms.Join("small", b))
	assert.False(t, rooms.Join("small", c), "full room rejects the join")
	assert.False(t, c.InRoom("small"), "failed join leaves both sides unchanged")
	assert.Len(t, rooms.Members("small"), 2)

	// A member re-joining a full room still succeeds.
	assert.True(t, rooms.Join("small", a))
}

func TestLeaveAndAutoDelete(t *testing.T) {
	rooms, sessions := setup(t)
	s := sessions.Create("", newFakeConn("c1"), nil)
	rooms.Join("general", s)

	var leaveSawRoom bool
	rooms.OnLeave(func(roomID string, _ *session.Session) {
		// Callbacks fire before the empty room is deleted.
		leaveSawRoom = rooms.Exists(roomID)
	})

	rooms.Leave("general", s)
	assert.True(t, leaveSawRoom)
	assert.False(t, rooms.Exists("general"), "last leave deletes the room")
	assert.False(t, s.InRoom("general"))

	// Leaving a room you are not in is a no-op.
	rooms.Leave("general", s)
}

func TestAutoDeleteDisabled(t *testing.T) {
	rooms, sessions := setup(t, WithAutoDelete(false))
	s := sessions.Create("", newFakeConn("c1"), nil)
	rooms.Join("general", s)
	rooms.Leave("general", s)
	assert.True(t, rooms.Exists("general"))
	assert.Empty(t, rooms.Members("general"))
}

func TestSessionCloseLeavesAllRooms(t *testing.T) {
	rooms, sessions := setup(t)
	s := sessions.Create("", newFakeConn("c1"), nil)
	rooms.Join("a", s)
	rooms.Join("b", s)

	sessions.Close(s.ID(), protocol.CloseNormal, "bye")
	assert.NotContains(t, rooms.Members("a"), s.ID())
	assert.NotContains(t, rooms.Members("b"), s.ID())
}

func TestMembershipSurvivesSuspension(t *testing.T) {
	rooms, sessions := setup(t)
	s := sessions.Create("", newFakeConn("c1"), nil)
	rooms.Join("general", s)

	sessions.Suspend(s.ID())
	assert.Contains(t, rooms.Members("general"), s.ID())
	assert.True(t, s.InRoom("general"))
}

func TestBroadcast(t *testing.T) {
	rooms, sessions := setup(t)

	sender := sessions.Create("", newFakeConn("sender"), nil)
	activeConn := newFakeConn("active")
	active := sessions.Create("", activeConn, nil)
	suspended := sessions.Create("", newFakeConn("gone"), nil)

	for _, s := range []*session.Session{sender, active, suspended} {
		require.True(t, rooms.Join("general", s))
	}
	sessions.Suspend(suspended.ID())

	msg := protocol.NewMessage("room.message", map[string]any{"body": "hi"})
	delivered := rooms.Broadcast("general", msg, sender.ID())

	assert.Equal(t, 1, delivered, "sender excluded, suspended skipped")
	require.Len(t, activeConn.received(), 1)
	assert.Equal(t, "room.message", activeConn.received()[0].Event)

	assert.Equal(t, 0, rooms.Broadcast("missing", msg, ""))
}

func TestJoinCallbacks(t *testing.T) {
	rooms, sessions := setup(t)

	var joined []string
	rooms.OnJoin(func(roomID string, s *session.Session) {
		joined = append(joined, roomID+"/"+s.ID())
	})
	rooms.OnJoin(func(string, *session.Session) { panic("boom") })

	s := sessions.Create("", newFakeConn("c1"), nil)
	rooms.Join("general", s)
	require.Len(t, joined, 1, "panicking callback is isolated")
	assert.Equal(t, "general/"+s.ID(), joined[0])
}
