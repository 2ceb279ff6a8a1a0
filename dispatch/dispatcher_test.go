package dispatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/rooms"
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

func (c *fakeConn) last() *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func setup(t *testing.T, options ...Option) (*Dispatcher, *session.Registry) {
	t.Helper()
	sessions := session.NewRegistry(zap.NewNop())
	roomRegistry := rooms.NewRegistry(sessions, zap.NewNop())
	return New(roomRegistry, zap.NewNop(), options...), sessions
}

func inbound(event string, payload map[string]any) *protocol.Message {
	msg := protocol.NewMessage(event, payload)
	msg.Version = "1.0"
	msg.CorrelationID = "corr-1"
	return msg
}

func errorCode(t *testing.T, msg *protocol.Message) int {
	t.Helper()
	require.NotNil(t, msg)
	require.Equal(t, protocol.EventError, msg.Event)
	return protocol.ErrorFromPayload(msg.Payload).Code
}

func TestMapResultBecomesResponse(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.HandleFunc("profile.get", func(ctx *Ctx) (any, error) {
		return map[string]any{"name": "Ada"}, nil
	}))

	d.Dispatch(s, conn, inbound("profile.get", nil))

	reply := conn.last()
	require.NotNil(t, reply)
	assert.Equal(t, "profile.get.response", reply.Event)
	assert.Equal(t, "corr-1", reply.CorrelationID)
	assert.Equal(t, "Ada", reply.Payload["name"])
}

func TestMessageResultSentVerbatim(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	custom := protocol.NewMessage("custom.event", map[string]any{"k": 1})
	require.NoError(t, d.HandleFunc("trigger", func(ctx *Ctx) (any, error) {
		return custom, nil
	}))

	d.Dispatch(s, conn, inbound("trigger", nil))
	reply := conn.last()
	require.NotNil(t, reply)
	assert.Equal(t, "custom.event", reply.Event)
	assert.Empty(t, reply.CorrelationID, "verbatim messages are not auto-correlated")
}

func TestNilResultSendsNothing(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.HandleFunc("fire.and.forget", func(ctx *Ctx) (any, error) {
		return nil, nil
	}))

	d.Dispatch(s, conn, inbound("fire.and.forget", nil))
	assert.Zero(t, conn.count())
}

func TestUnknownEventRepliesHandlerNotFound(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	d.Dispatch(s, conn, inbound("no.such.event", nil))
	assert.Equal(t, protocol.CodeHandlerNotFound, errorCode(t, conn.last()))
	assert.Equal(t, "corr-1", conn.last().CorrelationID)
}

func TestNotFoundHandlerOverride(t *testing.T) {
	d, sessions := setup(t, WithNotFoundHandler(func(ctx *Ctx) (any, error) {
		return map[string]any{"fallback": true}, nil
	}))
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	d.Dispatch(s, conn, inbound("no.such.event", nil))
	reply := conn.last()
	require.NotNil(t, reply)
	assert.Equal(t, true, reply.Payload["fallback"])
}

func TestAuthGate(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")

	invoked := false
	require.NoError(t, d.Register(Registration{
		Event:        "secure.op",
		RequiresAuth: true,
		Handler: func(ctx *Ctx) (any, error) {
			invoked = true
			return nil, nil
		},
	}))

	anonymous := sessions.Create("", conn, nil)
	d.Dispatch(anonymous, conn, inbound("secure.op", nil))
	assert.Equal(t, protocol.CodeAuthRequired, errorCode(t, conn.last()))
	assert.False(t, invoked)

	authed := sessions.Create("u1", conn, nil)
	d.Dispatch(authed, conn, inbound("secure.op", nil))
	assert.True(t, invoked)
}

func TestSchemaValidation(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.Register(Registration{
		Event: "room.join",
		Schema: Schema{
			"roomId": func(v any) bool { str, ok := v.(string); return ok && str != "" },
		},
		Handler: func(ctx *Ctx) (any, error) { return map[string]any{}, nil },
	}))

	d.Dispatch(s, conn, inbound("room.join", map[string]any{"roomId": 42}))
	reply := conn.last()
	assert.Equal(t, protocol.CodeValidationFailed, errorCode(t, reply))
	details, _ := reply.Payload["details"].(map[string]any)
	require.NotNil(t, details)
	assert.Equal(t, "roomId", details["field"])

	d.Dispatch(s, conn, inbound("room.join", map[string]any{"roomId": "general"}))
	assert.Equal(t, "room.join.response", conn.last().Event)
}

func TestPanickingPredicateFailsValidation(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.Register(Registration{
		Event: "x",
		Schema: Schema{
			"field": func(v any) bool { return v.(string) != "" },
		},
		Handler: func(ctx *Ctx) (any, error) { return map[string]any{}, nil },
	}))

	// The type assertion inside the predicate panics on a number.
	d.Dispatch(s, conn, inbound("x", map[string]any{"field": 7}))
	assert.Equal(t, protocol.CodeValidationFailed, errorCode(t, conn.last()))
}

func TestMiddlewareBlocksSilently(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	var order []string
	d.Use(func(ctx *Ctx) bool { order = append(order, "first"); return true })
	d.Use(func(ctx *Ctx) bool { order = append(order, "second"); return false })
	d.Use(func(ctx *Ctx) bool { order = append(order, "never"); return true })

	invoked := false
	require.NoError(t, d.HandleFunc("x", func(ctx *Ctx) (any, error) {
		invoked = true
		return nil, nil
	}))

	d.Dispatch(s, conn, inbound("x", nil))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, invoked)
	assert.Zero(t, conn.count(), "a blocking middleware owns any reply")
}

func TestPanickingHandlerRepliesInternal(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.HandleFunc("boom", func(ctx *Ctx) (any, error) {
		panic("kaboom")
	}))

	d.Dispatch(s, conn, inbound("boom", nil))
	assert.Equal(t, protocol.CodeInternal, errorCode(t, conn.last()))
}

func TestHandlerErrorMapping(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.HandleFunc("invalid", func(ctx *Ctx) (any, error) {
		return nil, protocol.ValidationError("body")
	}))
	require.NoError(t, d.HandleFunc("broken", func(ctx *Ctx) (any, error) {
		return nil, errors.New("database on fire")
	}))

	d.Dispatch(s, conn, inbound("invalid", nil))
	assert.Equal(t, protocol.CodeValidationFailed, errorCode(t, conn.last()))

	d.Dispatch(s, conn, inbound("broken", nil))
	reply := conn.last()
	assert.Equal(t, protocol.CodeInternal, errorCode(t, reply))
	assert.NotContains(t, protocol.ErrorFromPayload(reply.Payload).Message, "database",
		"internal details never leak to the client")
}

func TestErrorHandlerHook(t *testing.T) {
	var hooked error
	d, sessions := setup(t, WithErrorHandler(func(ctx *Ctx, err error) {
		hooked = err
	}))
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.HandleFunc("broken", func(ctx *Ctx) (any, error) {
		return nil, errors.New("specific failure")
	}))

	d.Dispatch(s, conn, inbound("broken", nil))
	require.Error(t, hooked)
	assert.Zero(t, conn.count(), "the hook owns the reply")
}

func TestVersionedResolution(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	require.NoError(t, d.Register(Registration{
		Event:    "op",
		Versions: []string{"2.0"},
		Handler:  func(ctx *Ctx) (any, error) { return map[string]any{"impl": "v2"}, nil },
	}))
	require.NoError(t, d.Register(Registration{
		Event:   "op",
		Handler: func(ctx *Ctx) (any, error) { return map[string]any{"impl": "fallback"}, nil },
	}))

	msg := inbound("op", nil)
	msg.Version = "2.0"
	d.Dispatch(s, conn, msg)
	assert.Equal(t, "v2", conn.last().Payload["impl"])

	msg = inbound("op", nil)
	msg.Version = "1.0"
	d.Dispatch(s, conn, msg)
	assert.Equal(t, "fallback", conn.last().Payload["impl"])
}

func TestCtxBind(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	type joinRequest struct {
		RoomID string `json:"roomId"`
	}

	var bound joinRequest
	require.NoError(t, d.HandleFunc("room.join", func(ctx *Ctx) (any, error) {
		if err := ctx.Bind(&bound); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}))

	d.Dispatch(s, conn, inbound("room.join", map[string]any{"roomId": "general"}))
	assert.Equal(t, "general", bound.RoomID)

	// A payload that cannot bind surfaces as a validation failure.
	d.Dispatch(s, conn, inbound("room.join", map[string]any{"roomId": []any{1}}))
	assert.Equal(t, protocol.CodeValidationFailed, errorCode(t, conn.last()))
}

func TestRateLimitMiddleware(t *testing.T) {
	d, sessions := setup(t)
	conn := newFakeConn("c1")
	s := sessions.Create("", conn, nil)

	d.Use(RateLimit(1, 0))
	require.NoError(t, d.HandleFunc("x", func(ctx *Ctx) (any, error) {
		return map[string]any{}, nil
	}))

	d.Dispatch(s, conn, inbound("x", nil))
	assert.Equal(t, "x.response", conn.last().Event)

	// The burst of one is spent; the next message inside the window is
	// rejected.
	d.Dispatch(s, conn, inbound("x", nil))
	assert.Equal(t, protocol.CodeRateLimited, errorCode(t, conn.last()))

	// Other sessions keep their own budget.
	otherConn := newFakeConn("c2")
	other := sessions.Create("", otherConn, nil)
	d.Dispatch(other, otherConn, inbound("x", nil))
	assert.Equal(t, "x.response", otherConn.last().Event)
}
