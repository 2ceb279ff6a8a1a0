// Package dispatch turns an inbound wire message into at most one handler
// invocation and at most one outbound reply: middleware chain, version
// resolution, auth gating, schema validation and auto-reply wrapping.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/wsengine/wsengine/metrics"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/rooms"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

// Handler processes one message. Its return value controls the automatic
// reply: nil means no reply, a *protocol.Message is sent verbatim, and a
// map[string]any is wrapped as "<event>.response" carrying the request's
// correlation id.
type Handler func(ctx *Ctx) (any, error)

// Middleware runs before handler resolution. Returning false blocks the
// dispatch silently; a blocking middleware is responsible for any reply of
// its own.
type Middleware func(ctx *Ctx) bool

// Predicate validates one payload field. Predicates are untrusted: a panic
// inside one counts as a validation failure.
type Predicate func(value any) bool

// Schema maps payload field names to predicates.
type Schema map[string]Predicate

// Registration binds a handler to an event name. An empty Versions set
// means the handler accepts any admissible version.
type Registration struct {
	Event        string
	Handler      Handler
	Versions     []string
	RequiresAuth bool
	Schema       Schema
}

// Dispatcher routes messages to registered handlers.
type Dispatcher struct {
	handlers    map[string][]*Registration
	middlewares []Middleware
	notFound    Handler
	onError     func(ctx *Ctx, err error)

	rooms   *rooms.Registry
	logger  *zap.Logger
	metrics metrics.Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotFoundHandler replaces the default handler-not-found reply.
func WithNotFoundHandler(h Handler) Option {
	return func(d *Dispatcher) {
		d.notFound = h
	}
}

// WithErrorHandler installs a hook for non-validation errors escaping a
// handler. Without it, the client gets an opaque internal-error reply.
func WithErrorHandler(fn func(ctx *Ctx, err error)) Option {
	return func(d *Dispatcher) {
		d.onError = fn
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = recorder
	}
}

// New creates a dispatcher. The rooms registry backs Ctx.BroadcastToRoom.
func New(roomRegistry *rooms.Registry, logger *zap.Logger, options ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		handlers: make(map[string][]*Registration),
		rooms:    roomRegistry,
		logger:   logger.Named("dispatch"),
		metrics:  metrics.Nop{},
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Register adds a handler registration. Multiple registrations per event
// are allowed when they target disjoint version sets.
func (d *Dispatcher) Register(reg Registration) error {
	if reg.Event == "" {
		return errors.New("event name must not be empty")
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for %q must not be nil", reg.Event)
	}
	r := reg
	d.handlers[reg.Event] = append(d.handlers[reg.Event], &r)
	d.logger.Debug("Registered handler",
		zap.String("event", reg.Event),
		zap.Strings("versions", reg.Versions),
		zap.Bool("requires_auth", reg.RequiresAuth),
	)
	return nil
}

// HandleFunc registers a version-agnostic handler without auth or schema
// requirements.
func (d *Dispatcher) HandleFunc(event string, h Handler) error {
	return d.Register(Registration{Event: event, Handler: h})
}

// Use appends a global middleware. Middlewares run in registration order.
func (d *Dispatcher) Use(mw Middleware) {
	d.middlewares = append(d.middlewares, mw)
}

// Dispatch processes one inbound message for a session. The caller
// serializes invocations per session (one in flight, arrival order), so
// handlers get a single-writer view of their session.
func (d *Dispatcher) Dispatch(s *session.Session, conn session.Conn, msg *protocol.Message) {
	ctx := &Ctx{
		Session:    s,
		Conn:       conn,
		Message:    msg,
		dispatcher: d,
	}
	d.metrics.MessageReceived(msg.Event)
	s.Touch()

	for _, mw := range d.middlewares {
		if !d.runMiddleware(mw, ctx) {
			return
		}
	}

	reg := d.resolve(msg.Event, msg.Version)
	if reg == nil {
		if d.notFound != nil {
			d.finish(ctx, d.invoke(d.notFound, ctx))
			return
		}
		d.metrics.Error(protocol.CodeHandlerNotFound)
		ctx.Error(protocol.CodeHandlerNotFound, fmt.Sprintf("No handler for event: %s", msg.Event), nil)
		return
	}

	if reg.RequiresAuth && s.UserID() == "" {
		d.metrics.Error(protocol.CodeAuthRequired)
		ctx.Error(protocol.CodeAuthRequired, "Authentication required", nil)
		return
	}

	if field, ok := d.validate(reg.Schema, msg.Payload); !ok {
		d.metrics.Error(protocol.CodeValidationFailed)
		verr := protocol.ValidationError(field)
		ctx.Error(verr.Code, verr.Message, verr.Details)
		return
	}

	d.finish(ctx, d.invoke(reg.Handler, ctx))
}

// resolve picks the registration whose version set admits the message's
// version, falling back to the first version-agnostic registration.
func (d *Dispatcher) resolve(event, version string) *Registration {
	regs := d.handlers[event]
	if len(regs) == 0 {
		return nil
	}
	var fallback *Registration
	for _, reg := range regs {
		if len(reg.Versions) == 0 {
			if fallback == nil {
				fallback = reg
			}
			continue
		}
		for _, v := range reg.Versions {
			if v == version {
				return reg
			}
		}
	}
	return fallback
}

// validate runs schema predicates over the payload. The first failing
// field is returned; a panicking predicate fails its field.
func (d *Dispatcher) validate(schema Schema, payload map[string]any) (field string, ok bool) {
	for name, predicate := range schema {
		if !d.evaluate(predicate, payload[name]) {
			return name, false
		}
	}
	return "", true
}

func (d *Dispatcher) evaluate(predicate Predicate, value any) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Warn("Schema predicate panicked", zap.Any("panic", rec))
			ok = false
		}
	}()
	return predicate(value)
}

func (d *Dispatcher) runMiddleware(mw Middleware, ctx *Ctx) (proceed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Panic in middleware", zap.Any("panic", rec))
			proceed = false
		}
	}()
	return mw(ctx)
}

type handlerOutcome struct {
	result any
	err    error
}

func (d *Dispatcher) invoke(h Handler, ctx *Ctx) handlerOutcome {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Panic in handler",
				zap.Any("panic", rec),
				zap.String("event", ctx.Message.Event),
				zap.String("session_id", ctx.Session.ID()),
			)
			d.metrics.Error(protocol.CodeInternal)
			ctx.Error(protocol.CodeInternal, "Internal error", nil)
		}
	}()
	result, err := h(ctx)
	return handlerOutcome{result: result, err: err}
}

// finish converts the handler outcome into the reply. Handler errors never
// terminate the connection or session.
func (d *Dispatcher) finish(ctx *Ctx, outcome handlerOutcome) {
	if outcome.err != nil {
		var perr *protocol.Error
		if errors.As(outcome.err, &perr) && perr.Code == protocol.CodeValidationFailed {
			d.metrics.Error(perr.Code)
			ctx.Error(perr.Code, perr.Message, perr.Details)
			return
		}
		if d.onError != nil {
			d.onError(ctx, outcome.err)
			return
		}
		d.logger.Error("Handler error",
			zap.String("event", ctx.Message.Event),
			zap.Error(outcome.err),
		)
		d.metrics.Error(protocol.CodeInternal)
		ctx.Error(protocol.CodeInternal, "Internal error", nil)
		return
	}

	switch result := outcome.result.(type) {
	case nil:
	case *protocol.Message:
		ctx.Send(result)
	case map[string]any:
		ctx.Send(ctx.Message.Response(result))
	default:
		d.logger.Warn("Unsupported handler result type discarded",
			zap.String("event", ctx.Message.Event),
			zap.String("type", fmt.Sprintf("%T", result)),
		)
	}
}
