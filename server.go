// Package wsengine assembles the WebSocket runtime: connection acceptance,
// session lifecycle, rooms, heartbeat monitoring, typed dispatch and the
// reconnection protocol, behind a single Server facade.
//
// The server runs in one of two modes. Bound mode owns the HTTP listener
// (Start); detached mode mounts HandleRequest on a mux the caller owns
// (Serve plus HandleRequest).
package wsengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wsengine/wsengine/auth"
	"github.com/wsengine/wsengine/config"
	"github.com/wsengine/wsengine/connection"
	"github.com/wsengine/wsengine/dispatch"
	"github.com/wsengine/wsengine/heartbeat"
	"github.com/wsengine/wsengine/ident"
	"github.com/wsengine/wsengine/metrics"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/pubsub"
	"github.com/wsengine/wsengine/request"
	"github.com/wsengine/wsengine/rooms"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

const (
	shutdownTimeout      = 10 * time.Second
	pendingSweepInterval = time.Second
)

// Server ties the runtime together. Construct with New, register handlers,
// then Start (bound) or Serve (detached).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	codec      *protocol.Codec
	conns      *connection.Registry
	sessions   *session.Registry
	rooms      *rooms.Registry
	monitor    *heartbeat.Monitor
	dispatcher *dispatch.Dispatcher
	pending    *request.Table

	authenticator auth.Authenticator
	broker        pubsub.PubSub
	recorder      metrics.Recorder

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server

	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool

	// collected by options before components exist
	middlewares     []dispatch.Middleware
	dispatchOptions []dispatch.Option
	extraHandlers   map[string]http.Handler
}

// New builds a server from the configuration. A nil configuration uses
// Default.
func New(cfg *config.Config, options ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		logger:        zap.NewNop(),
		recorder:      metrics.Nop{},
		extraHandlers: make(map[string]http.Handler),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if cfg.RequireAuth && s.authenticator == nil {
		return nil, errors.New("require_auth is set but no authenticator is configured")
	}

	var codecOpts []protocol.CodecOption
	if cfg.MinimumVersion != "" {
		codecOpts = append(codecOpts, protocol.WithMinimumVersion(cfg.MinimumVersion))
	}
	s.codec = protocol.NewCodec(cfg.ProtocolVersion, cfg.SupportedVersions, codecOpts...)

	s.conns = connection.NewRegistry(s.logger.Named("conn"))
	s.sessions = session.NewRegistry(s.logger.Named("session"),
		session.WithSuspendTimeout(cfg.SessionSuspendTimeout),
		session.WithCleanupInterval(cfg.SessionCleanupInterval),
		session.WithMetrics(s.recorder),
	)
	s.rooms = rooms.NewRegistry(s.sessions, s.logger.Named("rooms"),
		rooms.WithMetrics(s.recorder),
	)
	s.sessions.SetLeaveAll(s.rooms.LeaveAll)

	dispatchOpts := append([]dispatch.Option{dispatch.WithMetrics(s.recorder)}, s.dispatchOptions...)
	s.dispatcher = dispatch.New(s.rooms, s.logger, dispatchOpts...)
	for _, mw := range s.middlewares {
		s.dispatcher.Use(mw)
	}

	s.pending = request.NewTable(s.logger.Named("request"))
	s.monitor = heartbeat.New(s.sessions, cfg.HeartbeatInterval, cfg.HeartbeatTimeout,
		s.onHeartbeatTimeout, s.logger.Named("heartbeat"))

	// A session leaving the active state stops being pinged; expiry inside
	// the monitor already unwatches, so the double unwatch is a no-op.
	s.sessions.OnSuspended(func(sess *session.Session) { s.monitor.Unwatch(sess.ID()) })
	s.sessions.OnClosed(func(sess *session.Session) { s.monitor.Unwatch(sess.ID()) })

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       s.checkOrigin,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(cfg.Path, s.HandleRequest)
	for path, handler := range s.extraHandlers {
		s.mux.Handle(path, handler)
	}
	return s, nil
}

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Rooms returns the room registry.
func (s *Server) Rooms() *rooms.Registry { return s.rooms }

// Connections returns the connection registry.
func (s *Server) Connections() *connection.Registry { return s.conns }

// Dispatcher returns the event dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Config returns the active configuration.
func (s *Server) Config() *config.Config { return s.cfg }

// Handle registers a version-agnostic handler for an event.
func (s *Server) Handle(event string, h dispatch.Handler) error {
	return s.dispatcher.HandleFunc(event, h)
}

// RegisterHandler registers a full handler registration (versions, auth,
// schema).
func (s *Server) RegisterHandler(reg dispatch.Registration) error {
	return s.dispatcher.Register(reg)
}

// Use appends a dispatch middleware.
func (s *Server) Use(mw dispatch.Middleware) {
	s.dispatcher.Use(mw)
}

// Start runs the server in bound mode: background loops plus its own HTTP
// listener. The returned channel reports listener errors occurring after
// startup; cancelling the context shuts the listener down.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	runCtx, err := s.startBackground(ctx)
	if err != nil {
		return nil, err
	}
	srv, errChan, err := startHTTPServer(runCtx, s.logger, s.cfg, s.mux)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.httpSrv = srv

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownHTTPServer(shutdownCtx, s.logger, srv)
	}()
	return errChan, nil
}

// Serve runs the server in detached mode: background loops only. The
// caller mounts HandleRequest on its own mux and owns the listener.
func (s *Server) Serve(ctx context.Context) error {
	_, err := s.startBackground(ctx)
	return err
}

func (s *Server) startBackground(ctx context.Context) (context.Context, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("server already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.sessions.StartReaper(runCtx)
	go s.monitor.Run(runCtx)
	go s.pending.RunSweeper(runCtx, pendingSweepInterval)

	if s.broker != nil {
		if err := s.startBridge(runCtx); err != nil {
			cancel()
			return nil, err
		}
	}
	s.logger.Info("Server started",
		zap.String("path", s.cfg.Path),
		zap.String("protocol_version", s.cfg.ProtocolVersion),
	)
	return runCtx, nil
}

// Shutdown stops the server: the listener stops accepting, every session
// and connection is closed with 1001, and background loops terminate.
// Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Shutting down")

	if s.httpSrv != nil {
		shutdownHTTPServer(ctx, s.logger, s.httpSrv)
	}
	s.sessions.CloseAll(protocol.CloseGoingAway, "server shutting down")
	s.conns.CloseAll(protocol.CloseGoingAway, "server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	if s.broker != nil {
		s.broker.Unsubscribe(pubsub.ChannelBroadcast)
		s.broker.Unsubscribe(pubsub.ChannelRoomPattern)
	}
	return nil
}

// Request sends a server-initiated request to the session and waits for
// the correlated reply. A non-positive timeout uses the table default.
func (s *Server) Request(ctx context.Context, sess *session.Session, event string, payload map[string]any, timeout time.Duration) (*protocol.Message, error) {
	msg := protocol.NewMessage(event, payload)
	msg.CorrelationID = ident.Correlation()

	ch := s.pending.Register(msg.CorrelationID, timeout)
	if err := sess.Send(msg); err != nil {
		s.pending.Fail(msg.CorrelationID, err)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Msg, res.Err
	case <-ctx.Done():
		s.pending.Fail(msg.CorrelationID, ctx.Err())
		return nil, ctx.Err()
	}
}

// onHeartbeatTimeout suspends the session and tears down the unresponsive
// socket. The session survives for the suspend window; a reconnecting
// client restores it.
func (s *Server) onHeartbeatTimeout(sessionID string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	conn := sess.Conn()
	s.sessions.Suspend(sessionID)
	if conn != nil {
		// The socket is presumed dead; the notification is best effort.
		conn.Send(protocol.NewMessage(protocol.EventSessionSuspended, map[string]any{
			"sessionId": sessionID,
			"reason":    "heartbeat timeout",
		}))
		conn.Close(protocol.CloseInactivity, "heartbeat timeout")
	}
	s.logger.Info("Session suspended on heartbeat timeout",
		zap.String("session_id", sessionID),
	)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.CORSHeaders["Access-Control-Allow-Origin"] == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
