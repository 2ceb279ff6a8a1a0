package wsengine

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/wsengine/wsengine/auth"
	"github.com/wsengine/wsengine/connection"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

// HandleRequest upgrades one HTTP request to a WebSocket and serves it
// until the socket terminates. In detached mode the caller mounts this on
// its own mux; bound mode mounts it on the configured path.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	for key, value := range s.cfg.CORSHeaders {
		w.Header().Set(key, value)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Credentials are read before the upgrade; afterwards the request body
	// and headers are gone.
	token := s.extractToken(r)
	remoteAddr := r.RemoteAddr

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", zap.Error(err), zap.String("remote", remoteAddr))
		return
	}

	conn := connection.New(ws, s.codec, s.logger)
	conn.Start(s.cfg.MaxMessageSize)
	s.conns.Add(conn)
	s.recorder.ConnectionOpened()
	defer func() {
		s.conns.Remove(conn.ID())
		s.recorder.ConnectionClosed()
	}()

	sess, ok := s.openSession(conn, token, remoteAddr)
	if !ok {
		return
	}
	s.pump(conn, sess)
}

func (s *Server) extractToken(r *http.Request) string {
	if extractor, ok := s.authenticator.(auth.TokenExtractor); ok {
		return extractor.ExtractToken(r)
	}
	return auth.ExtractToken(r)
}

// openSession authenticates the handshake and creates the session. On
// failure the client gets a sys.error before the application close code so
// it can distinguish missing credentials (4001) from rejected ones (4002).
func (s *Server) openSession(conn *connection.Conn, token, remoteAddr string) (*session.Session, bool) {
	if s.cfg.RequireAuth && token == "" {
		s.recorder.Error(protocol.CodeAuthRequired)
		conn.Send(protocol.NewErrorMessage(protocol.CodeAuthRequired, "Authentication required", nil))
		conn.Close(protocol.CloseAuthRequired, "authentication required")
		return nil, false
	}

	var identity *auth.Identity
	if token != "" && s.authenticator != nil {
		authCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
		id, err := s.authenticator.Authenticate(authCtx, token, remoteAddr)
		cancel()
		if err != nil {
			code := protocol.CodeAuthFailed
			var perr *protocol.Error
			if errors.As(err, &perr) {
				code = perr.Code
			}
			s.recorder.Error(code)
			conn.Send(protocol.NewErrorMessage(code, "Authentication failed", nil))
			conn.Close(protocol.CloseAuthFailed, "authentication failed")
			s.logger.Info("Rejected connection",
				zap.String("remote", remoteAddr),
				zap.Error(err),
			)
			return nil, false
		}
		identity = id
	}

	var userID string
	var metadata map[string]any
	if identity != nil {
		userID = identity.UserID
		metadata = identity.Metadata
	}

	sess := s.sessions.Create(userID, conn, metadata)
	conn.BindSession(sess.ID())
	s.monitor.Watch(sess.ID())

	created := map[string]any{
		"sessionId":       sess.ID(),
		"protocolVersion": s.codec.CurrentVersion(),
	}
	if userID != "" {
		created["userId"] = userID
	}
	if err := sess.Send(protocol.NewMessage(protocol.EventSessionCreated, created)); err != nil {
		s.sessions.Close(sess.ID(), protocol.CloseGoingAway, "send failed during handshake")
		return nil, false
	}
	return sess, true
}

// pump serves one connection until its socket terminates. Messages are
// handled strictly in arrival order, which is what gives handlers a
// single-writer view of their session. A reconnection request may swap the
// session the pump is serving.
func (s *Server) pump(conn *connection.Conn, sess *session.Session) {
	inbound := conn.Inbound()
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			sess = s.handleMessage(conn, sess, msg)
		case err := <-conn.Errors():
			s.replyParseError(conn, err)
		case <-conn.Done():
			// Transport loss suspends rather than closes; the suspend
			// window gives the client a chance to reconnect. The check
			// against the current connection keeps a stale pump from
			// suspending a session a newer connection already owns.
			s.sessions.SuspendIfAttached(sess.ID(), conn)
			return
		}
	}
}

func (s *Server) handleMessage(conn *connection.Conn, sess *session.Session, msg *protocol.Message) *session.Session {
	switch msg.Event {
	case protocol.EventPong:
		s.monitor.Pong(sess.ID())
		sess.Touch()
		return sess
	case protocol.EventReconnectRequest:
		return s.handleReconnect(conn, sess, msg)
	default:
		// Replies to server-initiated requests are consumed by the
		// correlation table; everything else goes to handler dispatch.
		if s.pending.Resolve(msg) {
			return sess
		}
		s.dispatcher.Dispatch(sess, conn, msg)
		return sess
	}
}

// replyParseError reports a per-frame failure without terminating the
// connection.
func (s *Server) replyParseError(conn *connection.Conn, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.NewError(protocol.CodeInvalidProtocol, err.Error())
	}
	s.recorder.Error(perr.Code)
	conn.Send(perr.ToMessage())
}
