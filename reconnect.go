package wsengine

import (
	"github.com/wsengine/wsengine/auth"
	"github.com/wsengine/wsengine/connection"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

// handleReconnect moves the connection from its handshake session onto the
// session named in the request. On any failure the handshake session stays
// in place and the client gets a correlated sys.error; the connection is
// never dropped for a failed reconnect.
func (s *Server) handleReconnect(conn *connection.Conn, current *session.Session, msg *protocol.Message) *session.Session {
	fail := func(code int, message string) {
		s.recorder.Error(code)
		reply := protocol.NewErrorMessage(code, message, nil)
		reply.CorrelationID = msg.CorrelationID
		conn.Send(reply)
	}

	sessionID, _ := msg.Payload["sessionId"].(string)
	if sessionID == "" {
		verr := protocol.ValidationError("sessionId")
		s.recorder.Error(verr.Code)
		reply := verr.ToMessage()
		reply.CorrelationID = msg.CorrelationID
		conn.Send(reply)
		return current
	}

	// Reconnecting to the session already attached is a no-op restore.
	if sessionID == current.ID() {
		s.sendRestored(conn, current, msg.CorrelationID)
		return current
	}

	target, ok := s.sessions.Get(sessionID)
	if !ok || target.State() == session.StateClosed {
		fail(protocol.CodeSessionNotFound, "Session not found")
		return current
	}

	if validator, ok := s.authenticator.(auth.TokenValidator); ok {
		token, _ := msg.Payload["token"].(string)
		if s.cfg.RequireAuth || token != "" {
			if !validator.ValidateToken(token) {
				fail(protocol.CodeTokenExpired, "Token expired")
				return current
			}
		}
	}

	// A connection belongs to at most one session, so the handshake
	// session releases it before the target claims it.
	s.sessions.Suspend(current.ID())
	restored, displaced, ok := s.sessions.Reconnect(sessionID, conn)
	if !ok {
		// The target closed in the window between lookup and claim.
		// Reattach the handshake session so the connection stays usable.
		s.sessions.Reconnect(current.ID(), conn)
		fail(protocol.CodeSessionNotFound, "Session not found")
		return current
	}
	conn.BindSession(restored.ID())

	// The handshake session served only as a vestibule; it carries no
	// state worth suspending for.
	s.sessions.Close(current.ID(), protocol.CloseNormal, "superseded by reconnection")

	if displaced != nil && displaced.ID() != conn.ID() {
		displaced.Send(protocol.NewMessage(protocol.EventDisconnect, map[string]any{
			"reason": "replaced_by_reconnection",
		}))
		displaced.Close(protocol.CloseSessionDuplicate, "replaced by reconnection")
	}

	s.monitor.Watch(restored.ID())
	s.sendRestored(conn, restored, msg.CorrelationID)
	s.logger.Info("Connection reattached",
		zap.String("session_id", restored.ID()),
		zap.String("connection_id", conn.ID()),
	)
	return restored
}

// sendRestored emits the restore snapshot: everything the client needs to
// resume without rejoining rooms or resending metadata.
func (s *Server) sendRestored(conn *connection.Conn, sess *session.Session, correlationID string) {
	reply := protocol.NewMessage(protocol.EventSessionRestored, map[string]any{
		"sessionId": sess.ID(),
		"userId":    sess.UserID(),
		"rooms":     sess.Rooms(),
		"metadata":  sess.Metadata(),
	})
	reply.CorrelationID = correlationID
	conn.Send(reply)
}
