package protocol

import "time"

// Reserved system event names. Everything under the "sys." prefix belongs to
// the runtime; user handlers register plain event names.
const (
	EventSessionCreated   = "sys.session.created"
	EventSessionRestored  = "sys.session.restored"
	EventSessionSuspended = "sys.session.suspended"
	EventSessionClosed    = "sys.session.closed"
	EventPing             = "sys.ping"
	EventPong             = "sys.pong"
	EventReconnectRequest = "sys.reconnect.request"
	EventDisconnect       = "sys.disconnect"
	EventError            = "sys.error"
)

// Message is the wire unit: one JSON object per text frame.
// Short keys keep frames compact; Timestamp is milliseconds since epoch.
type Message struct {
	Version       string         `json:"v,omitempty"`
	Event         string         `json:"e"`
	Payload       map[string]any `json:"p,omitempty"`
	CorrelationID string         `json:"c,omitempty"`
	Timestamp     int64          `json:"t"`
}

// NewMessage builds a message carrying the given event and payload,
// stamped with the current time. Version is filled in by the codec on
// serialization when empty.
func NewMessage(event string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorMessage builds a sys.error message from a taxonomy code.
func NewErrorMessage(code int, message string, details map[string]any) *Message {
	payload := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		payload["details"] = details
	}
	return NewMessage(EventError, payload)
}

// Response derives the auto-reply for a request: "<event>.response" with the
// request's protocol version and correlation id.
func (m *Message) Response(payload map[string]any) *Message {
	resp := NewMessage(m.Event+".response", payload)
	resp.Version = m.Version
	resp.CorrelationID = m.CorrelationID
	return resp
}
