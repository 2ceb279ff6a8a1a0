package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
)

// Ctx is the handler's view of one invocation: the session, the connection
// it arrived on, the message, and reply conveniences.
type Ctx struct {
	Session *session.Session
	Conn    session.Conn
	Message *protocol.Message

	dispatcher *Dispatcher
}

// Reply sends an event carrying the request's correlation id.
func (c *Ctx) Reply(event string, payload map[string]any) error {
	msg := protocol.NewMessage(event, payload)
	msg.Version = c.Message.Version
	msg.CorrelationID = c.Message.CorrelationID
	return c.Send(msg)
}

// Emit sends an event without a correlation id.
func (c *Ctx) Emit(event string, payload map[string]any) error {
	return c.Send(protocol.NewMessage(event, payload))
}

// Error sends a sys.error reply correlated with the request.
func (c *Ctx) Error(code int, message string, details map[string]any) error {
	msg := protocol.NewErrorMessage(code, message, details)
	msg.CorrelationID = c.Message.CorrelationID
	return c.Send(msg)
}

// Send delivers a raw message on the invoking connection.
func (c *Ctx) Send(msg *protocol.Message) error {
	if err := c.Conn.Send(msg); err != nil {
		return err
	}
	c.dispatcher.metrics.MessageSent(msg.Event)
	c.Session.Touch()
	return nil
}

// BroadcastToRoom fans an event out to the room, excluding the invoking
// session. Returns the delivered count.
func (c *Ctx) BroadcastToRoom(roomID, event string, payload map[string]any) int {
	msg := protocol.NewMessage(event, payload)
	count := c.dispatcher.rooms.Broadcast(roomID, msg, c.Session.ID())
	if count > 0 {
		c.dispatcher.metrics.MessageSent(event)
	}
	return count
}

// Bind converts the payload into a user domain type. Structural failures
// are reported as validation errors, so a handler can simply return them.
func (c *Ctx) Bind(out any) error {
	data, err := json.Marshal(c.Message.Payload)
	if err != nil {
		return &protocol.Error{
			Code:    protocol.CodeValidationFailed,
			Message: fmt.Sprintf("Validation failed: %v", err),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &protocol.Error{
			Code:    protocol.CodeValidationFailed,
			Message: fmt.Sprintf("Validation failed: %v", err),
		}
	}
	return nil
}
