// Package connection wraps a single WebSocket with its I/O pumps and tracks
// live connections in a registry. Connections are short-lived and
// disposable; session identity lives one layer up.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wsengine/wsengine/ident"
	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// ErrClosed is returned when sending on a connection that has already
// closed.
var ErrClosed = errors.New("connection closed")

const (
	writeWait       = 10 * time.Second
	outboundBuffer  = 64
	inboundBuffer   = 64
	errStreamBuffer = 16
)

// State of a connection. A connection becomes closed exactly once, either
// by a local Close or by remote termination.
type State int32

const (
	StateActive State = iota
	StateClosed
)

// Conn owns one WebSocket exclusively. Inbound frames are parsed and
// validated by the codec and delivered on Inbound; frames that fail parsing
// surface on Errors and never reach the handler path. Done completes when
// the socket terminates, after which CloseCode reports why.
type Conn struct {
	id          string
	ws          *websocket.Conn
	codec       *protocol.Codec
	logger      *zap.Logger
	connectedAt time.Time

	state atomic.Int32

	mu        sync.RWMutex
	sessionID string

	out     chan []byte
	inbound chan *protocol.Message
	errs    chan error
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// New wraps an upgraded socket. Start must be called to begin pumping.
func New(ws *websocket.Conn, codec *protocol.Codec, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := ident.Connection()
	return &Conn{
		id:          id,
		ws:          ws,
		codec:       codec,
		logger:      logger.With(zap.String("connection_id", id)),
		connectedAt: time.Now(),
		out:         make(chan []byte, outboundBuffer),
		inbound:     make(chan *protocol.Message, inboundBuffer),
		errs:        make(chan error, errStreamBuffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the read and write pumps. maxMessageSize bounds inbound
// frames; oversized frames terminate the connection with close code 1009.
func (c *Conn) Start(maxMessageSize int64) {
	if maxMessageSize > 0 {
		c.ws.SetReadLimit(maxMessageSize)
	}
	go c.writePump()
	go c.readPump()
}

// ID returns the opaque connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// ConnectedAt returns when the socket was accepted.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SessionID returns the attached session's id, or empty.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// BindSession records the back-reference to the owning session.
func (c *Conn) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Send serializes and queues a message for delivery.
func (c *Conn) Send(msg *protocol.Message) error {
	data, err := c.codec.Serialize(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues a pre-serialized text frame.
func (c *Conn) SendRaw(data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		// A full buffer means the peer stopped draining. Treat it as a
		// dead connection rather than blocking the caller.
		c.logger.Warn("Outbound buffer full, dropping connection")
		c.Close(protocol.CloseGoingAway, "send buffer overflow")
		return fmt.Errorf("%w: send buffer full", ErrClosed)
	}
}

// Inbound returns the stream of validated messages.
func (c *Conn) Inbound() <-chan *protocol.Message {
	return c.inbound
}

// Errors returns the stream of per-frame parse failures.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Done completes when the connection has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseCode reports the close code after Done has completed.
func (c *Conn) CloseCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode
}

// CloseReason reports the close reason after Done has completed.
func (c *Conn) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// Close terminates the connection with the given code and reason. Frames
// queued before the call are flushed first, so an error sent right before
// a Close reaches the peer ahead of the close frame. Safe to call more
// than once; only the first call takes effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		// The write pump drains remaining output, writes the close frame
		// and completes done.
		close(c.closing)
	})
	return nil
}

func (c *Conn) readPump() {
	defer close(c.inbound)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			code := protocol.CloseNormal
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			} else if errors.Is(err, websocket.ErrReadLimit) {
				code = protocol.CloseMessageTooBig
			}
			c.Close(code, "read terminated")
			return
		}
		if messageType != websocket.TextMessage {
			c.pushErr(protocol.NewError(protocol.CodeInvalidProtocol, "binary frames are not supported"))
			continue
		}
		msg, err := c.codec.Parse(data)
		if err != nil {
			// A single bad frame does not terminate the connection.
			c.pushErr(err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	defer c.finishClose()
	for {
		select {
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				c.Close(protocol.CloseGoingAway, "write failed")
				return
			}
		case <-c.closing:
			// Flush frames queued ahead of the close.
			for {
				select {
				case data := <-c.out:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// finishClose writes the close frame, tears the socket down and completes
// done. Runs exactly once, when the write pump exits.
func (c *Conn) finishClose() {
	c.Close(protocol.CloseGoingAway, "write pump terminated")
	code, reason := c.CloseCode(), c.CloseReason()

	deadline := time.Now().Add(writeWait)
	payload := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, payload, deadline); err != nil {
		c.logger.Debug("Failed to write close frame", zap.Error(err))
	}
	if err := c.ws.Close(); err != nil {
		c.logger.Debug("Failed to close socket", zap.Error(err))
	}
	close(c.done)
	c.logger.Debug("Connection closed", zap.Int("code", code), zap.String("reason", reason))
}

func (c *Conn) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("Error stream full, dropping parse error", zap.Error(err))
	}
}
