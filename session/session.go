// Package session implements the logical identity that outlives individual
// connections: lifecycle state, room membership, metadata, and the registry
// that creates, finds, reconnects, suspends and closes sessions.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/wsengine/wsengine/ident"
	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// ErrNotAttached is returned when sending to a session without an active
// connection.
var ErrNotAttached = errors.New("session has no attached connection")

// Conn is the slice of a connection the session layer needs. Satisfied by
// *connection.Conn.
type Conn interface {
	ID() string
	Send(msg *protocol.Message) error
	SendRaw(data []byte) error
	Close(code int, reason string) error
	Done() <-chan struct{}
}

// State of a session. A closed session never transitions again.
type State int

const (
	StateActive State = iota
	StateSuspended
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is a logical identity surviving connection drops. It has an
// attached connection exactly while active; room membership survives
// active/suspended transitions and is cleared on close.
type Session struct {
	id        string
	createdAt time.Time
	logger    *zap.Logger

	// lifecycleMu serializes state transitions (reconnect, suspend, close)
	// per session so racing reconnects and closes resolve deterministically.
	lifecycleMu sync.Mutex

	mu           sync.RWMutex
	userID       string
	state        State
	conn         Conn
	rooms        map[string]struct{}
	metadata     map[string]any
	lastActivity time.Time
	suspendedAt  time.Time

	// params holds transient cross-cutting state (rate limiters and the
	// like). Unlike metadata it never goes on the wire.
	params sync.Map
}

func newSession(logger *zap.Logger) *Session {
	id := ident.Session()
	now := time.Now()
	return &Session{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		logger:       logger.With(zap.String("session_id", id)),
		state:        StateActive,
		rooms:        make(map[string]struct{}),
		metadata:     make(map[string]any),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user, or empty for anonymous sessions.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conn returns the attached connection, or nil while suspended or closed.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity returns the time of the last inbound or outbound traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// SuspendedAt returns when the session was suspended; zero while active.
func (s *Session) SuspendedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suspendedAt
}

// Rooms returns a copy of the room ids this session is a member of.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// InRoom reports membership of a single room.
func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// TrackRoom records membership on the session side. Called by the rooms
// registry, which owns the authoritative member sets.
func (s *Session) TrackRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

// UntrackRoom removes membership on the session side.
func (s *Session) UntrackRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue returns one metadata entry.
func (s *Session) MetadataValue(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// SetMetadata stores one metadata entry.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// MergeMetadata stores every entry of the given map.
func (s *Session) MergeMetadata(values map[string]any) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range values {
		s.metadata[k] = v
	}
	s.mu.Unlock()
}

// Params returns the transient key/value store scoped to this session.
func (s *Session) Params() *sync.Map {
	return &s.params
}

// Send delivers a message over the attached connection. Fails with
// ErrNotAttached while suspended or closed.
func (s *Session) Send(msg *protocol.Message) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotAttached
	}
	if err := conn.Send(msg); err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}
