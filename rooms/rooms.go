// Package rooms tracks named sets of session ids used for fan-out.
// Membership is decoupled from transport state, which is what lets
// reconnections restore broadcast membership for free.
package rooms

import (
	"sync"
	"time"

	"github.com/wsengine/wsengine/metrics"
	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

// Room is a named member set. MaxMembers of zero means unbounded.
type Room struct {
	ID         string
	MaxMembers int
	CreatedAt  time.Time
	Metadata   map[string]any

	members map[string]struct{}
}

// Registry owns all rooms and keeps the room-side and session-side
// membership views consistent.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	// bySession mirrors membership per session so LeaveAll works even for
	// sessions whose local set was already cleared.
	bySession map[string]map[string]struct{}

	onJoin  []func(roomID string, s *session.Session)
	onLeave []func(roomID string, s *session.Session)

	autoCreate bool
	autoDelete bool

	sessions *session.Registry
	logger   *zap.Logger
	metrics  metrics.Recorder
}

// Option configures a Registry.
type Option func(*Registry)

// WithAutoCreate controls whether Join creates missing rooms. On by
// default.
func WithAutoCreate(enabled bool) Option {
	return func(r *Registry) {
		r.autoCreate = enabled
	}
}

// WithAutoDelete controls whether a room is removed when its last member
// leaves. On by default.
func WithAutoDelete(enabled bool) Option {
	return func(r *Registry) {
		r.autoDelete = enabled
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(r *Registry) {
		r.metrics = recorder
	}
}

// NewRegistry creates a room registry. The session registry is used to
// resolve member ids to live sessions during broadcast.
func NewRegistry(sessions *session.Registry, logger *zap.Logger, options ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		rooms:      make(map[string]*Room),
		bySession:  make(map[string]map[string]struct{}),
		autoCreate: true,
		autoDelete: true,
		sessions:   sessions,
		logger:     logger,
		metrics:    metrics.Nop{},
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Create makes a room explicitly, typically to set a capacity before
// anyone joins. Returns false if the room already exists.
func (r *Registry) Create(roomID string, maxMembers int, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[roomID]; exists {
		return false
	}
	r.rooms[roomID] = &Room{
		ID:         roomID,
		MaxMembers: maxMembers,
		CreatedAt:  time.Now(),
		Metadata:   metadata,
		members:    make(map[string]struct{}),
	}
	return true
}

// Join adds the session to the room, auto-creating it unless disabled.
// Returns false when the room is missing (auto-create off) or full; both
// sides are left unchanged in that case.
func (r *Registry) Join(roomID string, s *session.Session) bool {
	r.mu.Lock()
	room, exists := r.rooms[roomID]
	if !exists {
		if !r.autoCreate {
			r.mu.Unlock()
			return false
		}
		room = &Room{
			ID:        roomID,
			CreatedAt: time.Now(),
			members:   make(map[string]struct{}),
		}
		r.rooms[roomID] = room
	}
	if _, already := room.members[s.ID()]; already {
		r.mu.Unlock()
		return true
	}
	if room.MaxMembers > 0 && len(room.members) >= room.MaxMembers {
		r.mu.Unlock()
		return false
	}
	room.members[s.ID()] = struct{}{}
	if r.bySession[s.ID()] == nil {
		r.bySession[s.ID()] = make(map[string]struct{})
	}
	r.bySession[s.ID()][roomID] = struct{}{}
	callbacks := append([]func(string, *session.Session){}, r.onJoin...)
	r.mu.Unlock()

	s.TrackRoom(roomID)
	r.metrics.RoomJoined()
	r.logger.Debug("Session joined room",
		zap.String("room_id", roomID),
		zap.String("session_id", s.ID()),
	)
	for _, callback := range callbacks {
		r.invoke(callback, roomID, s)
	}
	return true
}

// Leave removes the session from the room. Leave callbacks fire before a
// possible auto-delete of the emptied room.
func (r *Registry) Leave(roomID string, s *session.Session) {
	r.mu.Lock()
	room, exists := r.rooms[roomID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if _, member := room.members[s.ID()]; !member {
		r.mu.Unlock()
		return
	}
	delete(room.members, s.ID())
	if set := r.bySession[s.ID()]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.bySession, s.ID())
		}
	}
	empty := len(room.members) == 0
	callbacks := append([]func(string, *session.Session){}, r.onLeave...)
	r.mu.Unlock()

	s.UntrackRoom(roomID)
	r.metrics.RoomLeft()
	for _, callback := range callbacks {
		r.invoke(callback, roomID, s)
	}

	if empty && r.autoDelete {
		r.mu.Lock()
		// Re-check: someone may have joined while callbacks ran.
		if room, ok := r.rooms[roomID]; ok && len(room.members) == 0 {
			delete(r.rooms, roomID)
			r.logger.Debug("Deleted empty room", zap.String("room_id", roomID))
		}
		r.mu.Unlock()
	}
}

// LeaveAll removes the session from every room it is in. Used on session
// close.
func (r *Registry) LeaveAll(s *session.Session) {
	r.mu.RLock()
	roomIDs := make([]string, 0, len(r.bySession[s.ID()]))
	for roomID := range r.bySession[s.ID()] {
		roomIDs = append(roomIDs, roomID)
	}
	r.mu.RUnlock()

	for _, roomID := range roomIDs {
		r.Leave(roomID, s)
	}
}

// Broadcast sends a message to every member of the room, skipping the
// excluded session and members without an active connection. The member
// set is snapshotted under the lock and sends happen outside it, so
// concurrent joins and leaves never trip the iteration. Per-recipient send
// failures are swallowed. Returns the count actually transmitted.
func (r *Registry) Broadcast(roomID string, msg *protocol.Message, excludeSessionID string) int {
	r.mu.RLock()
	room, exists := r.rooms[roomID]
	if !exists {
		r.mu.RUnlock()
		return 0
	}
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, id := range members {
		if id == excludeSessionID {
			continue
		}
		s, ok := r.sessions.Get(id)
		if !ok || s.State() != session.StateActive {
			continue
		}
		if err := s.Send(msg); err != nil {
			r.logger.Debug("Broadcast send failed",
				zap.String("room_id", roomID),
				zap.String("session_id", id),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns a copy of the room's member ids.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, exists := r.rooms[roomID]
	if !exists {
		return nil
	}
	out := make([]string, 0, len(room.members))
	for id := range room.members {
		out = append(out, id)
	}
	return out
}

// Exists reports whether the room currently exists.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// OnJoin registers a callback fired after a successful join.
func (r *Registry) OnJoin(callback func(roomID string, s *session.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJoin = append(r.onJoin, callback)
}

// OnLeave registers a callback fired after a leave, before any room
// deletion.
func (r *Registry) OnLeave(callback func(roomID string, s *session.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = append(r.onLeave, callback)
}

func (r *Registry) invoke(callback func(string, *session.Session), roomID string, s *session.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic in room callback",
				zap.Any("panic", rec),
				zap.String("room_id", roomID),
			)
		}
	}()
	callback(roomID, s)
}
