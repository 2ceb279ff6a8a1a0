package session

import (
	"context"
	"sync"
	"time"

	"github.com/wsengine/wsengine/metrics"
	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// Registry creates, finds and closes sessions, indexes them by user, and
// reaps suspended sessions past their timeout.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	onCreated     []func(*Session)
	onSuspended   []func(*Session)
	onReconnected []func(*Session)
	onClosed      []func(*Session)

	// leaveAll is wired to the rooms registry so closing a session clears
	// its memberships on both sides before the local set is wiped.
	leaveAll func(*Session)

	suspendTimeout  time.Duration
	cleanupInterval time.Duration

	logger  *zap.Logger
	metrics metrics.Recorder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSuspendTimeout sets how long a suspended session survives before the
// reaper closes it.
func WithSuspendTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.suspendTimeout = timeout
	}
}

// WithCleanupInterval sets how often the reaper sweeps.
func WithCleanupInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cleanupInterval = interval
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(recorder metrics.Recorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = recorder
	}
}

// NewRegistry creates a session registry.
func NewRegistry(logger *zap.Logger, options ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions:        make(map[string]*Session),
		byUser:          make(map[string]map[string]*Session),
		suspendTimeout:  5 * time.Minute,
		cleanupInterval: 30 * time.Second,
		logger:          logger,
		metrics:         metrics.Nop{},
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// SetLeaveAll wires the room-membership cleanup invoked during Close.
func (r *Registry) SetLeaveAll(fn func(*Session)) {
	r.leaveAll = fn
}

// Create allocates a session, optionally attaching a connection and
// indexing it by user. Metadata supplied here is merged before the created
// callbacks fire.
func (r *Registry) Create(userID string, conn Conn, metadata map[string]any) *Session {
	s := newSession(r.logger)
	s.mu.Lock()
	s.userID = userID
	if conn != nil {
		s.conn = conn
		s.state = StateActive
	} else {
		s.state = StateSuspended
		s.suspendedAt = time.Now()
	}
	s.mu.Unlock()
	s.MergeMetadata(metadata)

	r.mu.Lock()
	r.sessions[s.id] = s
	if userID != "" {
		if r.byUser[userID] == nil {
			r.byUser[userID] = make(map[string]*Session)
		}
		r.byUser[userID][s.id] = s
	}
	r.mu.Unlock()

	r.metrics.SessionCreated()
	r.logger.Debug("Created session",
		zap.String("session_id", s.id),
		zap.String("user_id", userID),
	)
	r.fire(r.callbacks(&r.onCreated), s)
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByUser returns every session of the given user.
func (r *Registry) ByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live (non-closed) sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reconnect atomically binds a new connection to an existing session. It
// returns the session and any displaced connection; the displaced
// connection is NOT closed here, the caller owns that. Returns ok=false if
// the session is absent or closed.
func (r *Registry) Reconnect(id string, conn Conn) (s *Session, displaced Conn, ok bool) {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return nil, nil, false
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, nil, false
	}
	displaced = s.conn
	s.conn = conn
	s.state = StateActive
	s.suspendedAt = time.Time{}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	r.metrics.SessionReconnected()
	s.logger.Info("Session reconnected", zap.String("connection_id", conn.ID()))
	r.fire(r.callbacks(&r.onReconnected), s)
	return s, displaced, true
}

// Suspend transitions an active session to suspended, detaching its
// connection without closing it. No-op on closed sessions; suspending an
// already-suspended session only refreshes nothing and fires no callbacks.
func (r *Registry) Suspend(id string) {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateSuspended
	s.suspendedAt = time.Now()
	s.mu.Unlock()

	r.metrics.SessionSuspended()
	s.logger.Info("Session suspended")
	r.fire(r.callbacks(&r.onSuspended), s)
}

// SuspendIfAttached suspends the session only if the given connection is
// still the attached one. The per-connection pump uses this on socket
// termination so a drop racing a reconnection never suspends the freshly
// attached connection's session.
func (r *Registry) SuspendIfAttached(id string, conn Conn) {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateSuspended
	s.suspendedAt = time.Now()
	s.mu.Unlock()

	r.metrics.SessionSuspended()
	s.logger.Info("Session suspended")
	r.fire(r.callbacks(&r.onSuspended), s)
}

// Close transitions the session to closed, closes any attached connection
// with the given code, clears room membership and the user index, and
// fires closed callbacks. Idempotent.
func (r *Registry) Close(id string, code int, reason string) {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	userID := s.userID
	s.mu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}

	// Clear membership on the rooms side first, then the local set.
	if r.leaveAll != nil {
		r.leaveAll(s)
	}
	s.mu.Lock()
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	if userID != "" {
		if userSessions, ok := r.byUser[userID]; ok {
			delete(userSessions, id)
			if len(userSessions) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	r.mu.Unlock()

	r.metrics.SessionClosed()
	s.logger.Info("Session closed", zap.Int("code", code), zap.String("reason", reason))
	r.fire(r.callbacks(&r.onClosed), s)
}

// CloseAll closes every session, used on server shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			r.Close(sessionID, code, reason)
		}(id)
	}
	wg.Wait()
	r.logger.Info("Closed all sessions", zap.Int("count", len(ids)))
}

// StartReaper runs the suspended-session sweep until the context is
// cancelled.
func (r *Registry) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	r.logger.Info("Session reaper started",
		zap.Duration("interval", r.cleanupInterval),
		zap.Duration("suspend_timeout", r.suspendTimeout),
	)
	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-ctx.Done():
			r.logger.Info("Session reaper stopped")
			return
		}
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.suspendTimeout)
	r.mu.RLock()
	expired := make([]string, 0)
	for id, s := range r.sessions {
		if s.State() == StateSuspended && !s.SuspendedAt().IsZero() && s.SuspendedAt().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Close(id, protocol.CloseSessionExpired, "session expired")
	}
}

// OnCreated registers a lifecycle callback.
func (r *Registry) OnCreated(callback func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreated = append(r.onCreated, callback)
}

// OnSuspended registers a lifecycle callback.
func (r *Registry) OnSuspended(callback func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSuspended = append(r.onSuspended, callback)
}

// OnReconnected registers a lifecycle callback.
func (r *Registry) OnReconnected(callback func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReconnected = append(r.onReconnected, callback)
}

// OnClosed registers a lifecycle callback.
func (r *Registry) OnClosed(callback func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = append(r.onClosed, callback)
}

func (r *Registry) callbacks(list *[]func(*Session)) []func(*Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]func(*Session){}, *list...)
}

// fire runs callbacks in registration order, observing the session in its
// post-transition state. A panicking callback never blocks later ones.
func (r *Registry) fire(callbacks []func(*Session), s *Session) {
	for _, callback := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Panic in session callback",
						zap.Any("panic", rec),
						zap.String("session_id", s.id),
					)
				}
			}()
			callback(s)
		}()
	}
}
