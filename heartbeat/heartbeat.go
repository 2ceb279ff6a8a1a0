// Package heartbeat detects liveness loss. It pings each monitored session
// on an interval and suspends sessions whose pong does not arrive in time.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

type watch struct {
	lastPingAt time.Time
	lastPongAt time.Time
	timer      *time.Timer
	missed     int
}

// Monitor sends sys.ping events and arms a per-session pong timer. A timer
// that fires, or a ping that fails to send, invokes the timeout callback
// (wired to the session registry's Suspend).
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	watched map[string]*watch

	sessions  *session.Registry
	onTimeout func(sessionID string)
	logger    *zap.Logger
}

// New creates a heartbeat monitor. onTimeout runs outside the monitor lock.
func New(sessions *session.Registry, interval, timeout time.Duration, onTimeout func(sessionID string), logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		interval:  interval,
		timeout:   timeout,
		watched:   make(map[string]*watch),
		sessions:  sessions,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Run pings on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout),
	)
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-ctx.Done():
			m.StopAll()
			m.logger.Info("Heartbeat monitor stopped")
			return
		}
	}
}

// Watch begins monitoring a session.
func (m *Monitor) Watch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[sessionID]; !ok {
		m.watched[sessionID] = &watch{}
	}
}

// Unwatch stops monitoring a session, cancelling any armed pong timer.
// Called on session suspend and close.
func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watched[sessionID]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(m.watched, sessionID)
	}
}

// Watching reports whether the session is currently monitored.
func (m *Monitor) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[sessionID]
	return ok
}

// Pong records a pong for the session, cancelling the pending timer and
// resetting the missed counter. A pong arriving after its timer fired (the
// session is no longer watched, or no timer is armed) has no effect.
func (m *Monitor) Pong(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watched[sessionID]
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.lastPongAt = time.Now()
	w.missed = 0
}

// StopAll drops every watch. Used on shutdown.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.watched {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(m.watched, id)
	}
}

func (m *Monitor) tick() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watched))
	for id := range m.watched {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.ping(id)
	}
}

func (m *Monitor) ping(sessionID string) {
	s, ok := m.sessions.Get(sessionID)
	if !ok || s.State() != session.StateActive {
		return
	}

	ping := protocol.NewMessage(protocol.EventPing, map[string]any{
		"t": time.Now().UnixMilli(),
	})
	if err := s.Send(ping); err != nil {
		// A ping that cannot be sent is as dead as a missed pong.
		m.logger.Debug("Ping send failed, treating as timeout",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		m.expire(sessionID)
		return
	}

	m.mu.Lock()
	w, ok := m.watched[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.lastPingAt = time.Now()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(m.timeout, func() {
		m.onPongTimeout(sessionID)
	})
	m.mu.Unlock()
}

func (m *Monitor) onPongTimeout(sessionID string) {
	m.mu.Lock()
	w, ok := m.watched[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.timer = nil
	w.missed++
	missed := w.missed
	m.mu.Unlock()

	m.logger.Info("Pong timeout",
		zap.String("session_id", sessionID),
		zap.Int("missed", missed),
	)
	m.expire(sessionID)
}

func (m *Monitor) expire(sessionID string) {
	m.Unwatch(sessionID)
	if m.onTimeout != nil {
		m.onTimeout(sessionID)
	}
}
