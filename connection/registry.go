package connection

import (
	"sync"

	"go.uber.org/zap"
)

// Registry tracks live connections. It holds a shared reference for
// iteration and close-on-shutdown; each connection still owns its socket
// exclusively.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	onOpen  []func(*Conn)
	onClose []func(*Conn)
	logger  *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// Add registers a connection and fires open callbacks in registration
// order. A panicking callback does not prevent later ones from running.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	callbacks := append([]func(*Conn){}, r.onOpen...)
	r.mu.Unlock()

	r.logger.Debug("Connection registered", zap.String("connection_id", c.ID()))
	for _, callback := range callbacks {
		r.invoke(callback, c)
	}
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove drops the connection from the registry and fires close callbacks.
// It does not close the connection; the owner does that.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	callbacks := append([]func(*Conn){}, r.onClose...)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Debug("Connection removed", zap.String("connection_id", id))
	for _, callback := range callbacks {
		r.invoke(callback, c)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every tracked connection with the given code. Used on
// server shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
	r.logger.Info("Closed all connections", zap.Int("count", len(conns)))
}

// OnOpen registers a callback fired when a connection is added.
func (r *Registry) OnOpen(callback func(*Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, callback)
}

// OnClose registers a callback fired when a connection is removed.
func (r *Registry) OnClose(callback func(*Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, callback)
}

func (r *Registry) invoke(callback func(*Conn), c *Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic in connection callback", zap.Any("panic", rec))
		}
	}()
	callback(c)
}
