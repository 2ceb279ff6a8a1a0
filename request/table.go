// Package request implements the pending-request correlation table used for
// request/response over the full-duplex stream: each outstanding request is
// keyed by correlation id and carries its own timeout.
package request

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// DefaultTimeout applies when a request is registered with no explicit
// timeout.
const DefaultTimeout = 10 * time.Second

// ErrTimeout fails a waiter whose response never arrived.
var ErrTimeout = errors.New("request timed out")

// Result delivers either the reply message or the failure to the waiter.
type Result struct {
	Msg *protocol.Message
	Err error
}

type pending struct {
	ch       chan Result
	deadline time.Time
}

// Table maps correlation ids to pending-response sinks. Safe for concurrent
// use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*pending
	logger  *zap.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		entries: make(map[string]*pending),
		logger:  logger,
	}
}

// Register creates a waiter for the given correlation id. The returned
// channel receives exactly one Result. A non-positive timeout uses
// DefaultTimeout.
func (t *Table) Register(correlationID string, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ch := make(chan Result, 1)
	t.mu.Lock()
	t.entries[correlationID] = &pending{
		ch:       ch,
		deadline: time.Now().Add(timeout),
	}
	t.mu.Unlock()
	return ch
}

// Resolve routes a reply to its waiter by correlation id. A reply named
// sys.error resolves the waiter as a failure carrying the payload as the
// error. Returns false when no waiter matches, in which case the message
// belongs to the normal dispatch path.
func (t *Table) Resolve(msg *protocol.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	t.mu.Lock()
	entry, ok := t.entries[msg.CorrelationID]
	if ok {
		delete(t.entries, msg.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	if msg.Event == protocol.EventError {
		entry.ch <- Result{Err: protocol.ErrorFromPayload(msg.Payload)}
	} else {
		entry.ch <- Result{Msg: msg}
	}
	return true
}

// Fail resolves a waiter with an error, removing its entry.
func (t *Table) Fail(correlationID string, err error) {
	t.mu.Lock()
	entry, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if ok {
		entry.ch <- Result{Err: err}
	}
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RunSweeper fails expired waiters until the context is cancelled.
func (t *Table) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Table) sweep() {
	now := time.Now()
	t.mu.Lock()
	var expired []*pending
	for id, entry := range t.entries {
		if entry.deadline.Before(now) {
			expired = append(expired, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		entry.ch <- Result{Err: ErrTimeout}
	}
	if len(expired) > 0 {
		t.logger.Debug("Expired pending requests", zap.Int("count", len(expired)))
	}
}
