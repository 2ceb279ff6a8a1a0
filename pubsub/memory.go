package pubsub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const subscriptionBuffer = 64

// Memory is a single-process PubSub, useful for tests and single-node
// deployments.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
	logger *zap.Logger
}

var _ PubSub = (*Memory)(nil)

// NewMemory creates an in-process broker.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:   make(map[string][]chan Message),
		logger: logger,
	}
}

// Publish delivers to every matching subscription. Slow subscribers drop
// messages rather than blocking the publisher.
func (m *Memory) Publish(_ context.Context, channel string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("pubsub closed")
	}
	for pattern, channels := range m.subs {
		if !Match(pattern, channel) {
			continue
		}
		for _, ch := range channels {
			select {
			case ch <- Message{Channel: channel, Data: data}:
			default:
				m.logger.Warn("Dropping pubsub message, subscriber slow",
					zap.String("channel", channel),
				)
			}
		}
	}
	return nil
}

// Subscribe implements PubSub.
func (m *Memory) Subscribe(_ context.Context, pattern string) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("pubsub closed")
	}
	ch := make(chan Message, subscriptionBuffer)
	m.subs[pattern] = append(m.subs[pattern], ch)
	return ch, nil
}

// Unsubscribe drops every subscription on the pattern.
func (m *Memory) Unsubscribe(pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[pattern] {
		close(ch)
	}
	delete(m.subs, pattern)
	return nil
}

// Close shuts the broker down, closing all subscription streams.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, channels := range m.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	m.subs = make(map[string][]chan Message)
	return nil
}
