package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS is a PubSub over NATS subjects. Channel segments map onto subject
// tokens (":" becomes "."), so the "*" segment wildcard translates
// directly to the NATS single-token wildcard.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	sub *nats.Subscription
	out chan Message
}

var _ PubSub = (*NATS)(nil)

// NewNATS wraps an existing NATS connection. The caller owns the
// connection's lifetime beyond Close.
func NewNATS(conn *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		conn:   conn,
		logger: logger,
		subs:   make(map[string]*natsSubscription),
	}
}

// Publish implements PubSub.
func (n *NATS) Publish(_ context.Context, channel string, data []byte) error {
	if err := n.conn.Publish(toSubject(channel), data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements PubSub.
func (n *NATS) Subscribe(_ context.Context, pattern string) (<-chan Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.subs[pattern]; ok {
		return existing.out, nil
	}

	out := make(chan Message, subscriptionBuffer)
	sub, err := n.conn.Subscribe(toSubject(pattern), func(msg *nats.Msg) {
		select {
		case out <- Message{Channel: fromSubject(msg.Subject), Data: msg.Data}:
		default:
			n.logger.Warn("Dropping nats message, subscriber slow",
				zap.String("pattern", pattern),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe to %s: %w", pattern, err)
	}

	n.subs[pattern] = &natsSubscription{sub: sub, out: out}
	return out, nil
}

// Unsubscribe implements PubSub.
func (n *NATS) Unsubscribe(pattern string) error {
	n.mu.Lock()
	entry, ok := n.subs[pattern]
	if ok {
		delete(n.subs, pattern)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	err := entry.sub.Unsubscribe()
	close(entry.out)
	return err
}

// Close tears down every subscription. It does not close the underlying
// connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]*natsSubscription)
	n.mu.Unlock()

	var firstErr error
	for _, entry := range subs {
		if err := entry.sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		close(entry.out)
	}
	return firstErr
}

func toSubject(channel string) string {
	return strings.ReplaceAll(channel, Separator, ".")
}

func fromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", Separator)
}
