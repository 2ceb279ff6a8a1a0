package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a PubSub over redis PUBLISH/PSUBSCRIBE. Patterns containing "*"
// use PSUBSCRIBE glob matching; redis globs are a superset of the
// single-segment wildcard, which is harmless for the channels the server
// uses ("ws:room:*" with separator-free room ids).
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	out    chan Message
}

var _ PubSub = (*Redis)(nil)

// NewRedis wraps an existing redis client. The caller owns the client's
// lifetime beyond Close.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		logger: logger,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish implements PubSub.
func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements PubSub.
func (r *Redis) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.subs[pattern]; ok {
		return existing.out, nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	var pubsub *redis.PubSub
	if containsWildcard(pattern) {
		pubsub = r.client.PSubscribe(ctx, pattern)
	} else {
		pubsub = r.client.Subscribe(ctx, pattern)
	}
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", pattern, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		out:    make(chan Message, subscriptionBuffer),
	}
	r.subs[pattern] = sub
	go r.pump(subCtx, pattern, sub)
	return sub.out, nil
}

func (r *Redis) pump(ctx context.Context, pattern string, sub *redisSubscription) {
	defer close(sub.out)
	in := sub.pubsub.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case sub.out <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}:
			default:
				r.logger.Warn("Dropping redis pubsub message, subscriber slow",
					zap.String("pattern", pattern),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Unsubscribe implements PubSub.
func (r *Redis) Unsubscribe(pattern string) error {
	r.mu.Lock()
	sub, ok := r.subs[pattern]
	if ok {
		delete(r.subs, pattern)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

// Close tears down every subscription. It does not close the underlying
// client.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func containsWildcard(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
	}
	return false
}
