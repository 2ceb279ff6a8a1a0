// Package pubsub defines the external fan-out interface used for
// multi-node broadcast, with in-memory, Redis and NATS backends.
//
// Channels are colon-separated segments ("ws:room:general"). A "*" segment
// in a subscription pattern matches exactly one channel segment; room ids
// therefore must not contain the separator.
package pubsub

import (
	"context"
	"strings"
)

// Separator between channel segments.
const Separator = ":"

// Well-known channels the server bridges to local fan-out.
const (
	ChannelBroadcast   = "ws:broadcast"
	ChannelRoomPattern = "ws:room:*"
	ChannelRoomPrefix  = "ws:room:"
)

// Message is one published payload with the concrete channel it arrived
// on.
type Message struct {
	Channel string
	Data    []byte
}

// PubSub is the pluggable external broker. Subscribe streams matching
// messages until Unsubscribe or Close; implementations close the returned
// channel at that point.
type PubSub interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)
	Unsubscribe(pattern string) error
	Close() error
}

// Match reports whether a concrete channel matches a subscription pattern.
func Match(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ps := strings.Split(pattern, Separator)
	cs := strings.Split(channel, Separator)
	if len(ps) != len(cs) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != cs[i] {
			return false
		}
	}
	return true
}
