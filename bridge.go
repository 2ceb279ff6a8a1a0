package wsengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/wsengine/wsengine/protocol"
	"github.com/wsengine/wsengine/pubsub"
	"github.com/wsengine/wsengine/session"
	"go.uber.org/zap"
)

// roomIDKey carries the target room inside a published frame so every node
// can fan out locally without parsing the channel name.
const roomIDKey = "_roomId"

// startBridge subscribes to the well-known channels and fans inbound
// frames out to local sessions. Every node, publisher included, receives
// its own publishes through the broker, so fan-out logic lives in one
// place.
func (s *Server) startBridge(ctx context.Context) error {
	broadcasts, err := s.broker.Subscribe(ctx, pubsub.ChannelBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pubsub.ChannelBroadcast, err)
	}
	roomFeed, err := s.broker.Subscribe(ctx, pubsub.ChannelRoomPattern)
	if err != nil {
		s.broker.Unsubscribe(pubsub.ChannelBroadcast)
		return fmt.Errorf("subscribe to %s: %w", pubsub.ChannelRoomPattern, err)
	}
	go s.bridgeLoop(ctx, broadcasts, roomFeed)
	return nil
}

func (s *Server) bridgeLoop(ctx context.Context, broadcasts, roomFeed <-chan pubsub.Message) {
	for {
		select {
		case m, ok := <-broadcasts:
			if !ok {
				broadcasts = nil
				if roomFeed == nil {
					return
				}
				continue
			}
			msg, err := s.codec.Parse(m.Data)
			if err != nil {
				s.logger.Warn("Discarding malformed broadcast frame", zap.Error(err))
				continue
			}
			s.BroadcastAll(msg)
		case m, ok := <-roomFeed:
			if !ok {
				roomFeed = nil
				if broadcasts == nil {
					return
				}
				continue
			}
			msg, err := s.codec.Parse(m.Data)
			if err != nil {
				s.logger.Warn("Discarding malformed room frame", zap.Error(err))
				continue
			}
			roomID, _ := msg.Payload[roomIDKey].(string)
			if roomID == "" {
				roomID = strings.TrimPrefix(m.Channel, pubsub.ChannelRoomPrefix)
			}
			delete(msg.Payload, roomIDKey)
			s.rooms.Broadcast(roomID, msg, "")
		case <-ctx.Done():
			return
		}
	}
}

// BroadcastAll sends a message to every locally active session. Returns
// the count actually transmitted.
func (s *Server) BroadcastAll(msg *protocol.Message) int {
	delivered := 0
	for _, sess := range s.sessions.All() {
		if sess.State() != session.StateActive {
			continue
		}
		if err := sess.Send(msg); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// PublishBroadcast sends a message to every active session on every node.
// Without a broker it degrades to local delivery.
func (s *Server) PublishBroadcast(ctx context.Context, msg *protocol.Message) error {
	if s.broker == nil {
		s.BroadcastAll(msg)
		return nil
	}
	data, err := s.codec.Serialize(msg)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, pubsub.ChannelBroadcast, data)
}

// PublishToRoom sends a message to every member of the room on every node.
// Without a broker it degrades to local delivery.
func (s *Server) PublishToRoom(ctx context.Context, roomID string, msg *protocol.Message) error {
	if s.broker == nil {
		s.rooms.Broadcast(roomID, msg, "")
		return nil
	}
	out := *msg
	payload := make(map[string]any, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload[roomIDKey] = roomID
	out.Payload = payload

	data, err := s.codec.Serialize(&out)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, pubsub.ChannelRoomPrefix+roomID, data)
}
