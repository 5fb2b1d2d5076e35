package room

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// broadcastChannel is the shared pub/sub channel. Every instance publishes
// its room events here and every instance's subscriber feeds its own hub, so
// members of one room spread over several servers all see the delta.
const broadcastChannel = "room-broadcast"

type busEnvelope struct {
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	To      string          `json:"to,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// RedisBridge implements Broadcaster over redis pub/sub.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
	ctx context.Context
}

func NewRedisBridge(ctx context.Context, rdb *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{rdb: rdb, hub: hub, ctx: ctx}
}

func (b *RedisBridge) Broadcast(code, event string, payload any, excludeSessionID string) {
	b.publish(busEnvelope{Room: code, Exclude: excludeSessionID}, event, payload)
}

func (b *RedisBridge) Direct(code, sessionID, event string, payload any) {
	b.publish(busEnvelope{Room: code, To: sessionID}, event, payload)
}

func (b *RedisBridge) publish(env busEnvelope, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		log.Printf("room-service: encode %s event: %v", event, err)
		return
	}
	env.Frame = frame
	raw, err := json.Marshal(env)
	if err != nil {
		log.Printf("room-service: encode envelope: %v", err)
		return
	}
	if err := b.rdb.Publish(b.ctx, broadcastChannel, raw).Err(); err != nil {
		log.Printf("room-service: publish %s event: %v", event, err)
	}
}

// Run subscribes to the broadcast channel and hands every envelope to the
// local hub. Blocks until the context is canceled.
func (b *RedisBridge) Run() {
	sub := b.rdb.Subscribe(b.ctx, broadcastChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("room-service: bad envelope: %v", err)
				continue
			}
			if env.Room == "" {
				continue
			}
			b.hub.Deliver(env.Room, env.Frame, env.Exclude, env.To)
		}
	}
}
