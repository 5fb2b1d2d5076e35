package room

import (
	"context"
	"log"
	"time"
)

// StartHeartbeat starts a background worker that periodically re-broadcasts
// the playback state of every locally subscribed room with a fresh
// ServerTime. Joining or drifting clients self-correct from it without
// waiting for the next explicit mutation. Reads are lock-free; the anchors
// are untouched, so replays are idempotent.
func (s *Service) StartHeartbeat(ctx context.Context, hub *Hub, every time.Duration) {
	if every <= 0 {
		every = 300 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.beat(ctx, hub)
			}
		}
	}()
}

func (s *Service) beat(ctx context.Context, hub *Hub) {
	for _, code := range hub.ActiveRooms() {
		rs, err := s.reg.Get(ctx, code)
		if err != nil {
			// Expired rooms simply stop beating.
			continue
		}
		if !rs.Playback.IsPlaying {
			continue
		}
		frame, err := encodeEvent(EventPlayerState, stamped(rs.Playback, s.now()))
		if err != nil {
			log.Printf("room-service: heartbeat encode: %v", err)
			continue
		}
		hub.Deliver(code, frame, "", "")
	}
}
