package room

import "time"

// All playback arithmetic anchors positions to the server wall clock: a
// playing track is fully described by StartTimestamp (the instant considered
// position zero), a paused one by PausedAt (seconds into the track). Clients
// never trust each other's clocks, only ServerTime offsets.

// maxOneWayLatencySeconds caps how much client-reported latency may shift a
// position forward. Anything above it is treated as noise and the update is
// applied without compensation.
const maxOneWayLatencySeconds = 2.0

// ProposedPlayback is the client's view of what playback should become. The
// server re-anchors it against its own clock before persisting.
type ProposedPlayback struct {
	IsPlaying  bool    `json:"isPlaying"`
	TrackIndex uint    `json:"trackIndex"`
	Position   float64 `json:"position"` // seconds into the track, per the requester's player
	Volume     int     `json:"volume"`
	SentAt     float64 `json:"sentAt,omitempty"` // client wall clock at send, epoch seconds
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func float64Ptr(v float64) *float64 { return &v }

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// nextPlayback computes the playback state resulting from a proposed update
// received at server time now.
//
// Playing (resume or seek): StartTimestamp = now - position, PausedAt cleared.
// Paused: PausedAt = position, StartTimestamp cleared. A credible one-way
// latency derived from SentAt forward-projects a playing position so that the
// requester and the rest of the room land on the same spot.
func nextPlayback(prev PlaybackState, p ProposedPlayback, now float64) PlaybackState {
	pos := p.Position
	if pos < 0 {
		pos = 0
	}
	if p.IsPlaying && p.SentAt > 0 {
		if latency := now - p.SentAt; latency > 0 && latency <= maxOneWayLatencySeconds {
			pos += latency
		}
	}

	next := PlaybackState{
		IsPlaying:       p.IsPlaying,
		TrackIndex:      p.TrackIndex,
		Volume:          clampVolume(p.Volume),
		IsCollaborative: prev.IsCollaborative,
		ServerTime:      now,
	}
	if p.IsPlaying {
		next.StartTimestamp = float64Ptr(now - pos)
	} else {
		next.PausedAt = float64Ptr(pos)
	}
	return next
}

// startPlayback transitions a stopped room to playing its current track. The
// buffer pushes position zero slightly into the future so every client has
// time to start loading audio before the deadline.
func startPlayback(prev PlaybackState, bufferSeconds, now float64) PlaybackState {
	next := prev
	next.IsPlaying = true
	next.StartTimestamp = float64Ptr(now + bufferSeconds)
	next.PausedAt = nil
	next.ServerTime = now
	return next
}

// playbackPosition projects the position at server time now. It is negative
// while a cold-start buffer deadline has not been reached yet; a client must
// not render "playing" until it is >= 0.
func playbackPosition(p PlaybackState, now float64) float64 {
	switch {
	case p.IsPlaying && p.StartTimestamp != nil:
		return now - *p.StartTimestamp
	case !p.IsPlaying && p.PausedAt != nil:
		return *p.PausedAt
	default:
		return 0
	}
}

// stamped returns p with a fresh ServerTime, used by the heartbeat. The
// anchors are untouched, so replaying the result never moves the projected
// position beyond natural elapsed time.
func stamped(p PlaybackState, now float64) PlaybackState {
	p.ServerTime = now
	return p
}
