package room

import (
	"context"
	"log"
	"strings"
)

// Broadcaster fans room events out to connected members. Implementations must
// deliver across server instances (the ws server bridges through redis
// pub/sub). Delivery is at-most-once; clients that miss a message catch up on
// the next heartbeat or a reconnect snapshot.
type Broadcaster interface {
	// Broadcast delivers to every session subscribed to the room, minus
	// excludeSessionID when non-empty.
	Broadcast(code, event string, payload any, excludeSessionID string)
	// Direct delivers to a single session of the room.
	Direct(code, sessionID, event string, payload any)
}

// Outbound event names. They mirror the client protocol.
const (
	EventCurrentState = "load_current_state"
	EventUserList     = "update_user_list"
	EventPlayerState  = "sync_player_state"
	EventRoleChanged  = "role_changed"
	EventTrackAdded   = "track_added"
)

// Service is the room state machine. Every mutation runs inside
// Registry.LockedUpdate; broadcasts go out only after the lock is released
// and only for applied changes.
type Service struct {
	reg           Registry
	bus           Broadcaster
	bufferSeconds float64
	now           func() float64
}

func NewService(reg Registry, bus Broadcaster, bufferSeconds float64) *Service {
	if bufferSeconds <= 0 {
		bufferSeconds = 1.5
	}
	return &Service{
		reg:           reg,
		bus:           bus,
		bufferSeconds: bufferSeconds,
		now:           nowSeconds,
	}
}

// JoinResult is what the joining session gets back: the playback snapshot is
// sent to it alone, the member list is broadcast to the whole room.
type JoinResult struct {
	Playback PlaybackState `json:"playback"`
	Members  []Member      `json:"members"`
	IsAdmin  bool          `json:"isAdmin"`
}

// Join adds (or overwrites) the member entry for sessionID. The first session
// of an adminless room becomes admin; a session presenting the stable
// identity that last held admin rights reclaims them from the current holder.
func (s *Service) Join(ctx context.Context, code, sessionID, displayName, identity string) (*JoinResult, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "Guest"
	}

	var (
		becameAdmin bool
		demoted     string
	)
	rs, err := s.reg.LockedUpdate(ctx, code, func(rs *RoomState) error {
		now := s.now()

		switch {
		case identity != "" && identity == rs.AdminIdentity && rs.AdminSessionID != "" && rs.AdminSessionID != sessionID:
			// Admin reconnected under a new session: reclaim the role.
			if prev, ok := rs.Members[rs.AdminSessionID]; ok {
				prev.IsAdmin = false
				rs.Members[prev.SessionID] = prev
				demoted = prev.SessionID
			}
			rs.AdminSessionID = sessionID
			becameAdmin = true
		case rs.AdminSessionID == "":
			rs.AdminSessionID = sessionID
			if identity != "" {
				rs.AdminIdentity = identity
			}
			becameAdmin = true
		case rs.AdminSessionID == sessionID:
			// Same session re-announcing itself keeps the role; a newly
			// presented identity binds so the role survives a later drop.
			becameAdmin = true
			if identity != "" {
				rs.AdminIdentity = identity
			}
		}

		m := Member{
			SessionID:   sessionID,
			DisplayName: displayName,
			IsAdmin:     becameAdmin,
			Identity:    identity,
			JoinedAt:    now,
		}
		if existing, ok := rs.Members[sessionID]; ok {
			m.JoinedAt = existing.JoinedAt
		}
		rs.Members[sessionID] = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &JoinResult{
		Playback: rs.Playback,
		Members:  rs.PublicMembers(),
		IsAdmin:  becameAdmin,
	}
	s.bus.Broadcast(code, EventUserList, res.Members, "")
	if demoted != "" {
		s.bus.Direct(code, demoted, EventRoleChanged, roleChangedPayload(false))
		s.bus.Direct(code, sessionID, EventRoleChanged, roleChangedPayload(true))
	}
	log.Printf("room-service: %q joined room %s (admin=%v)", displayName, code, becameAdmin)
	return res, nil
}

// Leave removes the member. A departing admin hands the role to the earliest
// remaining joiner; an emptied room keeps its state until the TTL expires.
func (s *Service) Leave(ctx context.Context, code, sessionID string) error {
	var (
		removed  bool
		promoted string
	)
	rs, err := s.reg.LockedUpdate(ctx, code, func(rs *RoomState) error {
		if _, ok := rs.Members[sessionID]; !ok {
			return nil
		}
		removed = true
		delete(rs.Members, sessionID)

		if rs.AdminSessionID != sessionID {
			return nil
		}
		rs.AdminSessionID = ""
		remaining := rs.MemberList()
		if len(remaining) == 0 {
			return nil
		}
		next := remaining[0]
		next.IsAdmin = true
		rs.Members[next.SessionID] = next
		rs.AdminSessionID = next.SessionID
		rs.AdminIdentity = next.Identity
		promoted = next.SessionID
		return nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	s.bus.Broadcast(code, EventUserList, rs.PublicMembers(), "")
	if promoted != "" {
		s.bus.Direct(code, promoted, EventRoleChanged, roleChangedPayload(true))
	}
	log.Printf("room-service: session %s left room %s", sessionID, code)
	return nil
}

// AddTrack appends a resolved track. Adding the very first track starts
// playback with the load buffer so every client can meet the deadline.
func (s *Service) AddTrack(ctx context.Context, code, sessionID string, track Track) error {
	if err := validateTrack(track); err != nil {
		return err
	}

	var (
		index     int
		coldStart bool
	)
	rs, err := s.reg.LockedUpdate(ctx, code, func(rs *RoomState) error {
		if err := s.checkMutationRights(rs, sessionID); err != nil {
			return err
		}
		coldStart = len(rs.Playlist) == 0
		rs.Playlist = append(rs.Playlist, track)
		index = len(rs.Playlist) - 1
		if coldStart {
			rs.Playback = startPlayback(rs.Playback, s.bufferSeconds, s.now())
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.bus.Broadcast(code, EventTrackAdded, map[string]any{
		"track": track,
		"index": index,
	}, "")
	if coldStart {
		s.bus.Broadcast(code, EventPlayerState, rs.Playback, "")
	}
	return nil
}

// UpdatePlayback re-anchors the proposed state against the server clock and
// broadcasts the result to everyone but the requester, who already reflects
// its own local change.
func (s *Service) UpdatePlayback(ctx context.Context, code, sessionID string, proposed ProposedPlayback) (*PlaybackState, error) {
	rs, err := s.reg.LockedUpdate(ctx, code, func(rs *RoomState) error {
		if err := s.checkMutationRights(rs, sessionID); err != nil {
			return err
		}
		if len(rs.Playlist) > 0 && int(proposed.TrackIndex) >= len(rs.Playlist) {
			return ErrInvalidInput
		}
		rs.Playback = nextPlayback(rs.Playback, proposed, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Broadcast(code, EventPlayerState, rs.Playback, sessionID)
	return &rs.Playback, nil
}

// ToggleCollaborative flips who may drive playback. Admin only. The resulting
// state goes to every member including the requester, since the permission
// change affects every client's controls.
func (s *Service) ToggleCollaborative(ctx context.Context, code, sessionID string, value bool) (*PlaybackState, error) {
	rs, err := s.reg.LockedUpdate(ctx, code, func(rs *RoomState) error {
		if rs.AdminSessionID != sessionID {
			return ErrPermissionDenied
		}
		rs.Playback.IsCollaborative = value
		rs.Playback.ServerTime = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Broadcast(code, EventPlayerState, rs.Playback, "")
	return &rs.Playback, nil
}

// checkMutationRights implements the room-wide mode: exclusive means admin
// only, collaborative opens playback and the playlist to every member.
func (s *Service) checkMutationRights(rs *RoomState, sessionID string) error {
	if _, ok := rs.Members[sessionID]; !ok {
		return ErrPermissionDenied
	}
	if sessionID == rs.AdminSessionID || rs.Playback.IsCollaborative {
		return nil
	}
	return ErrPermissionDenied
}

func validateTrack(t Track) error {
	if strings.TrimSpace(t.Name) == "" || t.Source.URL == "" {
		return ErrInvalidInput
	}
	switch t.Source.Kind {
	case sourceUploaded:
	case sourceStreamed:
		if t.Source.SourceID == "" {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	return nil
}

func roleChangedPayload(isAdmin bool) map[string]any {
	return map[string]any{"isAdmin": isAdmin}
}
