package room

import "sort"

// TrackSource says where a track's audio comes from. Exactly one of the two
// kinds is used: "uploaded" for files pushed through the blob store, and
// "streamed" for audio resolved from an external provider.
type TrackSource struct {
	Kind     string `json:"kind"` // "uploaded" | "streamed"
	URL      string `json:"url"`
	SourceID string `json:"sourceId,omitempty"` // provider track id, streamed only
}

const (
	sourceUploaded = "uploaded"
	sourceStreamed = "streamed"
)

// UploadedSource builds the source for a file already living in the blob store.
func UploadedSource(url string) TrackSource {
	return TrackSource{Kind: sourceUploaded, URL: url}
}

// StreamedSource builds the source for audio resolved from a provider.
func StreamedSource(url, sourceID string) TrackSource {
	return TrackSource{Kind: sourceStreamed, URL: url, SourceID: sourceID}
}

// Track is one entry of a room playlist. The playlist is append-only.
type Track struct {
	Name        string      `json:"name"`
	Artist      string      `json:"artist"`
	Source      TrackSource `json:"source"`
	AlbumArtURL string      `json:"albumArtUrl,omitempty"`
	Lyrics      string      `json:"lyrics,omitempty"`
}

// PlaybackState is the authoritative playback cursor. All timestamps are
// epoch seconds (fractional). Exactly one of StartTimestamp / PausedAt is set:
// StartTimestamp while playing, PausedAt while paused; both nil before the
// first track.
type PlaybackState struct {
	IsPlaying       bool     `json:"isPlaying"`
	TrackIndex      uint     `json:"trackIndex"`
	Volume          int      `json:"volume"` // 0..100
	StartTimestamp  *float64 `json:"startTimestamp,omitempty"`
	PausedAt        *float64 `json:"pausedAt,omitempty"`
	IsCollaborative bool     `json:"isCollaborative"`
	ServerTime      float64  `json:"serverTime"`
}

// Member is one connected session of a room. Identity is the optional stable
// identity the client presented at join; it lets admin rights follow a person
// across reconnects and failover.
type Member struct {
	SessionID   string  `json:"sessionId"`
	DisplayName string  `json:"displayName"`
	IsAdmin     bool    `json:"isAdmin"`
	Identity    string  `json:"identity,omitempty"`
	JoinedAt    float64 `json:"joinedAt"`
}

// RoomState is the whole persisted room blob. It is only ever mutated inside
// Registry.LockedUpdate.
type RoomState struct {
	Code           string            `json:"code"`
	Title          string            `json:"title"`
	Playlist       []Track           `json:"playlist"`
	Members        map[string]Member `json:"members"`
	AdminSessionID string            `json:"adminSessionId,omitempty"`
	// AdminIdentity is the stable identity of whoever last held admin rights.
	// It survives disconnects so a rejoin with the same identity reclaims the
	// role.
	AdminIdentity string        `json:"adminIdentity,omitempty"`
	Playback      PlaybackState `json:"playback"`
	CreatedAt     float64       `json:"createdAt"`
	ExpiresAt     float64       `json:"expiresAt"`
}

// MemberList returns the members ordered by join time (session id as the
// tie-break), which is also the admin failover order.
func (rs *RoomState) MemberList() []Member {
	out := make([]Member, 0, len(rs.Members))
	for _, m := range rs.Members {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

// PublicMembers is MemberList with the stable identities blanked. Identities
// stay server-side; the rest of the room has no use for them.
func (rs *RoomState) PublicMembers() []Member {
	out := rs.MemberList()
	for i := range out {
		out[i].Identity = ""
	}
	return out
}

// Public returns a copy of the state safe to serve to clients.
func (rs *RoomState) Public() *RoomState {
	cp := *rs
	cp.Members = make(map[string]Member, len(rs.Members))
	for k, m := range rs.Members {
		m.Identity = ""
		cp.Members[k] = m
	}
	return &cp
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].JoinedAt != ms[j].JoinedAt {
			return ms[i].JoinedAt < ms[j].JoinedAt
		}
		return ms[i].SessionID < ms[j].SessionID
	})
}
