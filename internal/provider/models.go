package provider

// SearchItem is one playable candidate returned by a catalog search.
type SearchItem struct {
	Title        string `json:"title"`
	Artist       string `json:"artist"`       // channel / artist name
	TrackID      string `json:"trackId"`      // provider video/track id
	ThumbnailURL string `json:"thumbnailUrl"` // best available thumbnail
	DurationMs   int    `json:"durationMs,omitempty"`
}
