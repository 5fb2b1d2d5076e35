package provider

import (
	"context"
	"errors"
	"fmt"

	"room-service/internal/room"
)

// Searcher is satisfied by YouTubeClient and by test fakes.
type Searcher interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]SearchItem, error)
}

// ErrNoResults means the catalog had nothing playable for the query.
var ErrNoResults = errors.New("no playable results")

// Resolver turns a free-text query into a streamed room track by taking the
// first catalog hit. It implements room.TrackResolver.
type Resolver struct {
	search Searcher
}

func NewResolver(search Searcher) *Resolver {
	return &Resolver{search: search}
}

func (r *Resolver) Resolve(ctx context.Context, query string) (room.Track, error) {
	items, err := r.search.SearchTracks(ctx, query, 1)
	if err != nil {
		return room.Track{}, err
	}
	if len(items) == 0 || items[0].TrackID == "" {
		return room.Track{}, ErrNoResults
	}
	it := items[0]
	return room.Track{
		Name:        it.Title,
		Artist:      it.Artist,
		Source:      room.StreamedSource(watchURL(it.TrackID), it.TrackID),
		AlbumArtURL: it.ThumbnailURL,
	}, nil
}

func watchURL(videoID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", videoID)
}
