package provider

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Server exposes the catalog over HTTP so the frontend can show results
// before picking a track to queue. Redis doubles as a short-lived result
// cache; the quota-limited upstream sees each query once per window.
type Server struct {
	search   Searcher
	rdb      *redis.Client
	cacheTTL time.Duration
}

func NewServer(search Searcher, rdb *redis.Client) *Server {
	return &Server{
		search:   search,
		rdb:      rdb,
		cacheTTL: 10 * time.Minute,
	}
}
