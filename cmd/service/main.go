package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"room-service/internal/provider"
	"room-service/internal/room"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	port := getenv("PORT", "3004")
	redisURL := getenv("REDIS_URL", "redis://redis:6379")
	frontendBaseURL := getenv("FRONTEND_BASE_URL", "")
	identitySecret := getenv("IDENTITY_SECRET", "dev-secret-change")
	ytAPIKey := getenv("YOUTUBE_API_KEY", "")
	ytSearchURL := getenv("YOUTUBE_SEARCH_URL", "https://www.googleapis.com/youtube/v3/search")
	ytVideosURL := getenv("YOUTUBE_VIDEOS_URL", "https://www.googleapis.com/youtube/v3/videos")
	bufferSeconds := getenvFloat("PLAYBACK_BUFFER_SECONDS", 1.5)
	heartbeat := getenvDuration("HEARTBEAT_INTERVAL", 300*time.Millisecond)

	ctx := context.Background()

	// Redis
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("room-service: invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// An unreachable registry at boot is a configuration error, not a
	// per-request condition.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("room-service: redis unreachable: %v", err)
	}
	cancel()

	hub := room.NewHub()
	bridge := room.NewRedisBridge(ctx, rdb, hub)
	reg := room.NewRedisRegistry(rdb)
	svc := room.NewService(reg, bridge, bufferSeconds)
	issuer := room.NewIdentityIssuer(identitySecret)

	var tracks room.TrackResolver
	var search *provider.Server
	if ytAPIKey != "" {
		yt := provider.NewYouTubeClient(ytAPIKey, ytSearchURL, ytVideosURL)
		tracks = provider.NewResolver(yt)
		search = provider.NewServer(yt, rdb)
	}

	srv := room.NewServer(ctx, hub, svc, reg, issuer, tracks, rdb, frontendBaseURL)

	go hub.Run()
	go bridge.Run()
	svc.StartHeartbeat(ctx, hub, heartbeat)

	// HTTP router с базовыми middleware. Без Timeout: /ws живёт долго.
	r := srv.Router(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	if search != nil {
		r.Get("/search", search.HandleSearch)
	}

	log.Printf("room-service listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatalf("room-service: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
