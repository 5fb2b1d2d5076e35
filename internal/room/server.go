package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// TrackResolver turns a free-text query into a playable track. Resolution is
// a background task: the server never holds a room lock while it runs, and
// its only contract with the core is a final AddTrack on success.
type TrackResolver interface {
	Resolve(ctx context.Context, query string) (Track, error)
}

const resolveTimeout = 30 * time.Second

type Server struct {
	hub    *Hub
	svc    *Service
	reg    Registry
	issuer *IdentityIssuer
	tracks TrackResolver
	rdb    *redis.Client
	ctx    context.Context

	allowedOrigin string
}

func NewServer(ctx context.Context, hub *Hub, svc *Service, reg Registry, issuer *IdentityIssuer, tracks TrackResolver, rdb *redis.Client, allowedOrigin string) *Server {
	return &Server{
		hub:           hub,
		svc:           svc,
		reg:           reg,
		issuer:        issuer,
		tracks:        tracks,
		rdb:           rdb,
		ctx:           ctx,
		allowedOrigin: allowedOrigin,
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if s.allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == s.allowedOrigin
		},
	}
}

// Router создаёт chi.Router с нашими маршрутами.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Post("/rooms", s.handleCreateRoom)
	r.Get("/rooms/{code}", s.handleGetRoom)

	r.Post("/identity", s.handleIdentity)
	r.Post("/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "room-service",
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		body.Title = "Listening Room"
	}
	if len(body.Title) > 200 {
		writeError(w, http.StatusBadRequest, "title is too long")
		return
	}

	rs, err := s.reg.Create(r.Context(), body.Title)
	if err != nil {
		log.Printf("room-service: create room: %v", err)
		writeError(w, http.StatusServiceUnavailable, "could not create room")
		return
	}
	log.Printf("room-service: room %s created", rs.Code)
	writeJSON(w, http.StatusCreated, rs.Public())
}

// handleGetRoom serves the informational view. It reads outside the room
// lock, so it may lag a concurrent mutation.
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))

	rs, err := s.reg.Get(r.Context(), code)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		log.Printf("room-service: get room %s: %v", code, err)
		writeError(w, http.StatusServiceUnavailable, "registry error")
		return
	}
	writeJSON(w, http.StatusOK, rs.Public())
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	token, guestID, err := s.issuer.Issue()
	if err != nil {
		log.Printf("room-service: issue identity: %v", err)
		writeError(w, http.StatusInternalServerError, "could not issue identity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"guestId": guestID,
	})
}

// handleEvents lets operators re-publish an envelope onto the broadcast
// channel, e.g. to nudge a room after a migration.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var env busEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Room == "" || len(env.Frame) == 0 {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode error")
		return
	}
	if err := s.rdb.Publish(r.Context(), broadcastChannel, raw).Err(); err != nil {
		log.Printf("room-service: publish event: %v", err)
		writeError(w, http.StatusServiceUnavailable, "redis error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("room-service: ws upgrade: %v", err)
		return
	}

	client := &Client{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: uuid.NewString(),
		joined:    make(map[string]bool),
		onMessage: s.handleClientMessage,
		onClose:   s.handleDisconnect,
	}
	s.hub.register <- client

	s.sendTo(client, "welcome", map[string]any{
		"sessionId":  client.sessionID,
		"serverTime": s.svc.now(),
	})

	go client.writePump()
	go client.readPump()
}

// handleClientMessage dispatches one inbound frame. It runs on the
// connection's readPump goroutine, so per-client handling is serial.
func (s *Server) handleClientMessage(c *Client, data []byte) {
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, ErrInvalidInput, "malformed frame")
		return
	}

	switch ev.Type {
	case "join_room":
		s.onJoinRoom(c, ev.Payload)
	case "leave_room":
		s.onLeaveRoom(c, ev.Payload)
	case "add_track":
		s.onAddTrack(c, ev.Payload)
	case "request_track":
		s.onRequestTrack(c, ev.Payload)
	case "update_player_state":
		s.onUpdatePlayerState(c, ev.Payload)
	case "toggle_collaborative":
		s.onToggleCollaborative(c, ev.Payload)
	case "clock_sync_request":
		s.onClockSync(c, ev.Payload)
	default:
		s.sendError(c, ErrInvalidInput, "unknown event type")
	}
}

func (s *Server) handleDisconnect(c *Client) {
	for code := range c.joined {
		if err := s.svc.Leave(s.ctx, code, c.sessionID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("room-service: disconnect leave %s: %v", code, err)
		}
	}
}

func (s *Server) onJoinRoom(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode      string `json:"roomCode"`
		DisplayName   string `json:"displayName"`
		IdentityToken string `json:"identityToken"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" {
		s.sendError(c, ErrInvalidInput, "roomCode is required")
		return
	}
	code := strings.ToUpper(body.RoomCode)

	identity := ""
	if body.IdentityToken != "" {
		id, err := s.issuer.Verify(body.IdentityToken)
		if err != nil {
			// Bad token degrades to an anonymous join.
			log.Printf("room-service: identity token rejected: %v", err)
		} else {
			identity = id
		}
	}

	// Subscribe before joining so the user-list broadcast reaches us too.
	s.hub.Subscribe(c, code)
	res, err := s.svc.Join(s.ctx, code, c.sessionID, body.DisplayName, identity)
	if err != nil {
		s.hub.Unsubscribe(c, code)
		s.sendError(c, err, "join failed")
		return
	}
	c.joined[code] = true
	s.sendTo(c, EventCurrentState, res.Playback)
}

func (s *Server) onLeaveRoom(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode string `json:"roomCode"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" {
		s.sendError(c, ErrInvalidInput, "roomCode is required")
		return
	}
	code := strings.ToUpper(body.RoomCode)
	// Keep the room in c.joined until the leave sticks, so a lock timeout
	// here still gets retried by the disconnect cleanup.
	if err := s.svc.Leave(s.ctx, code, c.sessionID); err != nil {
		s.sendError(c, err, "leave failed")
		return
	}
	delete(c.joined, code)
	s.hub.Unsubscribe(c, code)
}

func (s *Server) onAddTrack(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode string `json:"roomCode"`
		Track    Track  `json:"track"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" {
		s.sendError(c, ErrInvalidInput, "roomCode is required")
		return
	}
	code := strings.ToUpper(body.RoomCode)
	if err := s.svc.AddTrack(s.ctx, code, c.sessionID, body.Track); err != nil {
		s.sendError(c, err, "add track failed")
	}
}

// onRequestTrack kicks off provider resolution in the background. The
// requester gets either a track_added broadcast later or a private error;
// the room lock is never held while we wait on the provider.
func (s *Server) onRequestTrack(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode string `json:"roomCode"`
		Query    string `json:"query"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" || strings.TrimSpace(body.Query) == "" {
		s.sendError(c, ErrInvalidInput, "roomCode and query are required")
		return
	}
	if s.tracks == nil {
		s.sendError(c, ErrInvalidInput, "track search is not configured")
		return
	}
	code := strings.ToUpper(body.RoomCode)
	query := strings.TrimSpace(body.Query)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, resolveTimeout)
		defer cancel()

		track, err := s.tracks.Resolve(ctx, query)
		if err != nil {
			log.Printf("room-service: resolve %q: %v", query, err)
			s.sendError(c, err, "could not find a playable track")
			return
		}
		if err := s.svc.AddTrack(ctx, code, c.sessionID, track); err != nil {
			s.sendError(c, err, "add track failed")
		}
	}()
}

func (s *Server) onUpdatePlayerState(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode string           `json:"roomCode"`
		State    ProposedPlayback `json:"state"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" {
		s.sendError(c, ErrInvalidInput, "roomCode is required")
		return
	}
	code := strings.ToUpper(body.RoomCode)
	if _, err := s.svc.UpdatePlayback(s.ctx, code, c.sessionID, body.State); err != nil {
		s.sendError(c, err, "update rejected")
	}
}

func (s *Server) onToggleCollaborative(c *Client, payload json.RawMessage) {
	var body struct {
		RoomCode string `json:"roomCode"`
		Value    bool   `json:"value"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RoomCode == "" {
		s.sendError(c, ErrInvalidInput, "roomCode is required")
		return
	}
	code := strings.ToUpper(body.RoomCode)
	if _, err := s.svc.ToggleCollaborative(s.ctx, code, c.sessionID, body.Value); err != nil {
		s.sendError(c, err, "toggle rejected")
	}
}

// onClockSync echoes the client's t1 with the server clock, the probe pair
// clients use to maintain their offset.
func (s *Server) onClockSync(c *Client, payload json.RawMessage) {
	var body struct {
		T1 float64 `json:"t1"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		s.sendError(c, ErrInvalidInput, "malformed clock sync")
		return
	}
	s.sendTo(c, "clock_sync_response", map[string]any{
		"t1":         body.T1,
		"serverTime": s.svc.now(),
	})
}

// sendTo writes directly to one local client, bypassing the bus. Used for
// session-private frames (snapshots, errors, clock sync). Safe to call after
// the client disconnected; the frame is silently dropped.
func (s *Server) sendTo(c *Client, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		log.Printf("room-service: encode %s: %v", event, err)
		return
	}
	c.trySend(frame)
}

func (s *Server) sendError(c *Client, err error, msg string) {
	s.sendTo(c, "error", map[string]any{
		"code":    errorCode(err),
		"message": msg,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
