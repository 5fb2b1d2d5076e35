package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Registry is the shared room store. It is the only path to RoomState: every
// mutation goes through LockedUpdate, which holds a named cross-process lock
// for the whole read-mutate-write cycle. Get is lock-free and may be stale;
// it is for informational reads only.
type Registry interface {
	Get(ctx context.Context, code string) (*RoomState, error)
	Create(ctx context.Context, title string) (*RoomState, error)
	LockedUpdate(ctx context.Context, code string, mutate func(*RoomState) error) (*RoomState, error)
}

const (
	defaultRoomTTL = 24 * time.Hour
	lockTTL        = 10 * time.Second
	lockWait       = 5 * time.Second
	lockPollEvery  = 50 * time.Millisecond
	codeLength     = 6
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	createAttempts = 5
)

func generateRoomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

func newRoomState(code, title string, now float64, ttl time.Duration) *RoomState {
	return &RoomState{
		Code:     code,
		Title:    title,
		Playlist: []Track{},
		Members:  map[string]Member{},
		Playback: PlaybackState{
			Volume:     100,
			ServerTime: now,
		},
		CreatedAt: now,
		ExpiresAt: now + ttl.Seconds(),
	}
}

// RedisRegistry stores each room as a JSON blob under room:<CODE> with a TTL
// refreshed on every write, and serializes writers with a SET NX lock under
// room:<CODE>:lock. Correct across processes and machines as long as they
// share the redis instance.
type RedisRegistry struct {
	rdb      *redis.Client
	ttl      time.Duration
	lockWait time.Duration
	lockPoll time.Duration
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		rdb:      rdb,
		ttl:      defaultRoomTTL,
		lockWait: lockWait,
		lockPoll: lockPollEvery,
	}
}

func roomKey(code string) string { return "room:" + code }
func lockKey(code string) string { return "room:" + code + ":lock" }

// unlockScript deletes the lock only if we still own it, so a slow holder
// whose lock expired cannot release somebody else's.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (r *RedisRegistry) Get(ctx context.Context, code string) (*RoomState, error) {
	raw, err := r.rdb.Get(ctx, roomKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry get %s: %w", code, err)
	}
	var rs RoomState
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, fmt.Errorf("registry decode %s: %w", code, err)
	}
	return &rs, nil
}

func (r *RedisRegistry) Create(ctx context.Context, title string) (*RoomState, error) {
	for i := 0; i < createAttempts; i++ {
		code := generateRoomCode()
		rs := newRoomState(code, title, nowSeconds(), r.ttl)
		raw, err := json.Marshal(rs)
		if err != nil {
			return nil, err
		}
		ok, err := r.rdb.SetNX(ctx, roomKey(code), raw, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("registry create: %w", err)
		}
		if ok {
			return rs, nil
		}
		// Code collision, roll a new one.
	}
	return nil, ErrAlreadyExists
}

func (r *RedisRegistry) LockedUpdate(ctx context.Context, code string, mutate func(*RoomState) error) (*RoomState, error) {
	token, err := r.acquireLock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer r.releaseLock(code, token)

	rs, err := r.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := mutate(rs); err != nil {
		return nil, err
	}
	rs.ExpiresAt = nowSeconds() + r.ttl.Seconds()
	raw, err := json.Marshal(rs)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, roomKey(code), raw, r.ttl).Err(); err != nil {
		return nil, fmt.Errorf("registry write %s: %w", code, err)
	}
	return rs, nil
}

func (r *RedisRegistry) acquireLock(ctx context.Context, code string) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(r.lockWait)
	for {
		ok, err := r.rdb.SetNX(ctx, lockKey(code), token, lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("registry lock %s: %w", code, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.lockPoll):
		}
	}
}

func (r *RedisRegistry) releaseLock(code, token string) {
	// Release on a fresh context so a canceled caller still unlocks.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = unlockScript.Run(ctx, r.rdb, []string{lockKey(code)}, token).Err()
}

// MemoryRegistry is the single-instance fallback: a guarded in-process map
// with the same contract, including TTL expiry. Used in tests and explicitly
// single-node deployments.
type MemoryRegistry struct {
	mu       chan struct{} // semaphore so LockedUpdate can honor ctx while waiting
	ttl      time.Duration
	lockWait time.Duration
	rooms    map[string]*RoomState
}

func NewMemoryRegistry() *MemoryRegistry {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &MemoryRegistry{
		mu:       mu,
		ttl:      defaultRoomTTL,
		lockWait: lockWait,
		rooms:    map[string]*RoomState{},
	}
}

func (m *MemoryRegistry) lock(ctx context.Context) error {
	select {
	case <-m.mu:
		return nil
	case <-time.After(m.lockWait):
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryRegistry) unlock() { m.mu <- struct{}{} }

func (m *MemoryRegistry) getLocked(code string) (*RoomState, error) {
	rs, ok := m.rooms[code]
	if !ok || rs.ExpiresAt <= nowSeconds() {
		delete(m.rooms, code)
		return nil, ErrNotFound
	}
	return rs, nil
}

func (m *MemoryRegistry) Get(ctx context.Context, code string) (*RoomState, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	rs, err := m.getLocked(code)
	if err != nil {
		return nil, err
	}
	return cloneRoomState(rs), nil
}

func (m *MemoryRegistry) Create(ctx context.Context, title string) (*RoomState, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	for i := 0; i < createAttempts; i++ {
		code := generateRoomCode()
		if _, exists := m.rooms[code]; exists {
			continue
		}
		rs := newRoomState(code, title, nowSeconds(), m.ttl)
		m.rooms[code] = rs
		return cloneRoomState(rs), nil
	}
	return nil, ErrAlreadyExists
}

func (m *MemoryRegistry) LockedUpdate(ctx context.Context, code string, mutate func(*RoomState) error) (*RoomState, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	rs, err := m.getLocked(code)
	if err != nil {
		return nil, err
	}
	work := cloneRoomState(rs)
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.ExpiresAt = nowSeconds() + m.ttl.Seconds()
	m.rooms[code] = work
	return cloneRoomState(work), nil
}

// cloneRoomState deep-copies enough of the state that an aborted mutator
// cannot leave partial changes behind.
func cloneRoomState(rs *RoomState) *RoomState {
	cp := *rs
	cp.Playlist = append([]Track(nil), rs.Playlist...)
	cp.Members = make(map[string]Member, len(rs.Members))
	for k, v := range rs.Members {
		cp.Members[k] = v
	}
	if rs.Playback.StartTimestamp != nil {
		cp.Playback.StartTimestamp = float64Ptr(*rs.Playback.StartTimestamp)
	}
	if rs.Playback.PausedAt != nil {
		cp.Playback.PausedAt = float64Ptr(*rs.Playback.PausedAt)
	}
	return &cp
}
