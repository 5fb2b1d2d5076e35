package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := NewRedisRegistry(rdb)
	reg.lockWait = 500 * time.Millisecond
	reg.lockPoll = 5 * time.Millisecond
	return reg, mr
}

func TestRedisRegistry_CreateAndGet(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Friday Night")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rs.Code) != codeLength {
		t.Errorf("code %q, want %d chars", rs.Code, codeLength)
	}
	if rs.Playback.IsPlaying {
		t.Error("new room must start stopped")
	}
	if len(rs.Playlist) != 0 || len(rs.Members) != 0 {
		t.Error("new room must be empty")
	}

	got, err := reg.Get(ctx, rs.Code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Friday Night" {
		t.Errorf("title = %q", got.Title)
	}

	// Stored with a TTL.
	if ttl := mr.TTL(roomKey(rs.Code)); ttl <= 0 || ttl > defaultRoomTTL {
		t.Errorf("ttl = %v", ttl)
	}
}

func TestRedisRegistry_GetMissing(t *testing.T) {
	reg, _ := newTestRedisRegistry(t)
	if _, err := reg.Get(context.Background(), "NOSUCH"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisRegistry_RoomExpires(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Ephemeral")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(defaultRoomTTL + time.Minute)

	if _, err := reg.Get(ctx, rs.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after TTL", err)
	}
}

func TestRedisRegistry_LockedUpdateAppliesAndRefreshesTTL(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Room")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(12 * time.Hour)

	updated, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error {
		rs.Playlist = append(rs.Playlist, Track{
			Name:   "Song",
			Source: UploadedSource("https://blobs.example/song.mp3"),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("locked update: %v", err)
	}
	if len(updated.Playlist) != 1 {
		t.Errorf("playlist len = %d", len(updated.Playlist))
	}

	// Every write pushes the expiry out again.
	if ttl := mr.TTL(roomKey(rs.Code)); ttl < defaultRoomTTL-time.Minute {
		t.Errorf("ttl after write = %v, want refreshed to ~%v", ttl, defaultRoomTTL)
	}

	// And releases the lock.
	if mr.Exists(lockKey(rs.Code)) {
		t.Error("lock key left behind")
	}
}

func TestRedisRegistry_MutatorErrorAborts(t *testing.T) {
	reg, _ := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Room")
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err = reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error {
		rs.Title = "should not persist"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, _ := reg.Get(ctx, rs.Code)
	if got.Title != "Room" {
		t.Errorf("aborted mutation persisted: title = %q", got.Title)
	}
}

func TestRedisRegistry_LockTimeout(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Room")
	if err != nil {
		t.Fatal(err)
	}

	// Somebody else holds the lock and never lets go.
	mr.Set(lockKey(rs.Code), "foreign-token")

	_, err = reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}

	// The foreign lock must survive our failed attempt.
	if got, _ := mr.Get(lockKey(rs.Code)); got != "foreign-token" {
		t.Errorf("lock = %q, want untouched foreign token", got)
	}
}

func TestRedisRegistry_LockWaitsForRelease(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Room")
	if err != nil {
		t.Fatal(err)
	}

	mr.Set(lockKey(rs.Code), "foreign-token")
	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.Del(lockKey(rs.Code))
	}()

	if _, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error { return nil }); err != nil {
		t.Fatalf("update after release: %v", err)
	}
}

func TestRedisRegistry_ConcurrentUpdatesLoseNothing(t *testing.T) {
	reg, _ := newTestRedisRegistry(t)
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Room")
	if err != nil {
		t.Fatal(err)
	}

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error {
					rs.Playlist = append(rs.Playlist, Track{
						Name:   fmt.Sprintf("w%d-%d", w, i),
						Source: UploadedSource("https://blobs.example/t.mp3"),
					})
					return nil
				})
				if err != nil {
					t.Errorf("writer %d: %v", w, err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, _ := reg.Get(ctx, rs.Code)
	if len(got.Playlist) != writers*perWriter {
		t.Errorf("playlist len = %d, want %d", len(got.Playlist), writers*perWriter)
	}
}

func TestMemoryRegistry_Basics(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Mem Room")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Get(ctx, "NOSUCH"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	updated, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error {
		rs.Members["s1"] = Member{SessionID: "s1", DisplayName: "A"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Members) != 1 {
		t.Errorf("members = %d", len(updated.Members))
	}

	// Aborted mutators leave no trace even though they got a pointer.
	boom := errors.New("boom")
	if _, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error {
		delete(rs.Members, "s1")
		return boom
	}); !errors.Is(err, boom) {
		t.Fatal(err)
	}
	got, _ := reg.Get(ctx, rs.Code)
	if len(got.Members) != 1 {
		t.Error("aborted mutation leaked")
	}
}

func TestMemoryRegistry_LockTimeout(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.lockWait = 50 * time.Millisecond
	ctx := context.Background()

	rs, err := reg.Create(ctx, "Mem Room")
	if err != nil {
		t.Fatal(err)
	}

	// Steal the semaphore token to simulate a wedged holder.
	<-reg.mu
	defer func() { reg.mu <- struct{}{} }()

	if _, err := reg.LockedUpdate(ctx, rs.Code, func(rs *RoomState) error { return nil }); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}
