package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return rdb
}

func TestPresence_AddAndList(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	defer rdb.FlushAll(ctx).Err()

	p := NewRedisPresence(rdb)
	if err := p.AddMember(ctx, "room-1", 1, "alice", 10*time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, "room-1", 2, "bob", 10*time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len(members) = %d, want 2", len(members))
	}
	names := map[uint64]string{}
	for _, m := range members {
		names[m.UserID] = m.Username
	}
	if names[1] != "alice" || names[2] != "bob" {
		t.Fatalf("members = %v, want alice and bob", members)
	}
}

func TestPresence_ExpiredSweep(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	defer rdb.FlushAll(ctx).Err()

	p := NewRedisPresence(rdb)
	// 负 TTL 直接写成已过期条目
	if err := p.AddMember(ctx, "room-1", 1, "alice", -time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, "room-1", 2, "bob", 10*time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("members = %v, want only bob", members)
	}
}

func TestPresence_RemoveMember(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	defer rdb.FlushAll(ctx).Err()

	p := NewRedisPresence(rdb)
	if err := p.AddMember(ctx, "room-1", 1, "alice", 10*time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.RemoveMember(ctx, "room-1", 1); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	members, err := p.GetAliveMembersWithNames(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v, want empty", members)
	}
}

func TestPresence_Cursor(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	defer rdb.FlushAll(ctx).Err()

	p := NewRedisPresence(rdb)
	payload := []byte(`{"line":3,"col":7}`)
	if err := p.SetCursor(ctx, "room-1", 1, payload, time.Minute); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	got, err := p.GetCursor(ctx, "room-1", 1)
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("GetCursor = %q, want %q", got, payload)
	}
}

func TestPresence_GetRooms(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	defer rdb.FlushAll(ctx).Err()

	p := NewRedisPresence(rdb)
	_ = p.AddMember(ctx, "room-1", 1, "alice", 10*time.Minute)
	_ = p.AddMember(ctx, "room-2", 2, "bob", 10*time.Minute)

	rooms, err := p.GetRooms(ctx)
	if err != nil {
		t.Fatalf("GetRooms error: %v", err)
	}
	found := map[string]bool{}
	for _, r := range rooms {
		found[r] = true
	}
	if !found["room-1"] || !found["room-2"] {
		t.Fatalf("GetRooms = %v, want room-1 and room-2", rooms)
	}
}
