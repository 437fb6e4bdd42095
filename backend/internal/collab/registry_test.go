package collab

import "testing"

func TestRegistry_JoinLeave(t *testing.T) {
	r := NewRegistry()

	members := r.Join("room-1", 2, "bob", "go")
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("Join() = %v, want [bob]", members)
	}
	members = r.Join("room-1", 1, "alice", "python")
	if len(members) != 2 {
		t.Fatalf("len(Join()) = %d, want 2", len(members))
	}
	// 成员列表按 userID 升序
	if members[0].UserID != 1 || members[1].UserID != 2 {
		t.Fatalf("Join() = %v, want sorted by userID", members)
	}
	// 语言只在房间条目首次创建时生效
	if lang, ok := r.Language("room-1"); !ok || lang != "go" {
		t.Fatalf("Language() = %q, %v, want %q, true", lang, ok, "go")
	}

	members, empty := r.Leave("room-1", 1)
	if empty {
		t.Fatalf("Leave() empty = true, want false")
	}
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("Leave() = %v, want [bob]", members)
	}

	_, empty = r.Leave("room-1", 2)
	if !empty {
		t.Fatalf("Leave() empty = false, want true")
	}
	if got := r.Members("room-1"); got != nil {
		t.Fatalf("Members() = %v, want nil after room emptied", got)
	}
}

func TestRegistry_JoinIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("room-1", 1, "alice", "go")
	members := r.Join("room-1", 1, "alice", "go")
	if len(members) != 1 {
		t.Fatalf("len(Join()) = %d, want 1 after rejoin", len(members))
	}
}

// 同一用户多连接（多标签页）：按连接计数，
// 第一个标签页离开不得把成员移除、更不能把房间判空
func TestRegistry_MultipleConnsPerUser(t *testing.T) {
	r := NewRegistry()
	r.Join("room-1", 1, "alice", "go") // 标签页 A
	r.Join("room-1", 1, "alice", "go") // 标签页 B

	members, empty := r.Leave("room-1", 1)
	if empty {
		t.Fatalf("Leave() empty = true, want false while another conn remains")
	}
	if len(members) != 1 || members[0].UserID != 1 {
		t.Fatalf("Leave() = %v, want [alice] still present", members)
	}

	_, empty = r.Leave("room-1", 1)
	if !empty {
		t.Fatalf("Leave() empty = false, want true after last conn")
	}
}

func TestRegistry_SetLanguage(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.SetLanguage("nope", "python"); ok {
		t.Fatalf("SetLanguage() on absent room = true, want false")
	}
	r.Join("room-1", 1, "alice", "javascript")
	lang, ok := r.SetLanguage("room-1", "python")
	if !ok || lang != "python" {
		t.Fatalf("SetLanguage() = %q, %v, want %q, true", lang, ok, "python")
	}
}

func TestRegistry_LeaveUnknownRoom(t *testing.T) {
	r := NewRegistry()
	members, empty := r.Leave("nope", 1)
	if members != nil || empty {
		t.Fatalf("Leave() = %v, %v, want nil, false", members, empty)
	}
}
