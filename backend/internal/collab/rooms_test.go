package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"algoarena/backend/internal/crdt"
)

// 内存假存储：记录保存次数与内容，可注入失败和延迟
type fakeStore struct {
	mu        sync.Mutex
	contents  map[string]RoomContent
	loads     int
	saves     int
	opsSaved  []LoggedOp
	failSaves bool
	saveDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{contents: make(map[string]RoomContent)}
}

func (f *fakeStore) LoadRoom(ctx context.Context, roomID string) (RoomContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	c, ok := f.contents[roomID]
	if !ok {
		return RoomContent{}, ErrRoomNotFound
	}
	return c, nil
}

func (f *fakeStore) SaveRoomContent(ctx context.Context, roomID string, code string, patch MetadataPatch) error {
	if f.saveDelay > 0 {
		time.Sleep(f.saveDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failSaves {
		return errors.New("mysql is down")
	}
	prev := f.contents[roomID]
	f.contents[roomID] = RoomContent{Code: code, Language: prev.Language}
	return nil
}

func (f *fakeStore) AppendOperations(ctx context.Context, roomID string, ops []LoggedOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opsSaved = append(f.opsSaved, ops...)
	return nil
}

func (f *fakeStore) SaveLanguage(ctx context.Context, roomID string, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contents[roomID]
	c.Language = language
	f.contents[roomID] = c
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeStore) content(roomID string) RoomContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contents[roomID]
}

func (f *fakeStore) savedOps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opsSaved)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []Applied
}

func (b *fakeBroadcaster) BroadcastApplied(roomID string, origin any, applied Applied) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, applied)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestRooms_ColdOpenDefaults(t *testing.T) {
	store := newFakeStore()
	rooms := NewRooms(store, nil, nil, Options{})
	defer rooms.CloseAll()

	snap, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if snap.Text != DefaultCode {
		t.Fatalf("Text = %q, want %q", snap.Text, DefaultCode)
	}
	if snap.Language != DefaultLanguage {
		t.Fatalf("Language = %q, want %q", snap.Language, DefaultLanguage)
	}
	if snap.Revision != 0 {
		t.Fatalf("Revision = %d, want 0", snap.Revision)
	}
}

func TestRooms_OpenIdempotent(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	rooms := NewRooms(store, nil, nil, Options{})
	defer rooms.CloseAll()

	snap1, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	snap2, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if snap1.Text != "abc" || snap2.Text != "abc" {
		t.Fatalf("Text = %q / %q, want %q", snap1.Text, snap2.Text, "abc")
	}
	// 幂等 open 不重读存储
	if got := store.loadCount(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
}

func TestRooms_SubmitAppliesAndBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	bc := &fakeBroadcaster{}
	rooms := NewRooms(store, bc, nil, Options{FlushInterval: time.Hour})
	defer rooms.CloseAll()

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	op := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 1}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "X"}
	applied, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{op})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if applied.Revision != 1 {
		t.Fatalf("Revision = %d, want 1", applied.Revision)
	}
	if applied.Text != "aXbc" {
		t.Fatalf("Text = %q, want %q", applied.Text, "aXbc")
	}
	if got := bc.count(); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}

	// 同一 clientSeq 重放：拒绝且不产生第二次广播
	_, err = rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{op})
	if err != ErrDuplicateOrOutOfOrder {
		t.Fatalf("Submit() error = %v, want ErrDuplicateOrOutOfOrder", err)
	}
	if got := bc.count(); got != 1 {
		t.Fatalf("broadcasts after replay = %d, want 1", got)
	}
}

func TestRooms_MalformedOpRejected(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: time.Hour})
	defer rooms.CloseAll()

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	bad := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: 9, Counter: 9}, ID: crdt.ID{Author: 7, Counter: 1}, Text: "X"}
	_, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{bad})
	if !crdt.Malformed(err) {
		t.Fatalf("Submit() error = %v, want malformed", err)
	}

	// 非法操作不影响会话：后续合法提交照常
	good := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 3}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "!"}
	applied, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 2, []crdt.Op{good})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if applied.Text != "abc!" {
		t.Fatalf("Text = %q, want %q", applied.Text, "abc!")
	}
}

// 延迟落盘：同一窗口内的 N 次编辑只触发一次存储写，写的是最终文本
func TestRooms_DebouncedFlushCollapses(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: 50 * time.Millisecond})
	defer rooms.CloseAll()

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ops := []crdt.Op{
		{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 1}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "X"},
		{Kind: crdt.KindInsert, After: crdt.ID{Author: 7, Counter: 4}, ID: crdt.ID{Author: 7, Counter: 5}, Text: "Y"},
		{Kind: crdt.KindDelete, Target: crdt.ID{Author: ServerAuthor, Counter: 2}, Length: 1},
	}
	for i, op := range ops {
		if _, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", uint64(i+1), []crdt.Op{op}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	waitFor(t, "debounced flush", func() bool { return store.savedOps() == 3 })
	if got := store.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	if got := store.content("room-1").Code; got != "aXYc" {
		t.Fatalf("stored code = %q, want %q", got, "aXYc")
	}
}

// 关房路径：flush 定时器未到期也要同步把缓冲区落盘
func TestRooms_CloseFlushesPending(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: time.Hour})

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	op := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 3}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "!"}
	if _, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{op}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rooms.Close("room-1")

	if got := store.content("room-1").Code; got != "abc!" {
		t.Fatalf("stored code = %q, want %q", got, "abc!")
	}
	if got := store.savedOps(); got != 1 {
		t.Fatalf("stored ops = %d, want 1", got)
	}

	// 会话已销毁：重新 Open 走冷启动，文本来自存储
	snap, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if snap.Text != "abc!" {
		t.Fatalf("reopened Text = %q, want %q", snap.Text, "abc!")
	}
	if got := store.loadCount(); got != 2 {
		t.Fatalf("loads = %d, want 2", got)
	}
	rooms.CloseAll()
}

// 排空期间的加入：等最终 flush 完成后再冷启动，不读到旧数据
func TestRooms_OpenDuringDraining(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	store.saveDelay = 100 * time.Millisecond
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: time.Hour})
	defer rooms.CloseAll()

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	op := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 3}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "!"}
	if _, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{op}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	closed := make(chan struct{})
	go func() {
		rooms.Close("room-1")
		close(closed)
	}()

	// 等 Close 进入排空（慢写挂起中）再加入
	time.Sleep(20 * time.Millisecond)
	snap, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if snap.Text != "abc!" {
		t.Fatalf("Text = %q, want post-flush %q", snap.Text, "abc!")
	}
	<-closed
}

// 最终 flush 失败：有限重试后放弃并返回，不能挂死排空转换
func TestRooms_FinalFlushBoundedRetry(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "go"}
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: time.Hour, FinalFlushRetries: 2})

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	op := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{Author: ServerAuthor, Counter: 3}, ID: crdt.ID{Author: 7, Counter: 4}, Text: "!"}
	if _, err := rooms.Submit(context.Background(), "room-1", nil, 7, "c1", 1, []crdt.Op{op}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	store.mu.Lock()
	store.failSaves = true
	store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rooms.Close("room-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close() hung on failing store")
	}

	// 1 次 + 2 次重试
	if got := store.saveCount(); got != 3 {
		t.Fatalf("save attempts = %d, want 3", got)
	}
}

func TestRooms_SetLanguage(t *testing.T) {
	store := newFakeStore()
	store.contents["room-1"] = RoomContent{Code: "abc", Language: "javascript"}
	rooms := NewRooms(store, nil, nil, Options{FlushInterval: time.Hour})
	defer rooms.CloseAll()

	if _, err := rooms.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := rooms.SetLanguage(context.Background(), "room-1", "python"); err != nil {
		t.Fatalf("SetLanguage() error = %v", err)
	}
	if got := store.content("room-1").Language; got != "python" {
		t.Fatalf("stored language = %q, want %q", got, "python")
	}
	snap, err := rooms.Open(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if snap.Language != "python" {
		t.Fatalf("Language = %q, want %q", snap.Language, "python")
	}
}

func TestRooms_SubmitClosedRoom(t *testing.T) {
	store := newFakeStore()
	rooms := NewRooms(store, nil, nil, Options{})
	op := crdt.Op{Kind: crdt.KindInsert, After: crdt.ID{}, ID: crdt.ID{Author: 7, Counter: 1}, Text: "x"}
	_, err := rooms.Submit(context.Background(), "nope", nil, 7, "c1", 1, []crdt.Op{op})
	if err != ErrSessionClosed {
		t.Fatalf("Submit() error = %v, want ErrSessionClosed", err)
	}
}
