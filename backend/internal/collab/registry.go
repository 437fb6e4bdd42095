package collab

import (
	"sort"
	"sync"
)

// Registry 是进程内的在线状态登记表：房间ID -> 在线成员集合 + 当前语言标签。
// 纯进程生命周期状态，不跨重启持久化，客户端重连时自然重建。
// 条目在断开/离开时被动清理，不会残留。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomPresence
}

type roomPresence struct {
	members  map[uint64]*memberEntry
	language string
}

// 同一用户可开多个标签页/设备，按连接数计数：
// 第一个连接加入时成员出现，最后一个连接离开时成员才消失
type memberEntry struct {
	username string
	conns    int
}

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*roomPresence)}
}

// Join 把用户加入房间集合（不存在则创建），返回更新后的成员列表用于广播。
// language 仅在房间条目首次创建时生效。
func (r *Registry) Join(roomID string, userID uint64, username, language string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp := r.rooms[roomID]
	if rp == nil {
		rp = &roomPresence{members: make(map[uint64]*memberEntry), language: language}
		r.rooms[roomID] = rp
	}
	e := rp.members[userID]
	if e == nil {
		e = &memberEntry{username: username}
		rp.members[userID] = e
	}
	e.username = username
	e.conns++
	return rp.memberList()
}

// Leave 把用户移出房间；empty=true 表示房间已空，调用方应触发会话排空。
func (r *Registry) Leave(roomID string, userID uint64) (members []Member, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp := r.rooms[roomID]
	if rp == nil {
		return nil, false
	}
	if e := rp.members[userID]; e != nil {
		e.conns--
		if e.conns <= 0 {
			delete(rp.members, userID)
		}
	}
	if len(rp.members) == 0 {
		delete(r.rooms, roomID)
		return nil, true
	}
	return rp.memberList(), false
}

// SetLanguage 更新房间语言标签并返回它用于广播；房间无在线成员时不生效。
func (r *Registry) SetLanguage(roomID, language string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp := r.rooms[roomID]
	if rp == nil {
		return "", false
	}
	rp.language = language
	return rp.language, true
}

func (r *Registry) Language(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp := r.rooms[roomID]
	if rp == nil {
		return "", false
	}
	return rp.language, true
}

func (r *Registry) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp := r.rooms[roomID]
	if rp == nil {
		return nil
	}
	return rp.memberList()
}

// memberList 按 userID 升序返回，保证广播内容确定
func (rp *roomPresence) memberList() []Member {
	out := make([]Member, 0, len(rp.members))
	for id, e := range rp.members {
		out = append(out, Member{UserID: id, Username: e.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
