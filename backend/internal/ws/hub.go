package ws

import (
	"sync"

	"algoarena/backend/internal/cache"
	"algoarena/backend/internal/collab"
)

type Hub struct {
	//  接口实例（一般是 Redis 实现的客户端句柄）。它本身不“存数据”，
	// 而是提供对外部存储的读写能力，用来落地/共享在线状态与光标信息
	presence cache.PresenceCache
	// 读写锁，用来保护 Hub 的内部状态在并发下安全访问，
	// 特别是 rooms 这类 map，防止并发读写导致崩溃或数据竞争。加入/离开房间、广播时都会先加锁。
	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		// 房间里存的是 map[*Conn]，而不是 map[userID]：
		// 一个用户可开多个标签页/设备（多连接）；广播要逐连接发，不能只按 userID 发一次。
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接从指定房间移除
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// roomConns 在读锁内把房间的连接集合拷贝成切片。
// 广播方跑在会话 goroutine、Join/Leave 跑在各连接的 readLoop 上，
// 解锁后直接迭代 map 本体会和写入撞车（并发 map 读写直接把进程打挂）。
func (h *Hub) roomConns(roomID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.rooms[roomID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastApplied 实现 collab.Broadcaster。
// 在房间的串行任务里被调用，所以同一房间的广播顺序与应用顺序一致。
// origin（提交者的连接）不收 op_broadcast，它会收到单独的 op_applied ack。
func (h *Hub) BroadcastApplied(roomID string, origin any, applied collab.Applied) {
	conns := h.roomConns(roomID)
	msg := OpBroadcastMessage{
		Type:      "op_broadcast",
		RoomID:    roomID,
		Revision:  applied.Revision,
		AuthorID:  applied.AuthorID,
		ClientId:  applied.ClientId,
		ClientSeq: applied.ClientSeq,
		Ops:       applied.Ops,
		AppliedAt: applied.AppliedAt,
	}
	for _, c := range conns {
		if any(c) == origin {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(roomID string, members []PresenceMember) {
	msg := ServerMessage{Type: "presence", RoomID: roomID, Members: members}
	for _, c := range h.roomConns(roomID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastLanguage(roomID string, userID uint64, language string) {
	msg := ServerMessage{Type: "language", RoomID: roomID, UserID: userID, Language: language}
	for _, c := range h.roomConns(roomID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastChat(roomID string, chat ChatMessage) {
	for _, c := range h.roomConns(roomID) {
		c.SendMessage_Enqueue(chat)
	}
}

func (h *Hub) BroadcastCursor(roomID string, origin *Conn, userID uint64, cursor interface{}) {
	msg := ServerMessage{Type: "cursor", RoomID: roomID, UserID: userID, Cursor: cursor}
	for _, c := range h.roomConns(roomID) {
		if c == origin {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
