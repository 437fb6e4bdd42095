package ws

import (
	"time"

	"algoarena/backend/internal/crdt"
)

type ClientMessage struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	Language  string      `json:"language,omitempty"`
	Message   string      `json:"message,omitempty"`
	ClientId  string      `json:"clientId"`
	ClientSeq uint64      `json:"clientSeq"`
	Ops       []crdt.Op   `json:"ops,omitempty"`
	Cursor    interface{} `json:"cursor,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type     string           `json:"type"`
	UserID   uint64           `json:"userId,omitempty"`
	Username string           `json:"username,omitempty"`
	RoomID   string           `json:"roomId,omitempty"`
	Revision uint64           `json:"revision,omitempty"`
	Language string           `json:"language,omitempty"`
	Members  []PresenceMember `json:"members,omitempty"`
	Cursor   interface{}      `json:"cursor,omitempty"`
	Content  string           `json:"content,omitempty"`
}

// 加入房间后发给新成员的全量快照（含 ID 段，晚加入者据此重建内部状态）
type RoomSnapshotMessage struct {
	Type     string      `json:"type"` // 固定 "room_snapshot"
	RoomID   string      `json:"roomId"`
	Revision uint64      `json:"revision"`
	Language string      `json:"language"`
	Content  string      `json:"content"`
	Spans    []crdt.Span `json:"spans"`
}

// 广播给同房间内其他连接的“已应用操作”事件
// - 与 op_applied(ack) 区分：这里用于把变更推送给其他协作者（包括同用户的其他标签页）
type OpBroadcastMessage struct {
	Type      string    `json:"type"` // 固定 "op_broadcast"
	RoomID    string    `json:"roomId"`
	Revision  uint64    `json:"revision"` // 服务端已应用后的最新版本
	AuthorID  uint64    `json:"authorId"`
	ClientId  string    `json:"clientId,omitempty"`
	ClientSeq uint64    `json:"clientSeq,omitempty"`
	Ops       []crdt.Op `json:"ops"`
	AppliedAt time.Time `json:"appliedAt,omitempty"`
}

type OpAppliedMessage struct {
	Type            string `json:"type"` // 固定 "op_applied"
	RoomID          string `json:"roomId"`
	CurrentRevision uint64 `json:"currentRevision"` // 服务端应用后的最新版本
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientId string `json:"clientId"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSeq uint64 `json:"clientSeq"`
}

type ChatMessage struct {
	Type     string    `json:"type"` // 固定 "chat"
	RoomID   string    `json:"roomId"`
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}
