package collab

import (
	"time"

	"algoarena/backend/internal/crdt"
)

// RoomOpEvent 是发往 Kafka 的“已整合操作”事件：
// 审计流水，同时供其他实例/下游消费者对齐房间状态。
type RoomOpEvent struct {
	EventType string    `json:"eventType"` // 固定 "OP_APPLIED"
	RoomID    string    `json:"roomId"`
	Revision  uint64    `json:"revision"`
	AuthorID  uint64    `json:"authorId"`
	ClientID  string    `json:"clientId"`
	ClientSeq uint64    `json:"clientSeq"`
	Ops       []crdt.Op `json:"ops"`
	AppliedAt time.Time `json:"appliedAt"`
}
