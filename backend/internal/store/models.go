package store

import "time"

// Room 表示一个持久化的协作房间（文档 + 元数据）。
type Room struct {
	ID             uint64    `gorm:"primaryKey"`
	RoomID         string    `gorm:"uniqueIndex;size:64;not null"` // 对外的不透明房间ID (uuid)
	Code           string    `gorm:"type:longtext"`                // 当前文档文本
	Language       string    `gorm:"size:32;not null"`             // 选中的语言标签
	LastModified   time.Time `gorm:"index"`
	LastModifiedBy uint64
	VersionCount   uint64 `gorm:"default:0"`
	Size           int    `gorm:"default:0"` // 文档可见字符数
	IsLocked       bool   `gorm:"default:false"`
	LockHolder     uint64 // 独占编辑锁持有者；外部策略字段，同步路径不强制
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoomVersion 是一次具名快照：内容 + 相对上一版的 diff + 作者 + 说明。
type RoomVersion struct {
	ID        uint64 `gorm:"primaryKey"`
	RoomID    string `gorm:"index;size:64;not null"`
	Content   string `gorm:"type:longtext"`
	Diff      string `gorm:"type:longtext"`
	AuthorID  uint64
	Message   string `gorm:"size:255"`
	CreatedAt time.Time
}

// RoomOperation 是按整合顺序追加的原始操作审计日志（回放/审计用）。
type RoomOperation struct {
	ID        uint64 `gorm:"primaryKey"`
	RoomID    string `gorm:"index;size:64;not null"`
	Revision  uint64 `gorm:"index"`
	Kind      string `gorm:"size:16;not null"`
	AuthorID  uint64
	Payload   string `gorm:"type:longtext"` // 操作原文 (JSON)
	AppliedAt time.Time
}

// RoomCollaborator 记录曾参与过房间的用户集合。
type RoomCollaborator struct {
	RoomID string `gorm:"primaryKey;size:64"`
	UserID uint64 `gorm:"primaryKey"`
}

type User struct {
	ID           uint64 `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash []byte `gorm:"type:varbinary(128);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
