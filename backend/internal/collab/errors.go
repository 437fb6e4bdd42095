package collab

import "errors"

var (
	// 冷启动时存储中无此房间：不是对外错误，Open 会落到默认文档
	ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")
	// 会话不在 Active 状态（未打开，或最后一人离开后正在排空）
	ErrSessionClosed = errors.New("SESSION_CLOSED")
	// 幂等/去重：同一 clientId 的 clientSeq 必须严格递增
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	// 持久化读写失败（有限重试后仍失败时向调用方暴露）
	ErrPersistence = errors.New("TRANSIENT_PERSISTENCE_ERROR")
)
