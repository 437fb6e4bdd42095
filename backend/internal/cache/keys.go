package cache

import "fmt"

// 键语义：
// - roomKey(roomID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):  房间内 userId→username 映射（Hash）
// - cursorKey(...):    成员光标位置（String, 带TTL）

const (
	keyRoomFmt   = "presence:room:{roomID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{roomID:%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%d"
)

func roomKey(roomID string) string  { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string { return fmt.Sprintf(keyNamesFmt, roomID) }

func cursorKey(roomID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, roomID, userID)
}
