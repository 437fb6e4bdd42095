package crdt

import "errors"

// 元素标识：(作者ID, 该作者的单调递增计数器)。
// 零值 ID{} 是文档头部哨兵（head sentinel），不对应任何字符。
type ID struct {
	Author  uint64 `json:"author"`
	Counter uint64 `json:"counter"`
}

// IsHead 判断是否为头部哨兵
func (a ID) IsHead() bool { return a == ID{} }

// Less 定义ID上的字典序全序（先 Author 后 Counter）
func (a ID) Less(b ID) bool {
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return a.Counter < b.Counter
}

// Next 返回同一作者的下一个计数器ID（多字符插入展开时使用）
func (a ID) Next() ID { return ID{Author: a.Author, Counter: a.Counter + 1} }

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 是客户端提交的一条编辑操作。
// - insert: After 是锚点元素ID（或头部哨兵），ID 是新元素的起始ID，Text 是插入文本。
//   多字符文本展开为连续计数器的元素链：第 k 个字符的ID为 (Author, Counter+k)。
// - delete: Target 是起始元素ID，Length 是同一插入串中从 Target 起连续删除的元素个数。
//   删除集合只由ID决定，与各副本的当前文档顺序无关。
type Op struct {
	Kind   Kind   `json:"kind"`
	After  ID     `json:"after,omitzero"`
	ID     ID     `json:"id,omitzero"`
	Text   string `json:"text,omitempty"`
	Target ID     `json:"target,omitzero"`
	Length int    `json:"length,omitempty"`
}

// "ops":[{"kind":"insert","after":{"author":1,"counter":3},"id":{"author":2,"counter":1},"text":"X"}]

var (
	ErrUnknownAnchor = errors.New("UNKNOWN_ANCHOR")
	ErrUnknownTarget = errors.New("UNKNOWN_TARGET")
	ErrInvalidLength = errors.New("INVALID_DELETE_LENGTH")
	ErrEmptyInsert   = errors.New("EMPTY_INSERT")
	ErrBadID         = errors.New("BAD_ELEMENT_ID")
	// 插入链展开后的中段ID撞上已有元素（首ID重复是 ErrDuplicate 重放）
	ErrIDCollision = errors.New("ELEMENT_ID_COLLISION")
	// 重复ID视为已应用过（回声/重放），调用方静默丢弃即可
	ErrDuplicate = errors.New("DUPLICATE_OPERATION")
)

// Malformed 判断错误是否属于“操作本身非法”，应拒绝该操作并通知提交方，
// 不影响房间内其他参与者。
func Malformed(err error) bool {
	return errors.Is(err, ErrUnknownAnchor) ||
		errors.Is(err, ErrUnknownTarget) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrEmptyInsert) ||
		errors.Is(err, ErrBadID) ||
		errors.Is(err, ErrIDCollision)
}
