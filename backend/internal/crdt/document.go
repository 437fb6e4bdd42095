package crdt

import (
	"sort"
	"strings"
)

// Document 是一个以元素ID寻址的文本序列（替代按原始下标 splice 的模型，
// 后者在并发编辑下会基于过期偏移错位写入，属于正确性缺陷）。
//
// 内部表示为“origin 树”：每个元素记录它插入时的锚点（origin），
// 同一 origin 下的子元素按 Counter 降序、Counter 相同按 Author 升序排列，
// 文档顺序是这棵树的先序遍历。Counter 是 Lamport 式时钟（作者生成新元素时
// 取比它见过的所有计数器都大的值），所以因果上更晚的插入排得离锚点更近，
// “插在 X 之后”落在 X 的紧后方；真正并发的同锚插入按作者ID升序定序。
// 兄弟顺序是ID的纯函数，物化文本只取决于操作集合本身，
// 与各副本整合操作的先后顺序无关（收敛性）。
//
// 删除只打墓碑（tombstone），不物理删除：并发操作仍可能以被删元素为锚点，
// 保留墓碑才能保证锚点解析在所有副本上一致。物化文本时跳过墓碑。
//
// Document 本身不做加锁，按房间单写者纪律由调用方串行化。
type node struct {
	id       ID
	ch       rune
	deleted  bool
	children []*node // 按 beforeSibling 定序
}

// beforeSibling 是同锚点兄弟间的全序：计数器大的（因果上更晚的）
// 更靠近锚点，计数器相同（并发平局）按作者ID升序。
func beforeSibling(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Author < b.Author
}

type Document struct {
	root    node // 头部哨兵，id 为零值
	nodes   map[ID]*node
	visible int // 未删除元素数
}

func NewDocument() *Document {
	d := &Document{nodes: make(map[ID]*node)}
	d.nodes[ID{}] = &d.root
	return d
}

// FromText 从持久化的纯文本重建文档（冷启动再水化）。
// 重建的元素归属给指定的 author（约定使用保留的服务端作者ID），
// 计数器从 1 开始逐字符递增、首尾相链，晚加入的客户端据此获得可锚定的ID空间。
func FromText(text string, author uint64) *Document {
	d := NewDocument()
	if text == "" {
		return d
	}
	after := ID{}
	id := ID{Author: author, Counter: 1}
	_ = d.insertRun(after, id, text)
	return d
}

// Apply 整合一条操作。重复ID返回 ErrDuplicate（幂等丢弃），
// 非法操作返回 Malformed 判定为 true 的错误，文档状态不变。
func (d *Document) Apply(op Op) error {
	switch op.Kind {
	case KindInsert:
		return d.insertRun(op.After, op.ID, op.Text)
	case KindDelete:
		return d.deleteRun(op.Target, op.Length)
	default:
		return ErrBadID
	}
}

func (d *Document) insertRun(after ID, id ID, text string) error {
	if text == "" {
		return ErrEmptyInsert
	}
	if id.IsHead() {
		return ErrBadID
	}
	if _, ok := d.nodes[id]; ok {
		return ErrDuplicate
	}
	parent, ok := d.nodes[after]
	if !ok {
		// 锚点被并发删除时仍以墓碑形式存在（nodes 保留墓碑），
		// 走不到这里；真正未知的锚点才是非法操作
		return ErrUnknownAnchor
	}

	// 先整体校验展开后的每个ID再挂树，保证失败时文档不变：
	// 首ID已存在是整条重放（ErrDuplicate），链中段撞上已有元素
	// 则是非法操作，直接挂会覆盖 nodes 表项而树里留下旧节点
	cur := id.Next()
	for k := 1; k < len([]rune(text)); k++ {
		if _, ok := d.nodes[cur]; ok {
			return ErrIDCollision
		}
		cur = cur.Next()
	}

	// 多字符展开为元素链：首字符挂在 after 下，其余依次挂在前一个字符下
	cur = id
	for _, r := range text {
		n := &node{id: cur, ch: r}
		d.nodes[cur] = n
		d.attach(parent, n)
		d.visible++
		parent = n
		cur = cur.Next()
	}
	return nil
}

// attach 把 n 插入 parent 的子列表，保持 beforeSibling 定序。
// 这是并发同锚插入的决定性平局规则。
func (d *Document) attach(parent *node, n *node) {
	i := sort.Search(len(parent.children), func(i int) bool {
		return beforeSibling(n.id, parent.children[i].id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

func (d *Document) deleteRun(target ID, length int) error {
	if length <= 0 {
		return ErrInvalidLength
	}
	if target.IsHead() {
		return ErrBadID
	}
	// 先整体校验再打墓碑，保证失败时文档不变
	run := make([]*node, 0, length)
	cur := target
	for k := 0; k < length; k++ {
		n, ok := d.nodes[cur]
		if !ok {
			return ErrUnknownTarget
		}
		run = append(run, n)
		cur = cur.Next()
	}
	for _, n := range run {
		if !n.deleted {
			n.deleted = true
			d.visible--
		}
	}
	return nil
}

// Len 返回可见字符数
func (d *Document) Len() int { return d.visible }

// Text 物化可见文本（先序遍历，跳过墓碑）
func (d *Document) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	d.walk(func(n *node) {
		if !n.deleted {
			b.WriteRune(n.ch)
		}
	})
	return b.String()
}

// Span 是快照中的一段连续元素：Start 是首元素ID，
// 之后每个字符的ID依次为 Start.Next()...。
type Span struct {
	Start ID     `json:"start"`
	Text  string `json:"text"`
}

// Snapshot 按文档顺序返回可见元素的紧凑快照，
// 连续计数器的同作者run合并为一个 Span。晚加入的客户端
// 用它重建文本和可锚定的ID空间。
func (d *Document) Snapshot() []Span {
	var spans []Span
	var cur *Span
	var next ID
	d.walk(func(n *node) {
		if n.deleted {
			return
		}
		if cur != nil && n.id == next {
			cur.Text += string(n.ch)
			next = next.Next()
			return
		}
		spans = append(spans, Span{Start: n.id, Text: string(n.ch)})
		cur = &spans[len(spans)-1]
		next = n.id.Next()
	})
	return spans
}

// VisiblePos 返回元素在可见文本中的下标；元素不存在或已删除返回 -1。
// 供只关心纯文本的客户端换算 splice 位置。
func (d *Document) VisiblePos(id ID) int {
	pos := -1
	i := 0
	d.walk(func(n *node) {
		if n.deleted {
			return
		}
		if n.id == id {
			pos = i
		}
		i++
	})
	return pos
}

// walk 先序遍历（不含哨兵），用显式栈避免深链递归爆栈
func (d *Document) walk(fn func(*node)) {
	// 栈里存各层尚未访问的兄弟序列
	stack := make([][]*node, 0, 8)
	stack = append(stack, d.root.children)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if len(top) == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		n := top[0]
		stack[len(stack)-1] = top[1:]
		fn(n)
		if len(n.children) > 0 {
			stack = append(stack, n.children)
		}
	}
}
