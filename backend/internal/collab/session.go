package collab

import (
	"context"
	"log"
	"time"

	"algoarena/backend/internal/crdt"
)

// 会话状态机（由 Rooms.mu 保护）：
// Cold（无会话，仅存储中有文档）→ Opening → Active → Draining → Cold
const (
	stateOpening = iota
	stateActive
	stateDraining
)

// Session 是一个活跃房间的内存态：CRDT 文档缓冲区、版本号、
// 待落盘操作日志。同一房间的全部变更经由 tasks 队列在单个
// goroutine 内串行执行（单写者纪律），不同房间互不阻塞。
type Session struct {
	roomID string
	mgr    *Rooms

	state int // 由 mgr.mu 保护

	tasks chan func()
	ready chan struct{} // Opening 完成（再水化结束）时关闭
	quit  chan struct{} // 通知 actor 退出
	done  chan struct{} // Draining 完成、会话彻底销毁时关闭

	// 以下字段只在 actor goroutine 内读写
	doc             *crdt.Document
	language        string
	revision        uint64
	lastSeqByClient map[string]uint64
	pendingOps      []LoggedOp
	lastAuthor      uint64
	closing         bool
	timer           *time.Timer
}

// LoggedOp 是已整合操作的审计日志条目，按整合顺序追加
type LoggedOp struct {
	Revision  uint64
	AuthorID  uint64
	Op        crdt.Op
	AppliedAt time.Time
}

// Snapshot 是发给新加入者的同步载荷
type Snapshot struct {
	Revision uint64      `json:"revision"`
	Language string      `json:"language"`
	Text     string      `json:"text"`
	Spans    []crdt.Span `json:"spans"`
}

// Applied 是一次提交的整合结果，按整合顺序广播给其他参与者
type Applied struct {
	Revision  uint64
	AuthorID  uint64
	ClientId  string
	ClientSeq uint64
	Ops       []crdt.Op
	Text      string
	AppliedAt time.Time
}

func newSession(roomID string, mgr *Rooms) *Session {
	return &Session{
		roomID:          roomID,
		mgr:             mgr,
		state:           stateOpening,
		tasks:           make(chan func()),
		ready:           make(chan struct{}),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		lastSeqByClient: make(map[string]uint64),
	}
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do 把 fn 提交到会话的串行队列并等待执行完成。
// 入队和等待都受 ctx 约束，会话退出时返回 ErrSessionClosed。
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.tasks <- func() { reply <- fn() }:
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot 在 actor 内读取当前缓冲区（幂等 open 的返回值）
func (s *Session) snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = Snapshot{
			Revision: s.revision,
			Language: s.language,
			Text:     s.doc.Text(),
			Spans:    s.doc.Snapshot(),
		}
		return nil
	})
	return snap, err
}

// apply 整合一条提交（actor 内执行）：
// integrate → append-to-log → schedule-flush，广播由调用方在同一任务内完成，
// 顺序因此与整合顺序一致且可审计。
func (s *Session) apply(authorID uint64, clientID string, clientSeq uint64, ops []crdt.Op) (Applied, error) {
	if s.closing {
		return Applied{}, ErrSessionClosed
	}
	// 去重窗口：同一 clientId 只允许严格递增的 clientSeq
	if last := s.lastSeqByClient[clientID]; clientSeq <= last {
		return Applied{}, ErrDuplicateOrOutOfOrder
	}

	now := time.Now()
	applied := make([]crdt.Op, 0, len(ops))
	var opErr error
	for _, op := range ops {
		if err := s.doc.Apply(op); err != nil {
			if err == crdt.ErrDuplicate {
				// 回声/重放：静默跳过
				continue
			}
			opErr = err
			break
		}
		applied = append(applied, op)
	}
	s.lastSeqByClient[clientID] = clientSeq
	if len(applied) == 0 {
		return Applied{}, opErr
	}

	s.revision++
	s.lastAuthor = authorID
	for _, op := range applied {
		s.pendingOps = append(s.pendingOps, LoggedOp{
			Revision:  s.revision,
			AuthorID:  authorID,
			Op:        op,
			AppliedAt: now,
		})
	}
	s.markDirty()

	return Applied{
		Revision:  s.revision,
		AuthorID:  authorID,
		ClientId:  clientID,
		ClientSeq: clientSeq,
		Ops:       applied,
		Text:      s.doc.Text(),
		AppliedAt: now,
	}, opErr
}

// markDirty（actor 内调用）：重置该房间唯一的延迟落盘定时器。
// 定时器只重置不叠加，同一房间任一时刻至多一次待执行 flush。
func (s *Session) markDirty() {
	if s.timer == nil {
		s.timer = time.AfterFunc(s.mgr.flushInterval, s.flushDebounced)
		return
	}
	s.timer.Reset(s.mgr.flushInterval)
}

// flushDebounced 在定时器 goroutine 里执行：先进 actor 拿一致快照并清空
// 待落盘日志，再在 actor 外做真正的存储写（写是可挂起操作，不能占住串行窗口）。
// 写失败只记日志并把操作日志塞回队首，等下一次 flush；内存缓冲区仍是事实源。
func (s *Session) flushDebounced() {
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.saveTimeout)
	defer cancel()

	var code string
	var patch MetadataPatch
	var ops []LoggedOp
	err := s.do(ctx, func() error {
		if s.closing {
			return ErrSessionClosed
		}
		code = s.doc.Text()
		patch = MetadataPatch{LastModifiedBy: s.lastAuthor, Size: s.doc.Len()}
		ops = s.pendingOps
		s.pendingOps = nil
		return nil
	})
	if err == ErrSessionClosed {
		// 会话正在关闭：最终 flush 由 Close 负责
		return
	}
	if err != nil {
		// actor 忙到超时，重新武装定时器改天再来
		_ = s.do(context.Background(), func() error { s.markDirty(); return nil })
		return
	}

	if err := s.mgr.persist(ctx, s.roomID, code, patch, ops); err != nil {
		log.Printf("debounced flush failed, will retry room=%s pending=%d err=%v", s.roomID, len(ops), err)
		_ = s.do(context.Background(), func() error {
			s.pendingOps = append(ops, s.pendingOps...)
			s.markDirty()
			return nil
		})
	}
}
