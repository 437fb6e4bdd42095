package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"algoarena/backend/internal/crdt"
)

// 冷启动默认文档（存储中无记录时）
const (
	DefaultCode     = "// Start coding here!"
	DefaultLanguage = "javascript"
	// 再水化时重建元素归属的保留作者ID（真实用户ID从 1 起）
	ServerAuthor uint64 = 0
)

// 持久化服务契约（只声明，具体实现在 store 包）
type RoomContent struct {
	Code     string
	Language string
}

type MetadataPatch struct {
	LastModifiedBy uint64
	Size           int
}

type RoomStore interface {
	// 房间不存在时返回 ErrRoomNotFound
	LoadRoom(ctx context.Context, roomID string) (RoomContent, error)
	// 按 roomID 幂等覆盖写文档内容 + 元数据
	SaveRoomContent(ctx context.Context, roomID string, code string, patch MetadataPatch) error
	// 按整合顺序追加操作审计日志
	AppendOperations(ctx context.Context, roomID string, ops []LoggedOp) error
	SaveLanguage(ctx context.Context, roomID string, language string) error
}

// 广播通道契约（具体实现在 ws 包的 Hub）。
// BroadcastApplied 在会话的串行任务内被调用，因此广播顺序
// 与整合顺序一致；origin 标识发起连接，实现方负责排除它。
type Broadcaster interface {
	BroadcastApplied(roomID string, origin any, applied Applied)
}

type Options struct {
	FlushInterval     time.Duration // 延迟落盘窗口，默认 1s
	SaveTimeout       time.Duration // 单次存储调用超时，默认 3s
	FinalFlushRetries int           // 关房最终 flush 的额外重试次数，默认 2
}

// Rooms 是房间生命周期控制器：首次加入创建会话并从存储再水化，
// 最后一人离开时同步 flush 后销毁。每个房间ID任一时刻至多一个会话。
type Rooms struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store      RoomStore
	broadcast  Broadcaster
	dispatcher *KafkaDispatcher // 可为 nil（未配置 Kafka）

	flushInterval     time.Duration
	saveTimeout       time.Duration
	finalFlushRetries int
}

func NewRooms(store RoomStore, broadcast Broadcaster, dispatcher *KafkaDispatcher, opt Options) *Rooms {
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = time.Second
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 3 * time.Second
	}
	if opt.FinalFlushRetries <= 0 {
		opt.FinalFlushRetries = 2
	}
	return &Rooms{
		sessions:          make(map[string]*Session),
		store:             store,
		broadcast:         broadcast,
		dispatcher:        dispatcher,
		flushInterval:     opt.FlushInterval,
		saveTimeout:       opt.SaveTimeout,
		finalFlushRetries: opt.FinalFlushRetries,
	}
}

// Open 打开（或复用）房间会话并返回当前缓冲区快照。
// - 已 Active：幂等，直接返回内存缓冲区，不重读存储
// - Cold：读存储再水化；无记录则落到默认文档
// - Opening/Draining：等待前序转换完成后重试，保证排空中的最终
//   flush 不会被一次抢跑的冷启动读到旧数据
func (m *Rooms) Open(ctx context.Context, roomID string) (Snapshot, error) {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[roomID]; ok {
			switch s.state {
			case stateActive:
				m.mu.Unlock()
				return s.snapshot(ctx)
			case stateOpening:
				ready := s.ready
				m.mu.Unlock()
				select {
				case <-ready:
					continue
				case <-ctx.Done():
					return Snapshot{}, ctx.Err()
				}
			default: // stateDraining
				done := s.done
				m.mu.Unlock()
				select {
				case <-done:
					continue
				case <-ctx.Done():
					return Snapshot{}, ctx.Err()
				}
			}
		}
		s := newSession(roomID, m)
		m.sessions[roomID] = s
		m.mu.Unlock()
		return m.coldOpen(ctx, s)
	}
}

func (m *Rooms) coldOpen(ctx context.Context, s *Session) (Snapshot, error) {
	lctx, cancel := context.WithTimeout(ctx, m.saveTimeout)
	content, err := m.store.LoadRoom(lctx, s.roomID)
	cancel()
	switch {
	case errors.Is(err, ErrRoomNotFound):
		content = RoomContent{Code: DefaultCode, Language: DefaultLanguage}
	case err != nil:
		// 瞬时读失败：撤销占位会话，加入方拿到错误自行重试
		m.mu.Lock()
		delete(m.sessions, s.roomID)
		m.mu.Unlock()
		close(s.ready)
		close(s.done)
		return Snapshot{}, errors.Join(ErrPersistence, err)
	}

	s.doc = crdt.FromText(content.Code, ServerAuthor)
	s.language = content.Language
	go s.run()

	m.mu.Lock()
	s.state = stateActive
	m.mu.Unlock()
	close(s.ready)

	return s.snapshot(ctx)
}

// Submit 把一次客户端提交路由进对应房间的串行队列：
// 合并引擎整合 → 追加操作日志 → 调度延迟落盘 → 原序广播给其他参与者。
// 返回的 Applied 用于向提交方回 ack；提交方不得重放自己的回声。
func (m *Rooms) Submit(ctx context.Context, roomID string, origin any, authorID uint64, clientID string, clientSeq uint64, ops []crdt.Op) (Applied, error) {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	if !ok || s.state != stateActive {
		m.mu.Unlock()
		return Applied{}, ErrSessionClosed
	}
	m.mu.Unlock()

	var applied Applied
	var applyErr error
	err := s.do(ctx, func() error {
		applied, applyErr = s.apply(authorID, clientID, clientSeq, ops)
		if len(applied.Ops) > 0 && m.broadcast != nil {
			// 在串行任务内广播，保证观察顺序与整合顺序一致
			m.broadcast.BroadcastApplied(roomID, origin, applied)
		}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	if len(applied.Ops) > 0 && m.dispatcher != nil {
		evt := RoomOpEvent{
			EventType: "OP_APPLIED",
			RoomID:    roomID,
			Revision:  applied.Revision,
			AuthorID:  authorID,
			ClientID:  clientID,
			ClientSeq: clientSeq,
			Ops:       applied.Ops,
			AppliedAt: applied.AppliedAt,
		}
		if err := m.dispatcher.Enqueue(ctx, evt); err != nil {
			log.Printf("kafka enqueue skipped room=%s rev=%d err=%v", roomID, applied.Revision, err)
		}
	}
	return applied, applyErr
}

// SetLanguage 切换房间语言：先在串行任务里改内存缓冲区（后续 flush
// 会带上新值），再直写存储，保证语言切换不受延迟落盘窗口影响。
func (m *Rooms) SetLanguage(ctx context.Context, roomID, language string) error {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	if !ok || s.state != stateActive {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.mu.Unlock()

	if err := s.do(ctx, func() error {
		s.language = language
		return nil
	}); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, m.saveTimeout)
	defer cancel()
	if err := m.store.SaveLanguage(sctx, roomID, language); err != nil {
		return errors.Join(ErrPersistence, err)
	}
	return nil
}

// Close 在最后一名参与者离开后排空会话：Active→Draining→Cold。
// 最终 flush 同步执行并有限重试；重试全部失败时记录显式丢写警告，
// 绝不让排空转换无限挂起。
func (m *Rooms) Close(roomID string) {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	if !ok || s.state != stateActive {
		m.mu.Unlock()
		return
	}
	s.state = stateDraining
	m.mu.Unlock()

	var code string
	var patch MetadataPatch
	var ops []LoggedOp
	var hadDoc bool
	_ = s.do(context.Background(), func() error {
		s.closing = true
		if s.timer != nil {
			s.timer.Stop()
		}
		code = s.doc.Text()
		patch = MetadataPatch{LastModifiedBy: s.lastAuthor, Size: s.doc.Len()}
		ops = s.pendingOps
		s.pendingOps = nil
		hadDoc = true
		return nil
	})
	close(s.quit)

	if hadDoc {
		m.finalFlush(s.roomID, code, patch, ops)
	}

	m.mu.Lock()
	delete(m.sessions, roomID)
	m.mu.Unlock()
	close(s.done)
}

// CloseAll 进程退出前排空全部会话（优雅停机路径）
func (m *Rooms) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Rooms) finalFlush(roomID, code string, patch MetadataPatch, ops []LoggedOp) {
	attempts := 1 + m.finalFlushRetries
	backoff := 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
		err := m.persist(ctx, roomID, code, patch, ops)
		cancel()
		if err == nil {
			return
		}
		log.Printf("final flush attempt %d/%d failed room=%s err=%v", i+1, attempts, roomID, err)
		if i < attempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	log.Printf("WARNING: final flush abandoned, last edits lost room=%s size=%d pendingOps=%d", roomID, patch.Size, len(ops))
}

func (m *Rooms) persist(ctx context.Context, roomID, code string, patch MetadataPatch, ops []LoggedOp) error {
	if err := m.store.SaveRoomContent(ctx, roomID, code, patch); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return m.store.AppendOperations(ctx, roomID, ops)
}
