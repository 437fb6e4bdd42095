package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"algoarena/backend/internal/collab"
)

var ErrRoomExists = errors.New("room already exists")

type RoomStore struct{ db *gorm.DB }

func NewRoomStore(db *gorm.DB) *RoomStore {
	return &RoomStore{db: db}
}

// AutoMigrate 建表（幂等）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Room{}, &RoomVersion{}, &RoomOperation{}, &RoomCollaborator{}, &User{},
	)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 3*time.Second)
}

func (s *RoomStore) CreateRoom(ctx context.Context, roomID, code, language string, ownerID uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	room := Room{
		RoomID:         roomID,
		Code:           code,
		Language:       language,
		LastModified:   time.Now(),
		LastModifiedBy: ownerID,
		Size:           len([]rune(code)),
	}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		// 1062 = duplicate key
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRoomExists
		}
		return err
	}
	return nil
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var room Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, collab.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// LoadRoom 实现 collab.RoomStore：冷启动再水化读
func (s *RoomStore) LoadRoom(ctx context.Context, roomID string) (collab.RoomContent, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return collab.RoomContent{}, err
	}
	return collab.RoomContent{Code: room.Code, Language: room.Language}, nil
}

// SaveRoomContent 实现 collab.RoomStore：按 roomID 幂等覆盖写。
// 房间行不存在时补建（会话可能由从未走过 HTTP 建房的冷启动创建）。
func (s *RoomStore) SaveRoomContent(ctx context.Context, roomID string, code string, patch collab.MetadataPatch) error {
	res := s.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", roomID).Updates(map[string]any{
		"code":             code,
		"last_modified":    time.Now(),
		"last_modified_by": patch.LastModifiedBy,
		"size":             patch.Size,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	room := Room{
		RoomID:         roomID,
		Code:           code,
		Language:       collab.DefaultLanguage,
		LastModified:   time.Now(),
		LastModifiedBy: patch.LastModifiedBy,
		Size:           patch.Size,
	}
	err := s.db.WithContext(ctx).Create(&room).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		// 与并发建房撞了，重走一次覆盖写
		return s.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", roomID).Updates(map[string]any{
			"code": code, "last_modified": time.Now(), "last_modified_by": patch.LastModifiedBy, "size": patch.Size,
		}).Error
	}
	return err
}

// AppendOperations 实现 collab.RoomStore：批量追加操作审计日志
func (s *RoomStore) AppendOperations(ctx context.Context, roomID string, ops []collab.LoggedOp) error {
	rows := make([]RoomOperation, 0, len(ops))
	for _, op := range ops {
		payload, err := json.Marshal(op.Op)
		if err != nil {
			return err
		}
		rows = append(rows, RoomOperation{
			RoomID:    roomID,
			Revision:  op.Revision,
			Kind:      string(op.Op.Kind),
			AuthorID:  op.AuthorID,
			Payload:   string(payload),
			AppliedAt: op.AppliedAt,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (s *RoomStore) SaveLanguage(ctx context.Context, roomID, language string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", roomID).
		Update("language", language).Error
}

// CreateVersion 具名快照：当前内容 + 相对上一版的 diff + 作者 + 说明，
// 同事务内递增 versionCount 并刷新元数据。
func (s *RoomStore) CreateVersion(ctx context.Context, roomID string, authorID uint64, message string) (*RoomVersion, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var created RoomVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", roomID).First(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return collab.ErrRoomNotFound
			}
			return err
		}

		previous := ""
		var prev RoomVersion
		err := tx.Where("room_id = ?", roomID).Order("id DESC").First(&prev).Error
		switch {
		case err == nil:
			previous = prev.Content
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		created = RoomVersion{
			RoomID:   roomID,
			Content:  room.Code,
			Diff:     versionDiff(previous, room.Code),
			AuthorID: authorID,
			Message:  message,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		return tx.Model(&Room{}).Where("room_id = ?", roomID).Updates(map[string]any{
			"version_count":    gorm.Expr("version_count + 1"),
			"last_modified":    time.Now(),
			"last_modified_by": authorID,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *RoomStore) ListVersions(ctx context.Context, roomID string) ([]RoomVersion, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var versions []RoomVersion
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("id ASC").Find(&versions).Error
	return versions, err
}

// versionDiff 生成相对上一版内容的文本补丁（首版 diff 即全文）
func versionDiff(previous, current string) string {
	if previous == "" {
		return current
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(previous, current)
	return dmp.PatchToText(patches)
}

// AddCollaborator 幂等登记参与者
func (s *RoomStore) AddCollaborator(ctx context.Context, roomID string, userID uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Create(&RoomCollaborator{RoomID: roomID, UserID: userID}).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return nil
	}
	return err
}

func (s *RoomStore) ListCollaborators(ctx context.Context, roomID string) ([]uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&RoomCollaborator{}).
		Where("room_id = ?", roomID).Order("user_id ASC").Pluck("user_id", &ids).Error
	return ids, err
}

// AcquireLock / ReleaseLock：房间级独占编辑锁。
// 只是元数据层的外部策略，同步核心不读它，执行交给前端。
func (s *RoomStore) AcquireLock(ctx context.Context, roomID string, userID uint64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&Room{}).
		Where("room_id = ? AND (is_locked = ? OR lock_holder = ?)", roomID, false, userID).
		Updates(map[string]any{"is_locked": true, "lock_holder": userID})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// 值未变化时 MySQL 报 0 行：持有者重入也算成功
	var room Room
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error; err != nil {
		return false, nil
	}
	return room.IsLocked && room.LockHolder == userID, nil
}

func (s *RoomStore) ReleaseLock(ctx context.Context, roomID string, userID uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Model(&Room{}).
		Where("room_id = ? AND lock_holder = ?", roomID, userID).
		Updates(map[string]any{"is_locked": false, "lock_holder": 0}).Error
}
