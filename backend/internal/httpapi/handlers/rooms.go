package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"algoarena/backend/internal/collab"
	"algoarena/backend/internal/store"
)

type RoomsHandler struct {
	rooms *store.RoomStore
}

func NewRoomsHandler(rooms *store.RoomStore) *RoomsHandler {
	return &RoomsHandler{rooms: rooms}
}

type createRoomReq struct {
	Language string `json:"language"`
}

type updateCodeReq struct {
	Code string `json:"code" binding:"required"`
}

type createVersionReq struct {
	Message string `json:"message"`
}

func (h *RoomsHandler) CreateRoom(c *gin.Context) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	ownerID := c.GetUint64("userId")

	var req createRoomReq
	_ = c.ShouldBindJSON(&req) // body 可为空，全部用默认值
	language := req.Language
	if language == "" {
		language = collab.DefaultLanguage
	}

	roomID := uuid.NewString()
	err := h.rooms.CreateRoom(c.Request.Context(), roomID, collab.DefaultCode, language, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建房间失败"})
		return
	}
	// 房主也是协作者（幂等）
	_ = h.rooms.AddCollaborator(c.Request.Context(), roomID, ownerID)
	c.JSON(http.StatusOK, gin.H{
		"roomId":    roomID,
		"ownerId":   ownerID,
		"language":  language,
		"createdAt": time.Now().Format(time.RFC3339),
	})
}

func (h *RoomsHandler) GetRoom(c *gin.Context) {
	// c.Param() 取路径参数
	roomID := c.Param("roomId")
	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, collab.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "房间不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取房间失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":         room.RoomID,
		"language":       room.Language,
		"lastModified":   room.LastModified,
		"lastModifiedBy": room.LastModifiedBy,
		"versionCount":   room.VersionCount,
		"size":           room.Size,
		"isLocked":       room.IsLocked,
		"lockHolder":     room.LockHolder,
		"createdAt":      room.CreatedAt,
	})
}

func (h *RoomsHandler) GetRoomCode(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, collab.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "房间不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取房间失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":   room.RoomID,
		"code":     room.Code,
		"language": room.Language,
	})
}

// UpdateRoomCode 是 REST 方式的整体覆盖写（离线编辑/脚本用）。
// 实时协作路径不走这里，走 WebSocket 的 op_submit。
func (h *RoomsHandler) UpdateRoomCode(c *gin.Context) {
	roomID := c.Param("roomId")
	var req updateCodeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON格式错误"})
		return
	}
	patch := collab.MetadataPatch{
		LastModifiedBy: c.GetUint64("userId"),
		Size:           len([]rune(req.Code)),
	}
	if err := h.rooms.SaveRoomContent(c.Request.Context(), roomID, req.Code, patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (h *RoomsHandler) CreateVersion(c *gin.Context) {
	roomID := c.Param("roomId")
	var req createVersionReq
	_ = c.ShouldBindJSON(&req)

	version, err := h.rooms.CreateVersion(c.Request.Context(), roomID, c.GetUint64("userId"), req.Message)
	if err != nil {
		if errors.Is(err, collab.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "房间不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建版本失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"versionId": version.ID,
		"message":   version.Message,
		"createdAt": version.CreatedAt,
	})
}

func (h *RoomsHandler) ListVersions(c *gin.Context) {
	roomID := c.Param("roomId")
	versions, err := h.rooms.ListVersions(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取版本失败"})
		return
	}
	out := make([]gin.H, 0, len(versions))
	for _, v := range versions {
		out = append(out, gin.H{
			"versionId": v.ID,
			"authorId":  v.AuthorID,
			"message":   v.Message,
			"createdAt": v.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "versions": out})
}

// AcquireLock / ReleaseLock 维护房间的独占编辑标记。
// 锁是存储里的元数据，协作同步路径不读它；执行策略交给前端。
func (h *RoomsHandler) AcquireLock(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetUint64("userId")
	ok, err := h.rooms.AcquireLock(c.Request.Context(), roomID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "加锁失败"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "房间已被锁定"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true, "lockHolder": userID})
}

func (h *RoomsHandler) ReleaseLock(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := h.rooms.ReleaseLock(c.Request.Context(), roomID, c.GetUint64("userId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "解锁失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": false})
}

// JoinRoom 把当前用户登记为房间协作者（进入编辑页时由前端调用）
func (h *RoomsHandler) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetUint64("userId")
	if _, err := h.rooms.GetRoom(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, collab.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "房间不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取房间失败"})
		return
	}
	if err := h.rooms.AddCollaborator(c.Request.Context(), roomID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "加入失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "joined": true})
}

func (h *RoomsHandler) ListCollaborators(c *gin.Context) {
	roomID := c.Param("roomId")
	ids, err := h.rooms.ListCollaborators(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取协作者失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "collaborators": ids})
}
