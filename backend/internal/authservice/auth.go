package authservice

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"algoarena/backend/internal/store"
)

type signupReq struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type signinReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type RefreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type updateProfileReq struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

type Handler struct {
	users *store.UserStore
}

func NewHandler(users *store.UserStore) *Handler {
	return &Handler{users: users}
}

func (h *Handler) Signup(c *gin.Context) {
	// ShouldBindJSON 会自动：
	// 1. 解析 JSON 请求体
	// 2. 验证字段是否符合 binding 规则
	// 3. 将数据填充到 req 结构体
	var signup_req signupReq
	if err := c.ShouldBindJSON(&signup_req); err != nil {
		// http.StatusBadRequest:错误码400
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "JSON格式错误",
			"details": err.Error(),
		})
		return
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(signup_req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成密码哈希失败"})
		return
	}
	userID, err := h.users.CreateUser(c.Request.Context(), signup_req.Username, signup_req.Email, passwordHash)
	if err != nil {
		if errors.Is(err, store.ErrUserTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "用户名或邮箱已存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userID": userID})
}

func (h *Handler) Signin(c *gin.Context) {
	var signin_req signinReq
	if err := c.ShouldBindJSON(&signin_req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "JSON格式错误",
			"details": err.Error(),
		})
		return
	}

	u, err := h.users.GetByEmail(c.Request.Context(), signin_req.Email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "邮箱或密码错误"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取用户失败"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(signin_req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "邮箱或密码错误"})
		return
	}

	access_token, _, err := SignAccessToken(u.ID, u.Username, AccessTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成访问令牌失败"})
		return
	}
	refresh_token, _, err := SignRefreshToken(u.ID, u.Username, RefreshTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成刷新令牌失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken":  access_token,
		"refreshToken": refresh_token,
		"expiresIn":    int(AccessTokenTTL.Seconds()),
		"tokenType":    "Bearer",
		"user": gin.H{
			"id":       u.ID,
			"username": u.Username,
			"email":    u.Email,
		},
	})
}

func (h *Handler) Refresh(c *gin.Context) {
	// 1) 解析 refreshToken；校验 typ == "refresh"
	// 2) 重新签发新的 access
	var refresh_req RefreshReq
	if err := c.ShouldBindJSON(&refresh_req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "JSON格式错误",
			"details": err.Error(),
		})
		return
	}

	claims, err := ParseToken(refresh_req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken 无效"})
		return
	}
	if claims.Type != "refresh" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken 类型错误"})
		return
	}

	new_access_token, _, err := SignAccessToken(claims.UserID, claims.Username, AccessTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新访问令牌失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken": new_access_token,
		"expiresIn":   int(AccessTokenTTL.Seconds()),
		"tokenType":   "Bearer",
		"user": gin.H{
			"username": claims.Username,
		},
	})
}

// Verify 校验 access token 是否有效（前端启动时用来确认登录态）
func (h *Handler) Verify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId":   c.GetUint64("userId"),
		"username": c.GetString("username"),
	})
}

func (h *Handler) GetProfile(c *gin.Context) {
	u, err := h.users.GetByID(c.Request.Context(), c.GetUint64("userId"))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "用户不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取用户失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       u.ID,
		"username": u.Username,
		"email":    u.Email,
	})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req updateProfileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON格式错误"})
		return
	}
	var passwordHash []byte
	if req.Password != nil {
		var err error
		passwordHash, err = bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "生成密码哈希失败"})
			return
		}
	}
	err := h.users.UpdateProfile(c.Request.Context(), c.GetUint64("userId"), req.Username, req.Email, passwordHash)
	if err != nil {
		if errors.Is(err, store.ErrUserTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "用户名或邮箱已存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新用户失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
