package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/QwertyMD/chat-app/internal/auth"
	"github.com/QwertyMD/chat-app/internal/service"
	"github.com/QwertyMD/chat-app/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	chatSvc *service.ChatService
	msgSvc  *service.MessageService
	store   *storage.Store
}

func NewHandler(userSvc *service.UserService, chatSvc *service.ChatService, msgSvc *service.MessageService, store *storage.Store) *Handler {
	return &Handler{userSvc: userSvc, chatSvc: chatSvc, msgSvc: msgSvc, store: store}
}

// respondServiceErr 把业务错误映射到 HTTP 状态码；未知错误记日志返回 500。
func respondServiceErr(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrNotAParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrGone):
		c.JSON(http.StatusGone, gin.H{"error": "message deleted for everyone"})
	default:
		log.Error().Err(err).Msg(logMsg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": logMsg})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.UserID, "username": result.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateChat 创建会话，请求方自动计入成员。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		ParticipantIDs []uint `json:"participant_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ParticipantIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	chat, err := h.chatSvc.Create(auth.GetUserID(c), req.ParticipantIDs)
	if err != nil {
		respondServiceErr(c, err, "failed to create chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// ListChats 返回请求方参与的会话及各会话未读数。
func (h *Handler) ListChats(c *gin.Context) {
	userID := auth.GetUserID(c)
	chats, err := h.chatSvc.ListForUser(userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("list chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	type chatWithUnread struct {
		service.ChatDTO
		Unread int64 `json:"unread"`
	}
	out := make([]chatWithUnread, 0, len(chats))
	for _, chat := range chats {
		unread, err := h.msgSvc.UnreadCount(chat.ID, userID)
		if err != nil {
			log.Error().Err(err).Uint("chat_id", chat.ID).Msg("list chats unread")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
			return
		}
		out = append(out, chatWithUnread{ChatDTO: chat, Unread: unread})
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

// SendMessage 发送消息，multipart 请求可带一个 attachment 文件。
func (h *Handler) SendMessage(c *gin.Context) {
	var chatID uint
	var content string
	var attachmentRef *string

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		v, err := strconv.Atoi(c.PostForm("chat_id"))
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
			return
		}
		chatID = uint(v)
		content = strings.TrimSpace(c.PostForm("content"))
		if fh, err := c.FormFile("attachment"); err == nil {
			ref, err := h.store.Save(fh)
			if err != nil {
				if errors.Is(err, storage.ErrUnsupportedType) {
					c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported attachment"})
					return
				}
				log.Error().Err(err).Msg("save attachment")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store attachment"})
				return
			}
			attachmentRef = &ref
		}
	} else {
		var req struct {
			ChatID  uint   `json:"chat_id"`
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		chatID = req.ChatID
		content = strings.TrimSpace(req.Content)
	}

	if content == "" && attachmentRef == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, err := h.msgSvc.Send(chatID, auth.GetUserID(c), content, attachmentRef)
	if err != nil {
		respondServiceErr(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ListMessages 分页返回会话消息。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListByChat(chatID, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		respondServiceErr(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SearchMessages 在请求方可见的消息中模糊搜索。
func (h *Handler) SearchMessages(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}
	var chatID uint
	if cid := c.Query("chat_id"); cid != "" {
		if v, err := strconv.Atoi(cid); err == nil && v > 0 {
			chatID = uint(v)
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	msgs, err := h.msgSvc.Search(auth.GetUserID(c), query, chatID, limit)
	if err != nil {
		respondServiceErr(c, err, "failed to search messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// EditMessage 编辑自己发的消息。
func (h *Handler) EditMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Edit(messageID, auth.GetUserID(c), strings.TrimSpace(req.Content))
	if err != nil {
		respondServiceErr(c, err, "failed to edit message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteForSelf 只对自己隐藏消息，幂等。
func (h *Handler) DeleteForSelf(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.DeleteForSelf(messageID, auth.GetUserID(c)); err != nil {
		respondServiceErr(c, err, "failed to delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": "self"})
}

// DeleteForBoth 全局撤回自己发的消息。
func (h *Handler) DeleteForBoth(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.DeleteForBoth(messageID, auth.GetUserID(c)); err != nil {
		respondServiceErr(c, err, "failed to delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": "both"})
}

// MarkRead 标记单条消息已读，幂等。
func (h *Handler) MarkRead(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.MarkRead(messageID, auth.GetUserID(c)); err != nil {
		respondServiceErr(c, err, "failed to mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// MarkAllRead 批量标记会话内全部未读为已读。
func (h *Handler) MarkAllRead(c *gin.Context) {
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.MarkAllReadInChat(chatID, auth.GetUserID(c)); err != nil {
		respondServiceErr(c, err, "failed to mark all read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// UnreadCount 返回会话内请求方的未读数。
func (h *Handler) UnreadCount(c *gin.Context) {
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	count, err := h.msgSvc.UnreadCount(chatID, auth.GetUserID(c))
	if err != nil {
		respondServiceErr(c, err, "failed to count unread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// ReadStatus 返回消息的逐接收者投递状态。
func (h *Handler) ReadStatus(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	statuses, err := h.msgSvc.ReadStatusOf(messageID, auth.GetUserID(c))
	if err != nil {
		respondServiceErr(c, err, "failed to get read status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}
