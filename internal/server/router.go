package server

import (
	"net/http"
	"time"

	"github.com/QwertyMD/chat-app/internal/auth"
	"github.com/QwertyMD/chat-app/internal/config"
	"github.com/QwertyMD/chat-app/internal/fanout"
	"github.com/QwertyMD/chat-app/internal/metrics"
	"github.com/QwertyMD/chat-app/internal/mw"
	"github.com/QwertyMD/chat-app/internal/presence"
	"github.com/QwertyMD/chat-app/internal/registry"
	"github.com/QwertyMD/chat-app/internal/service"
	"github.com/QwertyMD/chat-app/internal/storage"
	"github.com/QwertyMD/chat-app/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 组装全部依赖并初始化 Gin 中间件、REST API 与 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, reg *registry.Registry, store *storage.Store) *gin.Engine {
	chatSvc := service.NewChatService(db)
	dispatcher := fanout.NewDispatcher(reg, chatSvc)
	reg.OnTransition(presence.NewTracker(chatSvc, dispatcher).HandleTransition)

	userSvc := service.NewUserService(db, cfg)
	msgSvc := service.NewMessageService(db, reg, dispatcher, chatSvc)
	h := NewHandler(userSvc, chatSvc, msgSvc, store)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))
	r.MaxMultipartMemory = storage.MaxAttachmentSize

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats", h.ListChats)
	authed.GET("/chats/:id/messages", h.ListMessages)
	authed.GET("/chats/:id/unread", h.UnreadCount)
	authed.POST("/chats/:id/read-all", h.MarkAllRead)

	authed.POST("/messages", h.SendMessage)
	authed.GET("/messages/search", h.SearchMessages)
	authed.PATCH("/messages/:id", h.EditMessage)
	authed.DELETE("/messages/user/:id", h.DeleteForSelf)
	authed.DELETE("/messages/both/:id", h.DeleteForBoth)
	authed.POST("/messages/:id/read", h.MarkRead)
	authed.GET("/messages/:id/status", h.ReadStatus)

	r.GET("/ws", ws.Serve(reg, dispatcher, chatSvc, db, cfg))
	r.Static("/uploads", store.Dir())

	return r
}
