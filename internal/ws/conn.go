package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/QwertyMD/chat-app/internal/auth"
	"github.com/QwertyMD/chat-app/internal/config"
	"github.com/QwertyMD/chat-app/internal/fanout"
	"github.com/QwertyMD/chat-app/internal/models"
	"github.com/QwertyMD/chat-app/internal/registry"
	"github.com/QwertyMD/chat-app/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// ErrClosed 表示推送目标连接已经关闭或写缓冲已满。
var ErrClosed = errors.New("ws: connection closed")

// Client 是单个 WebSocket 会话，实现 registry.Sink。
// 一个用户可以同时持有多个 Client（多端在线）。
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	userID    uint
	username  string
}

// Push 非阻塞投递：连接已关闭或缓冲满时返回 ErrClosed，由调度层静默丢弃。
func (c *Client) Push(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClosed
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundEvent struct {
	Type     string `json:"type"`
	ChatID   uint   `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// Serve 处理 /ws：鉴权后升级连接并登记到注册表。
// 入站只接受 typing 信号（不落库），消息操作全部走 REST。
func Serve(reg *registry.Registry, out *fanout.Dispatcher, chats *service.ChatService, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			conn:     wsConn,
			send:     make(chan []byte, 256),
			done:     make(chan struct{}),
			userID:   user.ID,
			username: user.Username,
		}
		conn := reg.Register(user.ID, client)

		go client.writePump()
		client.readPump(reg, conn.ID, out, chats)
	}
}

func (c *Client) readPump(reg *registry.Registry, connID string, out *fanout.Dispatcher, chats *service.ChatService) {
	defer func() {
		// 先出注册表再关闭，保证不会再有推送指向这条连接。
		reg.Unregister(connID)
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inboundEvent
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "typing" || in.ChatID == 0 {
			continue
		}
		if err := chats.IsParticipant(in.ChatID, c.userID); err != nil {
			continue
		}
		payload := map[string]interface{}{"user_id": c.userID, "username": c.username, "is_typing": in.IsTyping}
		out.Broadcast(in.ChatID, fanout.NewEnvelope(fanout.EventTyping, in.ChatID, payload))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
