package registry

import (
	"sync"
	"time"

	"github.com/QwertyMD/chat-app/internal/metrics"
	"github.com/google/uuid"
)

// Sink 是一条能接收推送的实时连接，由传输层实现。
// Push 必须是非阻塞的，推送失败只代表这条连接错过了本次事件。
type Sink interface {
	Push(data []byte) error
}

// Conn 是一次在线会话，仅在传输会话存活期间存在，不落库。
type Conn struct {
	ID       string
	UserID   uint
	OpenedAt time.Time
	sink     Sink
}

// Push 将事件交给底层连接，失败静默处理。
func (c *Conn) Push(data []byte) error {
	return c.sink.Push(data)
}

// TransitionFunc 在用户连接数跨越 0↔1 时被调用，online 表示方向。
type TransitionFunc func(userID uint, online bool)

// Registry 维护 userID → 在线连接集合 的并发安全映射，支持多端同时在线。
type Registry struct {
	mu         sync.RWMutex
	byUser     map[uint]map[string]*Conn
	byConn     map[string]*Conn
	transition TransitionFunc
}

func New() *Registry {
	return &Registry{
		byUser: make(map[uint]map[string]*Conn),
		byConn: make(map[string]*Conn),
	}
}

// OnTransition 注册 0↔1 跨越回调，必须在开始接收连接前设置。
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	r.transition = fn
	r.mu.Unlock()
}

// Register 登记一条新连接并返回其句柄。同一用户的并发注册都会保留。
func (r *Registry) Register(userID uint, sink Sink) *Conn {
	c := &Conn{ID: uuid.NewString(), UserID: userID, OpenedAt: time.Now(), sink: sink}

	r.mu.Lock()
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*Conn)
		r.byUser[userID] = conns
	}
	wasOffline := len(conns) == 0
	conns[c.ID] = c
	r.byConn[c.ID] = c
	fn := r.transition
	r.mu.Unlock()

	metrics.WsConnections.Inc()
	if wasOffline && fn != nil {
		fn(userID, true)
	}
	return c
}

// Unregister 立即移除连接；未知 ID 是 no-op（连接可能被关闭两次）。
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	conns := r.byUser[c.UserID]
	delete(conns, connID)
	nowOffline := len(conns) == 0
	if nowOffline {
		delete(r.byUser, c.UserID)
	}
	fn := r.transition
	r.mu.Unlock()

	metrics.WsConnections.Dec()
	if nowOffline && fn != nil {
		fn(c.UserID, false)
	}
}

// ConnectionsOf 返回用户当前全部在线连接的快照，可能为空。
func (r *Registry) ConnectionsOf(userID uint) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}
