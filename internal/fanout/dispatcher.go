package fanout

import (
	"encoding/json"
	"sync"

	"github.com/QwertyMD/chat-app/internal/metrics"
	"github.com/QwertyMD/chat-app/internal/registry"
	"github.com/rs/zerolog/log"
)

// ParticipantSource 解析会话的成员集合，由 service 层实现。
type ParticipantSource interface {
	ParticipantIDs(chatID uint) ([]uint, error)
}

// Dispatcher 把持久化之后的事件推给在线连接。
// 每个会话一个串行 worker，保证同一会话内的事件按提交顺序送达；
// 推送是 best-effort，失败不回传给触发方，离线端靠拉取对账补齐。
type Dispatcher struct {
	mu    sync.RWMutex
	chats map[uint]*chatWorker

	reg   *registry.Registry
	parts ParticipantSource
}

func NewDispatcher(reg *registry.Registry, parts ParticipantSource) *Dispatcher {
	return &Dispatcher{
		chats: make(map[uint]*chatWorker),
		reg:   reg,
		parts: parts,
	}
}

// Broadcast 把事件推给会话的全部成员（含发起者的其他设备）。
func (d *Dispatcher) Broadcast(chatID uint, env Envelope) {
	d.worker(chatID).enqueue(job{env: env})
}

// ToUser 只把事件推给单个用户的设备，用于 message.deleted.self。
func (d *Dispatcher) ToUser(chatID uint, userID uint, env Envelope) {
	d.worker(chatID).enqueue(job{env: env, only: userID, hasOnly: true})
}

// worker 懒加载会话级 worker，双重检查避免重复创建。
func (d *Dispatcher) worker(chatID uint) *chatWorker {
	d.mu.RLock()
	w := d.chats[chatID]
	d.mu.RUnlock()
	if w != nil {
		return w
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	w = d.chats[chatID]
	if w != nil {
		return w
	}
	w = &chatWorker{
		chatID: chatID,
		jobs:   make(chan job, 256),
		d:      d,
	}
	d.chats[chatID] = w
	go w.run()
	return w
}

type job struct {
	env     Envelope
	only    uint
	hasOnly bool
}

type chatWorker struct {
	chatID uint
	jobs   chan job
	d      *Dispatcher
}

// enqueue 非阻塞入队：队列塞满时丢弃本次推送（可由拉取路径恢复），
// 绝不让触发操作等待网络消费者。
func (w *chatWorker) enqueue(j job) {
	select {
	case w.jobs <- j:
	default:
		metrics.PushesDropped.Inc()
	}
}

func (w *chatWorker) run() {
	for j := range w.jobs {
		w.deliver(j)
	}
}

func (w *chatWorker) deliver(j job) {
	data, err := json.Marshal(j.env)
	if err != nil {
		log.Error().Err(err).Str("type", j.env.Type).Msg("fanout marshal")
		return
	}

	var targets []uint
	if j.hasOnly {
		targets = []uint{j.only}
	} else {
		targets, err = w.d.parts.ParticipantIDs(w.chatID)
		if err != nil {
			log.Error().Err(err).Uint("chat_id", w.chatID).Msg("fanout resolve participants")
			return
		}
	}

	metrics.EventsDispatched.WithLabelValues(j.env.Type).Inc()
	for _, uid := range targets {
		for _, c := range w.d.reg.ConnectionsOf(uid) {
			if err := c.Push(data); err != nil {
				// 连接已关闭或缓冲满：静默丢弃，等客户端拉取补齐。
				metrics.PushesDropped.Inc()
			}
		}
	}
}
