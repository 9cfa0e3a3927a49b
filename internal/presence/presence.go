package presence

import (
	"github.com/QwertyMD/chat-app/internal/fanout"
	"github.com/rs/zerolog/log"
)

// ChatSource 查询用户参与的全部会话，由 service 层实现。
type ChatSource interface {
	ChatIDsOf(userID uint) ([]uint, error)
}

// Broadcaster 即 fanout.Dispatcher 的广播面。
type Broadcaster interface {
	Broadcast(chatID uint, env fanout.Envelope)
}

// Tracker 把注册表的 0↔1 连接数跨越翻译成会话级上下线广播。
// 不做去抖：断线立刻重连会产生一对 offline/online 事件。
type Tracker struct {
	chats ChatSource
	out   Broadcaster
}

func NewTracker(chats ChatSource, out Broadcaster) *Tracker {
	return &Tracker{chats: chats, out: out}
}

type statusPayload struct {
	UserID uint `json:"user_id"`
	Online bool `json:"online"`
}

// HandleTransition 注册为 registry.OnTransition 回调。
func (t *Tracker) HandleTransition(userID uint, online bool) {
	chatIDs, err := t.chats.ChatIDsOf(userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("presence list chats")
		return
	}
	eventType := fanout.EventPresenceOffline
	if online {
		eventType = fanout.EventPresenceOnline
	}
	for _, chatID := range chatIDs {
		t.out.Broadcast(chatID, fanout.NewEnvelope(eventType, chatID, statusPayload{UserID: userID, Online: online}))
	}
}
