package fanout

import "time"

// 实时事件类型。message.deleted.self 只推给操作者自己的其他设备。
const (
	EventMessageCreated         = "message.created"
	EventMessageEdited          = "message.edited"
	EventMessageDeletedSelf     = "message.deleted.self"
	EventMessageDeletedEveryone = "message.deleted.everyone"
	EventReceiptUpdated         = "receipt.updated"
	EventPresenceOnline         = "presence.online"
	EventPresenceOffline        = "presence.offline"
	EventTyping                 = "typing"
)

// Envelope 是推送到连接的统一事件信封。
type Envelope struct {
	Type     string      `json:"type"`
	ChatID   uint        `json:"chat_id"`
	Payload  interface{} `json:"payload"`
	ServerTS time.Time   `json:"server_ts"`
}

// NewEnvelope 填充服务端时间戳。
func NewEnvelope(eventType string, chatID uint, payload interface{}) Envelope {
	return Envelope{Type: eventType, ChatID: chatID, Payload: payload, ServerTS: time.Now()}
}
