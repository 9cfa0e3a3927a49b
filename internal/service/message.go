package service

import (
	"errors"
	"time"

	"github.com/QwertyMD/chat-app/internal/fanout"
	"github.com/QwertyMD/chat-app/internal/metrics"
	"github.com/QwertyMD/chat-app/internal/models"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Presence 回答某用户当前是否在线（注册表视角）。
type Presence interface {
	IsOnline(userID uint) bool
}

// EventSink 是 fanout.Dispatcher 的推送面。
type EventSink interface {
	Broadcast(chatID uint, env fanout.Envelope)
	ToUser(chatID uint, userID uint, env fanout.Envelope)
}

// MessageService 是消息生命周期的唯一写入方：创建、编辑、两种删除、
// 已读回执都经由它落库，落库成功后再把事件交给 fanout。
// 推送丢失不影响正确性，未读数与回执状态始终以库中行为准。
type MessageService struct {
	db       *gorm.DB
	presence Presence
	events   EventSink
	chats    *ChatService
}

func NewMessageService(db *gorm.DB, presence Presence, events EventSink, chats *ChatService) *MessageService {
	return &MessageService{db: db, presence: presence, events: events, chats: chats}
}

// MessageDTO 是对外输出的消息数据。被全局撤回的消息内容置空。
type MessageDTO struct {
	ID            uint       `json:"id"`
	ChatID        uint       `json:"chat_id"`
	SenderID      uint       `json:"sender_id"`
	Username      string     `json:"username,omitempty"`
	Content       string     `json:"content"`
	AttachmentRef *string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	Withdrawn     bool       `json:"withdrawn,omitempty"`
}

func toDTO(m models.Message) MessageDTO {
	dto := MessageDTO{
		ID:            m.ID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		Content:       m.Content,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt,
		EditedAt:      m.EditedAt,
	}
	if m.DeletedForEveryoneAt != nil {
		dto.Withdrawn = true
		dto.Content = ""
		dto.AttachmentRef = nil
	}
	return dto
}

// Send 创建消息并为除发送者外的每个成员建一行回执；
// 当时在线的成员回执立即标记 delivered，离线成员留空等对账补齐。
// 持久化成功即返回，推送不阻塞调用方。
func (s *MessageService) Send(chatID, senderID uint, content string, attachmentRef *string) (*MessageDTO, error) {
	if err := s.chats.IsParticipant(chatID, senderID); err != nil {
		return nil, err
	}

	msg := models.Message{ChatID: chatID, SenderID: senderID, Content: content, AttachmentRef: attachmentRef}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		participantIDs, err := s.chats.ParticipantIDs(chatID)
		if err != nil {
			return err
		}
		now := time.Now()
		receipts := make([]models.ReadReceipt, 0, len(participantIDs)-1)
		for _, uid := range participantIDs {
			if uid == senderID {
				continue
			}
			r := models.ReadReceipt{MessageID: msg.ID, RecipientID: uid, ChatID: chatID}
			if s.presence.IsOnline(uid) {
				r.DeliveredAt = &now
			}
			receipts = append(receipts, r)
		}
		if len(receipts) == 0 {
			return nil
		}
		return tx.Create(&receipts).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.Inc()
	dto := toDTO(msg)
	s.events.Broadcast(chatID, fanout.NewEnvelope(fanout.EventMessageCreated, chatID, dto))
	return &dto, nil
}

// Edit 只允许发送者修改，已全局撤回的消息不可再编辑。
// 编辑不重置已读回执（产品既定行为，改动需求前保持现状）。
func (s *MessageService) Edit(messageID, editorID uint, newContent string) (*MessageDTO, error) {
	msg, err := s.loadMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, ErrForbidden
	}
	if msg.DeletedForEveryoneAt != nil {
		return nil, ErrGone
	}

	now := time.Now()
	if err := s.db.Model(msg).Updates(map[string]interface{}{"content": newContent, "edited_at": now}).Error; err != nil {
		return nil, err
	}
	msg.Content = newContent
	msg.EditedAt = &now

	dto := toDTO(*msg)
	s.events.Broadcast(msg.ChatID, fanout.NewEnvelope(fanout.EventMessageEdited, msg.ChatID, dto))
	return &dto, nil
}

// DeleteForSelf 只对 userID 隐藏这条消息，重复调用是 no-op。
// 事件只推给操作者自己的其他设备。
func (s *MessageService) DeleteForSelf(messageID, userID uint) error {
	msg, err := s.loadMessage(messageID)
	if err != nil {
		return err
	}
	if err := s.chats.IsParticipant(msg.ChatID, userID); err != nil {
		return err
	}

	hide := models.MessageHide{MessageID: messageID, UserID: userID, HiddenAt: time.Now()}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&hide).Error; err != nil {
		return err
	}

	payload := map[string]interface{}{"message_id": messageID, "user_id": userID}
	s.events.ToUser(msg.ChatID, userID, fanout.NewEnvelope(fanout.EventMessageDeletedSelf, msg.ChatID, payload))
	return nil
}

// DeleteForBoth 全局撤回，仅发送者可执行，是投递意义上的终态。
// 行和回执保留用于审计与排序，内容对所有人不再可见。
func (s *MessageService) DeleteForBoth(messageID, requesterID uint) error {
	msg, err := s.loadMessage(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrForbidden
	}
	if msg.DeletedForEveryoneAt != nil {
		return ErrGone
	}

	now := time.Now()
	if err := s.db.Model(msg).Update("deleted_for_everyone_at", now).Error; err != nil {
		return err
	}

	payload := map[string]interface{}{"message_id": messageID}
	s.events.Broadcast(msg.ChatID, fanout.NewEnvelope(fanout.EventMessageDeletedEveryone, msg.ChatID, payload))
	return nil
}

// MarkRead 置位 readAt，必要时补 deliveredAt；已读则 no-op。
// 调用者不是该消息的接收者时返回 ErrNotFound（没有对应回执行）。
func (s *MessageService) MarkRead(messageID, recipientID uint) error {
	var updated bool
	var chatID uint
	now := time.Now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r models.ReadReceipt
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ? AND recipient_id = ?", messageID, recipientID).First(&r).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		chatID = r.ChatID
		if r.ReadAt != nil {
			return nil
		}
		updates := map[string]interface{}{"read_at": now}
		if r.DeliveredAt == nil {
			updates["delivered_at"] = now
		}
		updated = true
		return tx.Model(&r).Updates(updates).Error
	})
	if err != nil {
		return err
	}

	if updated {
		payload := map[string]interface{}{"message_id": messageID, "recipient_id": recipientID, "read_at": now}
		s.events.Broadcast(chatID, fanout.NewEnvelope(fanout.EventReceiptUpdated, chatID, payload))
	}
	return nil
}

// MarkAllReadInChat 单条 UPDATE 批量置已读，相对并发 Send 原子：
// 批处理开始后提交的消息留给下一次调用，不会丢失。
func (s *MessageService) MarkAllReadInChat(chatID, recipientID uint) error {
	if err := s.chats.IsParticipant(chatID, recipientID); err != nil {
		return err
	}

	now := time.Now()
	var affected int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ReadReceipt{}).
			Where("chat_id = ? AND recipient_id = ? AND read_at IS NULL", chatID, recipientID).
			Updates(map[string]interface{}{
				"read_at":      now,
				"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", now),
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}

	if affected > 0 {
		payload := map[string]interface{}{"recipient_id": recipientID, "read_at": now, "scope": "chat"}
		s.events.Broadcast(chatID, fanout.NewEnvelope(fanout.EventReceiptUpdated, chatID, payload))
	}
	return nil
}

// UnreadCount 统计未读：排除自己发的、自己已隐藏的、已全局撤回的。
func (s *MessageService) UnreadCount(chatID, recipientID uint) (int64, error) {
	if err := s.chats.IsParticipant(chatID, recipientID); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.Model(&models.ReadReceipt{}).
		Joins("JOIN messages ON messages.id = read_receipts.message_id").
		Where("read_receipts.chat_id = ? AND read_receipts.recipient_id = ? AND read_receipts.read_at IS NULL", chatID, recipientID).
		Where("messages.deleted_for_everyone_at IS NULL").
		Where("NOT EXISTS (SELECT 1 FROM message_hides WHERE message_hides.message_id = read_receipts.message_id AND message_hides.user_id = ?)", recipientID).
		Count(&count).Error
	return count, err
}

// ReceiptStatus 是单个接收者的投递状态视图。
type ReceiptStatus struct {
	RecipientID uint       `json:"recipient_id"`
	Status      string     `json:"status"` // pending / delivered / read
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// ReadStatusOf 只读视图，按接收者返回 pending/delivered/read。
func (s *MessageService) ReadStatusOf(messageID, requesterID uint) ([]ReceiptStatus, error) {
	msg, err := s.loadMessage(messageID)
	if err != nil {
		return nil, err
	}
	if err := s.chats.IsParticipant(msg.ChatID, requesterID); err != nil {
		return nil, err
	}

	var receipts []models.ReadReceipt
	if err := s.db.Where("message_id = ?", messageID).Order("recipient_id").Find(&receipts).Error; err != nil {
		return nil, err
	}
	return lo.Map(receipts, func(r models.ReadReceipt, _ int) ReceiptStatus {
		status := "pending"
		if r.ReadAt != nil {
			status = "read"
		} else if r.DeliveredAt != nil {
			status = "delivered"
		}
		return ReceiptStatus{RecipientID: r.RecipientID, Status: status, DeliveredAt: r.DeliveredAt, ReadAt: r.ReadAt}
	}), nil
}

// ListByChat 分页返回会话消息（按 id 升序），跳过查看者已隐藏的消息，
// 撤回的消息保留占位但内容置空。
func (s *MessageService) ListByChat(chatID, viewerID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if err := s.chats.IsParticipant(chatID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.Where("chat_id = ?", chatID).
		Where("NOT EXISTS (SELECT 1 FROM message_hides WHERE message_hides.message_id = messages.id AND message_hides.user_id = ?)", viewerID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m models.Message, _ int) MessageDTO {
		dto := toDTO(m)
		dto.Username = usernames[m.SenderID]
		return dto
	}), nil
}

// Search 在查看者参与的会话里按内容模糊搜索，可限定单个会话。
// 隐藏和撤回的消息不出现在结果中。
func (s *MessageService) Search(viewerID uint, query string, chatID uint, limit int) ([]MessageDTO, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := s.db.Where("content ILIKE ?", "%"+query+"%").
		Where("deleted_for_everyone_at IS NULL").
		Where("chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = ?)", viewerID).
		Where("NOT EXISTS (SELECT 1 FROM message_hides WHERE message_hides.message_id = messages.id AND message_hides.user_id = ?)", viewerID)
	if chatID > 0 {
		q = q.Where("chat_id = ?", chatID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m models.Message, _ int) MessageDTO {
		dto := toDTO(m)
		dto.Username = usernames[m.SenderID]
		return dto
	}), nil
}

func (s *MessageService) loadMessage(messageID uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	userIDs := lo.Uniq(lo.Map(msgs, func(m models.Message, _ int) uint { return m.SenderID }))
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) == 0 {
		return usernames, nil
	}
	var users []models.User
	if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		usernames[u.ID] = u.Username
	}
	return usernames, nil
}
