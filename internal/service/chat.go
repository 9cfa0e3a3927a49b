package service

import (
	"errors"
	"time"

	"github.com/QwertyMD/chat-app/internal/models"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ChatService 封装会话与成员关系的业务逻辑。
// 同时为 fanout 提供成员解析、为 presence 提供会话列表。
type ChatService struct {
	db *gorm.DB
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db}
}

// ChatDTO 是对外输出的会话数据。
type ChatDTO struct {
	ID             uint      `json:"id"`
	CreatorID      uint      `json:"creator_id"`
	ParticipantIDs []uint    `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

// Create 创建会话，creator 自动计入成员。成员 ID 去重后必须都是已注册用户。
func (s *ChatService) Create(creatorID uint, participantIDs []uint) (*ChatDTO, error) {
	ids := lo.Uniq(append([]uint{creatorID}, participantIDs...))
	if len(ids) < 2 {
		return nil, errors.New("chat needs at least two participants")
	}

	var count int64
	if err := s.db.Model(&models.User{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		return nil, err
	}
	if int(count) != len(ids) {
		return nil, ErrNotFound
	}

	chat := models.Chat{CreatorID: creatorID}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		rows := lo.Map(ids, func(uid uint, _ int) models.ChatParticipant {
			return models.ChatParticipant{ChatID: chat.ID, UserID: uid}
		})
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return &ChatDTO{ID: chat.ID, CreatorID: creatorID, ParticipantIDs: ids, CreatedAt: chat.CreatedAt}, nil
}

// ListForUser 返回用户参与的会话，按创建时间倒序。
func (s *ChatService) ListForUser(userID uint) ([]ChatDTO, error) {
	chatIDs, err := s.ChatIDsOf(userID)
	if err != nil {
		return nil, err
	}
	if len(chatIDs) == 0 {
		return []ChatDTO{}, nil
	}

	var chats []models.Chat
	if err := s.db.Where("id IN ?", chatIDs).Order("id desc").Find(&chats).Error; err != nil {
		return nil, err
	}
	var parts []models.ChatParticipant
	if err := s.db.Where("chat_id IN ?", chatIDs).Find(&parts).Error; err != nil {
		return nil, err
	}
	byChat := lo.GroupBy(parts, func(p models.ChatParticipant) uint { return p.ChatID })

	out := make([]ChatDTO, 0, len(chats))
	for _, c := range chats {
		ids := lo.Map(byChat[c.ID], func(p models.ChatParticipant, _ int) uint { return p.UserID })
		out = append(out, ChatDTO{ID: c.ID, CreatorID: c.CreatorID, ParticipantIDs: ids, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

// ParticipantIDs 实现 fanout.ParticipantSource。
func (s *ChatService) ParticipantIDs(chatID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.ChatParticipant{}).Where("chat_id = ?", chatID).Pluck("user_id", &ids).Error
	return ids, err
}

// ChatIDsOf 实现 presence.ChatSource。
func (s *ChatService) ChatIDsOf(userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.ChatParticipant{}).Where("user_id = ?", userID).Pluck("chat_id", &ids).Error
	return ids, err
}

// IsParticipant 检查成员资格；会话不存在返回 ErrNotFound。
func (s *ChatService) IsParticipant(chatID, userID uint) error {
	var chat models.Chat
	if err := s.db.First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	var count int64
	if err := s.db.Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotAParticipant
	}
	return nil
}
