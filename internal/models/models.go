package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat 表示一个成员固定的会话，成员关系存放在 ChatParticipant。
type Chat struct {
	ID        uint `gorm:"primaryKey"`
	CreatorID uint `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatParticipant struct {
	ChatID    uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false;index:idx_participant_user"`
	CreatedAt time.Time
}

// Message 的删除分两种：DeletedForEveryoneAt 为全局撤回（终态），
// 仅对自己删除记录在 MessageHide，不影响其他成员的视图。
type Message struct {
	ID                   uint   `gorm:"primaryKey"`
	ChatID               uint   `gorm:"index:idx_msg_chat;not null"`
	SenderID             uint   `gorm:"index;not null"`
	Content              string `gorm:"type:text;not null"`
	AttachmentRef        *string
	CreatedAt            time.Time
	EditedAt             *time.Time
	DeletedForEveryoneAt *time.Time
}

// MessageHide 是单个用户对单条消息的可见性开关（仅对自己删除）。
type MessageHide struct {
	MessageID uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	HiddenAt  time.Time
}

// ReadReceipt 每个 (消息, 接收者) 一行，发送者本人没有回执。
// 生命周期单调：null → delivered → read，不允许回退。
// ChatID 冗余一份，便于按会话批量更新与统计未读。
type ReadReceipt struct {
	ID          uint `gorm:"primaryKey"`
	MessageID   uint `gorm:"uniqueIndex:uk_receipt_msg_recipient;not null"`
	RecipientID uint `gorm:"uniqueIndex:uk_receipt_msg_recipient;index:idx_receipt_recipient;not null"`
	ChatID      uint `gorm:"index:idx_receipt_chat;not null"`
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
