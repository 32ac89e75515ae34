package database

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetConversation 查询会话，不存在时返回 nil, nil
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return &conv, nil
}

// ErrConversationOwner 会话已被其他身份占用
var ErrConversationOwner = errors.New("会话归属于其他身份")

// SaveTurn 在同一事务中确保会话存在并追加本轮消息
// 会话已存在时保持不变；消息 ID 重复时跳过，便于至少一次写入的重放
// 已存在的会话归属与 conv 不一致时返回 ErrConversationOwner，不写入任何消息
func (db *DB) SaveTurn(ctx context.Context, conv *models.Conversation, messages []*models.Message) error {
	owner := ""
	if conv.IdentityID != nil {
		owner = *conv.IdentityID
	}
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(conv).Error; err != nil {
				return fmt.Errorf("创建会话失败: %w", err)
			}
			// 并发的首轮可能抢先创建了同 ID 会话
			var existing models.Conversation
			if err := tx.Where("id = ?", conv.ID).First(&existing).Error; err != nil {
				return fmt.Errorf("查询会话失败: %w", err)
			}
			if !existing.OwnedBy(owner) {
				return ErrConversationOwner
			}
			if len(messages) == 0 {
				return nil
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&messages).Error; err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
			return nil
		})
	})
}

// GetConversationMessages 按创建时间升序返回会话消息
func (db *DB) GetConversationMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var messages []*models.Message
	err := db.gorm.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("查询会话消息失败: %w", err)
	}
	return messages, nil
}

// CountMessages 统计会话消息数量
func (db *DB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := db.gorm.WithContext(ctx).Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error
	return count, err
}
