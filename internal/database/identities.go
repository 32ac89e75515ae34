package database

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrQuotaNotDecremented 配额为 0 时条件扣减未命中
var ErrQuotaNotDecremented = errors.New("配额不足，扣减未生效")

// quotaColumn 返回等级对应的配额列名
func quotaColumn(tier models.Tier) (string, error) {
	switch tier {
	case models.TierEnhanced:
		return "quota_enhanced", nil
	case models.TierPro:
		return "quota_pro", nil
	}
	return "", fmt.Errorf("等级 %s 没有配额池", tier)
}

// GetIdentityByToken 根据令牌查询身份，不存在时返回 nil, nil
func (db *DB) GetIdentityByToken(ctx context.Context, token string) (*models.Identity, error) {
	var identity models.Identity
	err := db.gorm.WithContext(ctx).Where("token = ?", token).First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询身份失败: %w", err)
	}
	return &identity, nil
}

// GetIdentity 根据 ID 查询身份，不存在时返回 nil, nil
func (db *DB) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	var identity models.Identity
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询身份失败: %w", err)
	}
	return &identity, nil
}

// ResolveIdentity 令牌换身份，首次出现的令牌会按默认配额创建
// 并发创建同一令牌时依赖唯一索引，冲突方重新读取
func (db *DB) ResolveIdentity(ctx context.Context, req *models.IdentityResolve, quotaEnhanced, quotaPro int) (*models.Identity, bool, error) {
	existing, err := db.GetIdentityByToken(ctx, req.Token)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := models.CurrentTime()
	identity := &models.Identity{
		ID:            uuid.New().String(),
		Token:         req.Token,
		DisplayName:   req.DisplayName,
		Region:        req.Region,
		QuotaEnhanced: quotaEnhanced,
		QuotaPro:      quotaPro,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token"}}, DoNothing: true}).
			Create(identity).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("创建身份失败: %w", err)
	}

	created, err := db.GetIdentityByToken(ctx, req.Token)
	if err != nil {
		return nil, false, err
	}
	if created == nil {
		return nil, false, fmt.Errorf("创建身份后未找到记录")
	}
	return created, created.ID == identity.ID, nil
}

// ListIdentities 分页列出身份
func (db *DB) ListIdentities(ctx context.Context, limit, offset int) ([]*models.Identity, int64, error) {
	var total int64
	if err := db.gorm.WithContext(ctx).Model(&models.Identity{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计身份数量失败: %w", err)
	}

	var identities []*models.Identity
	query := db.gorm.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&identities).Error; err != nil {
		return nil, 0, fmt.Errorf("查询身份列表失败: %w", err)
	}
	return identities, total, nil
}

// UpdateIdentity 管理员编辑或充值身份
func (db *DB) UpdateIdentity(ctx context.Context, id string, updates *models.IdentityUpdate) error {
	updateMap := map[string]interface{}{
		"updated_at": models.CurrentTime(),
	}

	if updates.DisplayName != nil {
		updateMap["display_name"] = *updates.DisplayName
	}
	if updates.Region != nil {
		updateMap["region"] = *updates.Region
	}
	if updates.TrustTag != nil {
		updateMap["trust_tag"] = *updates.TrustTag
	}
	if updates.QuotaEnhanced != nil {
		if *updates.QuotaEnhanced < 0 {
			return fmt.Errorf("增强配额不能为负数")
		}
		updateMap["quota_enhanced"] = *updates.QuotaEnhanced
	} else if updates.AddEnhanced != nil {
		updateMap["quota_enhanced"] = gorm.Expr("quota_enhanced + ?", *updates.AddEnhanced)
	}
	if updates.QuotaPro != nil {
		if *updates.QuotaPro < 0 {
			return fmt.Errorf("专业配额不能为负数")
		}
		updateMap["quota_pro"] = *updates.QuotaPro
	} else if updates.AddPro != nil {
		updateMap["quota_pro"] = gorm.Expr("quota_pro + ?", *updates.AddPro)
	}

	result := db.gorm.WithContext(ctx).Model(&models.Identity{}).Where("id = ?", id).Updates(updateMap)
	if result.Error != nil {
		return fmt.Errorf("更新身份失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DecrementQuota 条件扣减一次配额，配额为 0 时不扣减并返回 ErrQuotaNotDecremented
// 单条 UPDATE 保证并发扣减不会把计数减成负数
func (db *DB) DecrementQuota(ctx context.Context, identityID string, tier models.Tier) (*models.Identity, error) {
	column, err := quotaColumn(tier)
	if err != nil {
		return nil, err
	}

	var affected int64
	err = db.RetryOnLock(ctx, writeRetries, func() error {
		result := db.gorm.WithContext(ctx).Model(&models.Identity{}).
			Where("id = ? AND "+column+" > 0", identityID).
			Updates(map[string]interface{}{
				column:       gorm.Expr(column + " - 1"),
				"updated_at": models.CurrentTime(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return nil, fmt.Errorf("扣减配额失败: %w", err)
	}

	identity, err := db.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return identity, ErrQuotaNotDecremented
	}
	return identity, nil
}

// DeleteIdentity 删除身份并级联删除其会话与消息
func (db *DB) DeleteIdentity(ctx context.Context, id string) error {
	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convIDs := tx.Model(&models.Conversation{}).Select("id").Where("identity_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", convIDs).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("删除消息失败: %w", err)
		}
		if err := tx.Where("identity_id = ?", id).Delete(&models.Conversation{}).Error; err != nil {
			return fmt.Errorf("删除会话失败: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Identity{})
		if result.Error != nil {
			return fmt.Errorf("删除身份失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
