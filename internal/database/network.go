package database

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetNetworkRule 查询 IP 的网络规则，不存在时返回 nil, nil
func (db *DB) GetNetworkRule(ctx context.Context, ip string) (*models.NetworkRule, error) {
	var rule models.NetworkRule
	err := db.gorm.WithContext(ctx).Where("ip = ?", ip).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询网络规则失败: %w", err)
	}
	return &rule, nil
}

// ListNetworkRules 列出所有网络规则
func (db *DB) ListNetworkRules(ctx context.Context) ([]*models.NetworkRule, error) {
	var rules []*models.NetworkRule
	if err := db.gorm.WithContext(ctx).Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("查询网络规则失败: %w", err)
	}
	return rules, nil
}

// UpsertNetworkRule 创建或更新网络规则
func (db *DB) UpsertNetworkRule(ctx context.Context, req *models.NetworkRuleUpsert) (*models.NetworkRule, error) {
	switch req.Kind {
	case models.NetworkRuleBlock:
	case models.NetworkRuleLimit:
		if req.DailyLimit == nil || *req.DailyLimit < 0 {
			return nil, fmt.Errorf("限额规则必须提供非负的 daily_limit")
		}
	default:
		return nil, fmt.Errorf("不支持的规则类型: %s", req.Kind)
	}

	now := models.CurrentTime()
	rule := &models.NetworkRule{
		IP:         req.IP,
		Kind:       req.Kind,
		DailyLimit: req.DailyLimit,
		Reason:     req.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Kind == models.NetworkRuleBlock {
		rule.DailyLimit = nil
	}

	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "daily_limit", "reason", "updated_at"}),
	}).Create(rule).Error
	if err != nil {
		return nil, fmt.Errorf("保存网络规则失败: %w", err)
	}
	return db.GetNetworkRule(ctx, req.IP)
}

// DeleteNetworkRule 删除网络规则
func (db *DB) DeleteNetworkRule(ctx context.Context, ip string) error {
	return db.gorm.WithContext(ctx).Where("ip = ?", ip).Delete(&models.NetworkRule{}).Error
}

// GetRequestCount 查询 IP 在指定日期的请求计数
func (db *DB) GetRequestCount(ctx context.Context, ip, date string) (int, error) {
	var counter models.NetworkRequestCounter
	err := db.gorm.WithContext(ctx).Where("ip = ? AND req_date = ?", ip, date).First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("查询请求计数失败: %w", err)
	}
	return counter.Hits, nil
}

// IncrementRequestCount 为 (ip, date) 计数加一，limit > 0 时仅在计数小于 limit 时生效
// 返回是否计数成功以及计数后的值
func (db *DB) IncrementRequestCount(ctx context.Context, ip, date string, limit int) (bool, int, error) {
	var admitted bool
	err := db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seed := &models.NetworkRequestCounter{IP: ip, ReqDate: date, Hits: 0}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
				return err
			}

			query := tx.Model(&models.NetworkRequestCounter{}).Where("ip = ? AND req_date = ?", ip, date)
			if limit > 0 {
				query = query.Where("hits < ?", limit)
			}
			result := query.Update("hits", gorm.Expr("hits + 1"))
			if result.Error != nil {
				return result.Error
			}
			admitted = result.RowsAffected > 0
			return nil
		})
	})
	if err != nil {
		return false, 0, fmt.Errorf("更新请求计数失败: %w", err)
	}

	count, err := db.GetRequestCount(ctx, ip, date)
	if err != nil {
		return admitted, 0, err
	}
	return admitted, count, nil
}
