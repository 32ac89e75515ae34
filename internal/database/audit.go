package database

import (
	"context"
	"fmt"
	"time"

	"chat-relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateAuditLog 写入一条审计日志
func (db *DB) CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	prepareAuditEntry(entry)
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Create(entry).Error
	})
}

// BatchCreateAuditLogs 批量写入审计日志
func (db *DB) BatchCreateAuditLogs(ctx context.Context, entries []*models.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		prepareAuditEntry(e)
	}
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.CreateInBatches(entries, 100).Error
		})
	})
}

func prepareAuditEntry(entry *models.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = models.CurrentTime()
	}
	entry.Content = models.TruncateAuditContent(entry.Content)
	if len(entry.UserAgent) > 500 {
		entry.UserAgent = entry.UserAgent[:500]
	}
}

// GetAuditLogs 按条件分页查询审计日志
func (db *DB) GetAuditLogs(ctx context.Context, filter *models.AuditLogFilter) ([]*models.AuditLogEntry, int64, error) {
	if filter == nil {
		filter = &models.AuditLogFilter{}
	}
	query := applyAuditFilter(db.gorm.WithContext(ctx).Model(&models.AuditLogEntry{}), filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计日志失败: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var entries []*models.AuditLogEntry
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return entries, total, nil
}

func applyAuditFilter(query *gorm.DB, filter *models.AuditLogFilter) *gorm.DB {
	if filter == nil {
		return query
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.IP != "" {
		query = query.Where("ip = ?", filter.IP)
	}
	if filter.IdentityID != "" {
		query = query.Where("identity_id = ?", filter.IdentityID)
	}
	if filter.StartTime != "" {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != "" {
		query = query.Where("created_at <= ?", filter.EndTime)
	}
	return query
}

// CleanupOldAuditLogs 删除超过保留天数的审计日志
func (db *DB) CleanupOldAuditLogs(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 7
	}
	cutoff := time.Now().AddDate(0, 0, -daysToKeep).Format(models.TimeFormat)
	result := db.gorm.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLogEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理审计日志失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}
