package database

import (
	"context"
	"fmt"
	"strconv"

	"chat-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 设置键
const (
	settingTrustedTag           = "trusted_tag"
	settingAuditRetentionDays   = "audit_retention_days"
	settingDefaultDailyLimit    = "default_daily_limit"
	settingDefaultQuotaEnhanced = "default_quota_enhanced"
	settingDefaultQuotaPro      = "default_quota_pro"
	settingDebugLog             = "debug_log"
	settingProxyPoolEnabled     = "proxy_pool_enabled"
	settingProxyPoolStrategy    = "proxy_pool_strategy"
)

// GetSettings 获取运行时设置，未配置的键使用默认值
func (db *DB) GetSettings(ctx context.Context) (*models.Settings, error) {
	settings := models.DefaultSettings()

	var settingsList []models.Setting
	if err := db.gorm.WithContext(ctx).Find(&settingsList).Error; err != nil {
		return settings, fmt.Errorf("读取设置失败: %w", err)
	}

	for _, s := range settingsList {
		switch s.Key {
		case settingTrustedTag:
			settings.TrustedTag = s.Value
		case settingAuditRetentionDays:
			settings.AuditRetentionDays = atoiOr(s.Value, settings.AuditRetentionDays)
		case settingDefaultDailyLimit:
			settings.DefaultDailyLimit = atoiOr(s.Value, settings.DefaultDailyLimit)
		case settingDefaultQuotaEnhanced:
			settings.DefaultQuotaEnhanced = atoiOr(s.Value, settings.DefaultQuotaEnhanced)
		case settingDefaultQuotaPro:
			settings.DefaultQuotaPro = atoiOr(s.Value, settings.DefaultQuotaPro)
		case settingDebugLog:
			settings.DebugLog = s.Value == "true"
		case settingProxyPoolEnabled:
			settings.ProxyPoolEnabled = s.Value == "true"
		case settingProxyPoolStrategy:
			if s.Value != "" {
				settings.ProxyPoolStrategy = s.Value
			}
		}
	}

	if settings.AuditRetentionDays <= 0 {
		settings.AuditRetentionDays = 7
	}

	return settings, nil
}

// UpdateSettings 更新运行时设置（只写入非 nil 字段）
func (db *DB) UpdateSettings(ctx context.Context, updates *models.SettingsUpdate) error {
	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsertSetting := func(key, value string) error {
			setting := models.Setting{Key: key, Value: value}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "setting_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"setting_value"}),
			}).Create(&setting).Error
		}

		pairs := make(map[string]string)
		if updates.TrustedTag != nil {
			pairs[settingTrustedTag] = *updates.TrustedTag
		}
		if updates.AuditRetentionDays != nil {
			if *updates.AuditRetentionDays <= 0 {
				return fmt.Errorf("审计日志保留天数必须大于 0")
			}
			pairs[settingAuditRetentionDays] = strconv.Itoa(*updates.AuditRetentionDays)
		}
		if updates.DefaultDailyLimit != nil {
			pairs[settingDefaultDailyLimit] = strconv.Itoa(*updates.DefaultDailyLimit)
		}
		if updates.DefaultQuotaEnhanced != nil {
			pairs[settingDefaultQuotaEnhanced] = strconv.Itoa(*updates.DefaultQuotaEnhanced)
		}
		if updates.DefaultQuotaPro != nil {
			pairs[settingDefaultQuotaPro] = strconv.Itoa(*updates.DefaultQuotaPro)
		}
		if updates.DebugLog != nil {
			pairs[settingDebugLog] = boolToString(*updates.DebugLog)
		}
		if updates.ProxyPoolEnabled != nil {
			pairs[settingProxyPoolEnabled] = boolToString(*updates.ProxyPoolEnabled)
		}
		if updates.ProxyPoolStrategy != nil {
			switch *updates.ProxyPoolStrategy {
			case models.ProxyStrategyRoundRobin, models.ProxyStrategyRandom, models.ProxyStrategyWeighted:
			default:
				return fmt.Errorf("不支持的代理选择策略: %s", *updates.ProxyPoolStrategy)
			}
			pairs[settingProxyPoolStrategy] = *updates.ProxyPoolStrategy
		}

		for key, value := range pairs {
			if err := upsertSetting(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// initDefaultSettings 首次启动时写入默认设置
func (db *DB) initDefaultSettings() error {
	defaults := models.DefaultSettings()
	seed := []models.Setting{
		{Key: settingTrustedTag, Value: defaults.TrustedTag},
		{Key: settingAuditRetentionDays, Value: strconv.Itoa(defaults.AuditRetentionDays)},
		{Key: settingDefaultDailyLimit, Value: strconv.Itoa(defaults.DefaultDailyLimit)},
		{Key: settingDefaultQuotaEnhanced, Value: strconv.Itoa(defaults.DefaultQuotaEnhanced)},
		{Key: settingDefaultQuotaPro, Value: strconv.Itoa(defaults.DefaultQuotaPro)},
	}
	return db.gorm.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// strPtr 返回字符串指针
func strPtr(s string) *string {
	return &s
}
