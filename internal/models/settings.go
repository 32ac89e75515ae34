package models

// Setting 表示数据库中的键值对设置
// 注意：使用 setting_key 而不是 key，因为 key 是 MySQL 保留字
type Setting struct {
	Key   string `gorm:"column:setting_key;primaryKey;size:100" json:"key"`
	Value string `gorm:"column:setting_value;type:text" json:"value"`
}

// TableName 指定表名
func (Setting) TableName() string {
	return "settings"
}

// 代理选择策略
const (
	ProxyStrategyRoundRobin = "round_robin"
	ProxyStrategyRandom     = "random"
	ProxyStrategyWeighted   = "weighted"
)

// DefaultTrustedTag 免输入审核的信任标记
const DefaultTrustedTag = "trusted"

// Settings 表示运行时配置（用于 API 响应）
type Settings struct {
	TrustedTag           string `json:"trustedTag"`
	AuditRetentionDays   int    `json:"auditRetentionDays"`
	DefaultDailyLimit    int    `json:"defaultDailyLimit"` // 0 表示不限制
	DefaultQuotaEnhanced int    `json:"defaultQuotaEnhanced"`
	DefaultQuotaPro      int    `json:"defaultQuotaPro"`
	DebugLog             bool   `json:"debugLog"`
	ProxyPoolEnabled     bool   `json:"proxyPoolEnabled"`
	ProxyPoolStrategy    string `json:"proxyPoolStrategy"`
}

// DefaultSettings 返回默认运行时配置
func DefaultSettings() *Settings {
	return &Settings{
		TrustedTag:           DefaultTrustedTag,
		AuditRetentionDays:   7,
		DefaultDailyLimit:    0,
		DefaultQuotaEnhanced: 10,
		DefaultQuotaPro:      3,
		ProxyPoolStrategy:    ProxyStrategyRoundRobin,
	}
}

// SettingsUpdate 表示更新设置的数据
type SettingsUpdate struct {
	TrustedTag           *string `json:"trustedTag"`
	AuditRetentionDays   *int    `json:"auditRetentionDays"`
	DefaultDailyLimit    *int    `json:"defaultDailyLimit"`
	DefaultQuotaEnhanced *int    `json:"defaultQuotaEnhanced"`
	DefaultQuotaPro      *int    `json:"defaultQuotaPro"`
	DebugLog             *bool   `json:"debugLog"`
	ProxyPoolEnabled     *bool   `json:"proxyPoolEnabled"`
	ProxyPoolStrategy    *string `json:"proxyPoolStrategy"`
}
