package models

// Identity 由调用方不透明令牌解析出的身份记录
type Identity struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	Token         string `gorm:"size:255;uniqueIndex;not null" json:"-"`
	DisplayName   string `gorm:"column:display_name;size:255" json:"display_name"`
	Region        string `gorm:"size:100" json:"region"`
	TrustTag      string `gorm:"column:trust_tag;size:50" json:"trust_tag"`
	QuotaEnhanced int    `gorm:"column:quota_enhanced;default:0" json:"quota_enhanced"`
	QuotaPro      int    `gorm:"column:quota_pro;default:0" json:"quota_pro"`
	CreatedAt     string `gorm:"column:created_at;size:50;not null;index" json:"created_at"`
	UpdatedAt     string `gorm:"column:updated_at;size:50;not null" json:"updated_at"`
}

// TableName 指定表名
func (Identity) TableName() string {
	return "identities"
}

// Quota 返回指定等级的剩余配额，normal 等级不计配额
func (i *Identity) Quota(tier Tier) int {
	switch tier {
	case TierEnhanced:
		return i.QuotaEnhanced
	case TierPro:
		return i.QuotaPro
	}
	return 0
}

// Remaining 转换为终止帧中的剩余配额
func (i *Identity) Remaining() QuotaRemaining {
	return QuotaRemaining{Enhanced: i.QuotaEnhanced, Pro: i.QuotaPro}
}

// IdentityResolve 身份解析请求体
type IdentityResolve struct {
	Token       string `json:"token" binding:"required"`
	DisplayName string `json:"display_name"`
	Region      string `json:"region"`
}

// IdentityUpdate 管理员编辑/充值身份
type IdentityUpdate struct {
	DisplayName   *string `json:"display_name"`
	Region        *string `json:"region"`
	TrustTag      *string `json:"trust_tag"`
	QuotaEnhanced *int    `json:"quota_enhanced"`
	QuotaPro      *int    `json:"quota_pro"`
	// 在现有配额上叠加
	AddEnhanced *int `json:"add_enhanced"`
	AddPro      *int `json:"add_pro"`
}
