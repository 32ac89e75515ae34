package models

// 网络规则类型
const (
	NetworkRuleBlock = "block"
	NetworkRuleLimit = "limit"
)

// NetworkRule 按来源 IP 配置的封禁或每日限额规则
type NetworkRule struct {
	IP         string  `gorm:"primaryKey;size:45" json:"ip"`
	Kind       string  `gorm:"size:10;not null" json:"kind"`
	DailyLimit *int    `gorm:"column:daily_limit" json:"daily_limit,omitempty"`
	Reason     *string `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  string  `gorm:"column:created_at;size:50;not null" json:"created_at"`
	UpdatedAt  string  `gorm:"column:updated_at;size:50;not null" json:"updated_at"`
}

// TableName 指定表名
func (NetworkRule) TableName() string {
	return "network_rules"
}

// NetworkRuleUpsert 创建或更新网络规则
type NetworkRuleUpsert struct {
	IP         string  `json:"ip" binding:"required"`
	Kind       string  `json:"kind" binding:"required"`
	DailyLimit *int    `json:"daily_limit"`
	Reason     *string `json:"reason"`
}

// NetworkRequestCounter (ip, 日期) 维度的请求计数，日期变化即自然重置
type NetworkRequestCounter struct {
	IP      string `gorm:"primaryKey;size:45" json:"ip"`
	ReqDate string `gorm:"column:req_date;primaryKey;size:10" json:"req_date"`
	Hits    int    `gorm:"default:0" json:"hits"`
}

// TableName 指定表名
func (NetworkRequestCounter) TableName() string {
	return "network_request_counters"
}
