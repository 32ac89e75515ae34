package models

// Proxy 后端出口代理配置
type Proxy struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	URL       string `gorm:"column:url;type:text;not null" json:"url"` // 支持 http/https/socks5
	Name      string `gorm:"column:name;size:100" json:"name"`
	Enabled   bool   `gorm:"column:enabled;default:true" json:"enabled"`
	Weight    int    `gorm:"column:weight;default:1" json:"weight"` // 加权策略使用
	CreatedAt string `gorm:"column:created_at;size:50" json:"created_at"`
	UpdatedAt string `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (Proxy) TableName() string {
	return "proxies"
}

// ProxyCreate 创建代理请求
type ProxyCreate struct {
	URL     string `json:"url" binding:"required"`
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled"`
	Weight  *int   `json:"weight"`
}
