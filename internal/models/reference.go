package models

// ModerationWord 审核词表
type ModerationWord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Word      string `gorm:"size:191;uniqueIndex;not null" json:"word"`
	CreatedAt string `gorm:"column:created_at;size:50" json:"created_at"`
}

// TableName 指定表名
func (ModerationWord) TableName() string {
	return "moderation_words"
}

// ModelMapping 等级到后端模型标识的映射
type ModelMapping struct {
	Tier      string `gorm:"primaryKey;size:20" json:"tier"`
	Model     string `gorm:"size:100;not null" json:"model"`
	UpdatedAt string `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (ModelMapping) TableName() string {
	return "model_mappings"
}

// PromptCharLimit 等级对应的系统提示词字符上限
type PromptCharLimit struct {
	Tier      string `gorm:"primaryKey;size:20" json:"tier"`
	MaxChars  int    `gorm:"column:max_chars;not null" json:"max_chars"`
	UpdatedAt string `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (PromptCharLimit) TableName() string {
	return "prompt_char_limits"
}

// DefaultPromptCharLimits 未配置时的默认字符预算
var DefaultPromptCharLimits = map[Tier]int{
	TierNormal:   1200,
	TierEnhanced: 1600,
	TierPro:      2000,
}

// Persona 人设模板
type Persona struct {
	ID           string `gorm:"primaryKey;size:64" json:"id"`
	Name         string `gorm:"size:255;not null" json:"name"`
	Instructions string `gorm:"type:text" json:"instructions"`
	CreatedAt    string `gorm:"column:created_at;size:50" json:"created_at"`
}

// TableName 指定表名
func (Persona) TableName() string {
	return "personas"
}

// PersonaCreate 创建人设请求
type PersonaCreate struct {
	ID           string `json:"id"`
	Name         string `json:"name" binding:"required"`
	Instructions string `json:"instructions"`
}
