package models

// Conversation 会话记录，首次成功对话时创建
type Conversation struct {
	ID         string  `gorm:"primaryKey;size:64" json:"id"`
	IdentityID *string `gorm:"column:identity_id;size:36;index" json:"identity_id,omitempty"`
	PersonaID  string  `gorm:"column:persona_id;size:64" json:"persona_id"`
	Tier       string  `gorm:"size:20" json:"tier"`
	CreatedAt  string  `gorm:"column:created_at;size:50;not null" json:"created_at"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

// OwnedBy 判断会话是否归属于指定身份（空字符串表示匿名）
func (c *Conversation) OwnedBy(identityID string) bool {
	if c.IdentityID == nil {
		return identityID == ""
	}
	return *c.IdentityID == identityID
}

// Message 会话中的一条消息，只追加不修改
type Message struct {
	ID               string `gorm:"primaryKey;size:26" json:"id"`
	ConversationID   string `gorm:"column:conversation_id;size:64;not null;index:idx_messages_conv_time,priority:1" json:"conversation_id"`
	Role             string `gorm:"size:20;not null" json:"role"`
	Content          string `gorm:"type:text" json:"content"`
	PromptTokens     int    `gorm:"column:prompt_tokens;default:0" json:"prompt_tokens"`
	CompletionTokens int    `gorm:"column:completion_tokens;default:0" json:"completion_tokens"`
	CreatedAt        string `gorm:"column:created_at;size:50;not null;index:idx_messages_conv_time,priority:2" json:"created_at"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}
