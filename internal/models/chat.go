package models

import "strings"

// Tier 服务等级，同时决定后端模型与配额池
type Tier string

const (
	TierNormal   Tier = "normal"
	TierEnhanced Tier = "enhanced"
	TierPro      Tier = "pro"
)

// AllTiers 按等级顺序排列的全部等级
var AllTiers = []Tier{TierNormal, TierEnhanced, TierPro}

// ParseTier 解析等级字符串，空字符串视为 normal
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierNormal:
		return TierNormal, true
	case TierEnhanced:
		return TierEnhanced, true
	case TierPro:
		return TierPro, true
	}
	return "", false
}

// IsPremium 是否为需要消耗配额的高级等级
func (t Tier) IsPremium() bool {
	return t == TierEnhanced || t == TierPro
}

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 对话历史中的一条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientContext 客户端上报的上下文信息
type ClientContext struct {
	Device string `json:"device"`
	Region string `json:"region"`
}

// ChatTurnRequest 单轮对话请求体
type ChatTurnRequest struct {
	ConversationID string        `json:"conversation_id"`
	Tier           string        `json:"tier"`
	PersonaID      string        `json:"persona_id"`
	CustomPrompt   string        `json:"custom_prompt"`
	Messages       []ChatMessage `json:"messages"`
	Client         ClientContext `json:"client"`
}

// LatestUserMessage 返回历史中最后一条用户消息
func (r *ChatTurnRequest) LatestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Usage 后端上报的 token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// QuotaRemaining 终止帧中返回的剩余配额
type QuotaRemaining struct {
	Enhanced int `json:"enhanced"`
	Pro      int `json:"pro"`
}
