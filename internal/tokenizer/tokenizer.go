// Package tokenizer 在上游未返回用量时估算 token 数
package tokenizer

import "chat-relay/internal/models"

// 每条消息的角色与格式开销
const messageOverhead = 4

// Count 估算单段文本的 token 数
func Count(text string) int {
	return countBPE(text)
}

// CountMessages 估算系统提示词与对话历史的 token 数
func CountMessages(instructions string, messages []models.ChatMessage) int {
	total := Count(instructions)
	for _, msg := range messages {
		total += Count(msg.Role) + messageOverhead
		total += Count(msg.Content)
	}
	return total
}

// EstimateUsage 根据请求与回复文本构造估算用量
func EstimateUsage(instructions string, messages []models.ChatMessage, completion string) models.Usage {
	prompt := CountMessages(instructions, messages)
	completionTokens := Count(completion)
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}
