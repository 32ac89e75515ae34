package stream

import (
	"encoding/json"
	"fmt"

	"chat-relay/internal/models"
)

// 下游事件类型
const (
	FrameDelta   = "delta"
	FrameReplace = "replace"
	FrameFinal   = "final"
	FrameError   = "error"
)

// FinalPayload 最终事件内容
type FinalPayload struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Usage          models.Usage          `json:"usage"`
	Quota          models.QuotaRemaining `json:"quota"`
}

type textPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func frame(v interface{}) string {
	data, _ := json.Marshal(v)
	return fmt.Sprintf("data: %s\n\n", string(data))
}

// BuildDelta 构建文本增量帧
func BuildDelta(content string) string {
	return frame(textPayload{Type: FrameDelta, Content: content})
}

// BuildReplace 构建整段替换帧，客户端需丢弃已收到的增量
func BuildReplace(content string) string {
	return frame(textPayload{Type: FrameReplace, Content: content})
}

// BuildFinal 构建最终事件帧
func BuildFinal(conversationID string, usage models.Usage, quota models.QuotaRemaining) string {
	return frame(FinalPayload{
		Type:           FrameFinal,
		ConversationID: conversationID,
		Usage:          usage,
		Quota:          quota,
	})
}

// BuildError 构建错误帧
func BuildError(message string) string {
	return frame(errorPayload{Type: FrameError, Error: message})
}

// BuildDone 构建流结束标记
func BuildDone() string {
	return "data: [DONE]\n\n"
}
