package stream

import (
	"github.com/tidwall/gjson"

	"chat-relay/internal/models"
)

// 上游事件类型
const (
	TypeOutputTextDelta   = "response.output_text.delta"
	TypeResponseCompleted = "response.completed"
	DoneSentinel          = "[DONE]"
)

// Event 上游事件，仅限本包定义的几种变体
type Event interface {
	isEvent()
}

// DeltaEvent 文本增量
type DeltaEvent struct {
	Text string
}

// CompletedEvent 响应完成，携带上游统计的用量
type CompletedEvent struct {
	Usage    models.Usage
	HasUsage bool
}

// DoneEvent 流结束标记
type DoneEvent struct{}

// UnknownEvent 无法识别的事件，直接忽略
type UnknownEvent struct {
	Type string
	Raw  string
}

func (DeltaEvent) isEvent()     {}
func (CompletedEvent) isEvent() {}
func (DoneEvent) isEvent()      {}
func (UnknownEvent) isEvent()   {}

// Decode 将一个 data 负载解码为事件
func Decode(payload string) Event {
	if payload == DoneSentinel {
		return DoneEvent{}
	}
	if !gjson.Valid(payload) {
		return UnknownEvent{Raw: payload}
	}

	typ := gjson.Get(payload, "type").String()
	switch typ {
	case TypeOutputTextDelta:
		return DeltaEvent{Text: gjson.Get(payload, "delta").String()}
	case TypeResponseCompleted:
		return decodeCompleted(payload)
	default:
		return UnknownEvent{Type: typ, Raw: payload}
	}
}

func decodeCompleted(payload string) CompletedEvent {
	usage := gjson.Get(payload, "response.usage")
	if !usage.Exists() {
		return CompletedEvent{}
	}
	in := int(usage.Get("input_tokens").Int())
	out := int(usage.Get("output_tokens").Int())
	total := int(usage.Get("total_tokens").Int())
	if !usage.Get("total_tokens").Exists() {
		total = in + out
	}
	return CompletedEvent{
		Usage: models.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      total,
		},
		HasUsage: true,
	}
}
