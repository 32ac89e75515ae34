// Package publish 向消息队列广播已完成的轮次
package publish

import (
	"context"
	"encoding/json"

	"chat-relay/internal/models"
)

// TurnEvent 轮次完成事件
type TurnEvent struct {
	ConversationID string       `json:"conversation_id"`
	IdentityID     string       `json:"identity_id,omitempty"`
	Tier           string       `json:"tier"`
	Outcome        string       `json:"outcome"`
	Usage          models.Usage `json:"usage"`
	CreatedAt      string       `json:"created_at"`
}

// Publisher 事件发布器
type Publisher interface {
	PublishTurn(ctx context.Context, ev TurnEvent) error
	Close() error
}

// Nop 未配置队列时使用的空发布器
type Nop struct{}

// PublishTurn 丢弃事件
func (Nop) PublishTurn(context.Context, TurnEvent) error { return nil }

// Close 无操作
func (Nop) Close() error { return nil }

func encode(ev TurnEvent) ([]byte, error) {
	if ev.CreatedAt == "" {
		ev.CreatedAt = models.CurrentTime()
	}
	return json.Marshal(ev)
}
