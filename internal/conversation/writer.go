// Package conversation 落库会话与消息
package conversation

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chat-relay/internal/models"
)

// Store 会话存储
type Store interface {
	SaveTurn(ctx context.Context, conv *models.Conversation, messages []*models.Message) error
}

// Turn 一个待落库的轮次
type Turn struct {
	ConversationID   string
	IdentityID       *string
	PersonaID        string
	Tier             models.Tier
	UserContent      string
	AssistantContent string
	Usage            models.Usage
}

// Writer 会话写入器，生成单调递增的 ULID
type Writer struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	entropy io.Reader
	last    time.Time
}

// NewWriter 创建写入器
func NewWriter(store Store) *Writer {
	return &Writer{
		store:   store,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID 生成新的 ULID
func (w *Writer) NewID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(w.now()), w.entropy).String()
}

// stamp 返回严格递增的毫秒时间戳及对应的 ULID
func (w *Writer) stamp() (time.Time, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.now().Truncate(time.Millisecond)
	if !t.After(w.last) {
		t = w.last.Add(time.Millisecond)
	}
	w.last = t
	return t, ulid.MustNew(ulid.Timestamp(t), w.entropy).String()
}

// Persist 确保会话存在，再依次追加用户消息（非空时）与助手消息
// 助手消息时间戳严格晚于用户消息
func (w *Writer) Persist(ctx context.Context, turn Turn) ([]*models.Message, error) {
	userAt, userID := w.stamp()
	assistantAt, assistantID := w.stamp()

	conv := &models.Conversation{
		ID:         turn.ConversationID,
		IdentityID: turn.IdentityID,
		PersonaID:  turn.PersonaID,
		Tier:       string(turn.Tier),
		CreatedAt:  models.PreciseTime(userAt),
	}

	messages := make([]*models.Message, 0, 2)
	if turn.UserContent != "" {
		messages = append(messages, &models.Message{
			ID:             userID,
			ConversationID: turn.ConversationID,
			Role:           models.RoleUser,
			Content:        turn.UserContent,
			CreatedAt:      models.PreciseTime(userAt),
		})
	}
	messages = append(messages, &models.Message{
		ID:               assistantID,
		ConversationID:   turn.ConversationID,
		Role:             models.RoleAssistant,
		Content:          turn.AssistantContent,
		PromptTokens:     turn.Usage.PromptTokens,
		CompletionTokens: turn.Usage.CompletionTokens,
		CreatedAt:        models.PreciseTime(assistantAt),
	})

	if err := w.store.SaveTurn(ctx, conv, messages); err != nil {
		return nil, err
	}
	return messages, nil
}
