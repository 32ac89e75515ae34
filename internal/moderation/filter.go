// Package moderation 基于词表的子串匹配审核
package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

// RefusalText 输出命中审核词时替换成的固定文本
const RefusalText = "抱歉，这个话题我无法继续讨论，我们换个话题吧。"

// WordSource 审核词表来源
type WordSource interface {
	ListModerationWords(ctx context.Context) ([]*models.ModerationWord, error)
}

// Filter 带 TTL 缓存的审核词过滤器
type Filter struct {
	src         WordSource
	ttl         time.Duration
	mu          sync.RWMutex
	words       []string
	lastRefresh time.Time
}

// NewFilter 创建审核过滤器
func NewFilter(src WordSource, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Filter{src: src, ttl: ttl}
}

// Screen 文本包含任一审核词时返回 true
func (f *Filter) Screen(ctx context.Context, text string) bool {
	return Contains(f.Words(ctx), text)
}

// Words 返回当前词表，过期时从数据源刷新；刷新失败沿用旧词表
func (f *Filter) Words(ctx context.Context) []string {
	f.mu.RLock()
	if !f.lastRefresh.IsZero() && time.Since(f.lastRefresh) < f.ttl {
		words := f.words
		f.mu.RUnlock()
		return words
	}
	stale := f.words
	f.mu.RUnlock()

	rows, err := f.src.ListModerationWords(ctx)
	if err != nil {
		logger.Warn("刷新审核词表失败，沿用旧词表(%d 个): %v", len(stale), err)
		return stale
	}

	words := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Word != "" {
			words = append(words, r.Word)
		}
	}

	f.mu.Lock()
	f.words = words
	f.lastRefresh = time.Now()
	f.mu.Unlock()

	logger.Debug("审核词表已刷新，共 %d 个", len(words))
	return words
}

// Invalidate 使缓存失效，下次检查时重新加载
func (f *Filter) Invalidate() {
	f.mu.Lock()
	f.lastRefresh = time.Time{}
	f.mu.Unlock()
}

// Contains 判断 text 是否包含 words 中的任意一项
func Contains(words []string, text string) bool {
	if text == "" {
		return false
	}
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}
