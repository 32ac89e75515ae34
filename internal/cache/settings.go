// Package cache 运行时设置的进程内缓存
package cache

import (
	"context"
	"sync"
	"time"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

// SettingsSource 设置来源
type SettingsSource interface {
	GetSettings(ctx context.Context) (*models.Settings, error)
}

// SettingsCache 系统设置缓存
type SettingsCache struct {
	settings    *models.Settings
	mu          sync.RWMutex
	lastRefresh time.Time
	ttl         time.Duration
	src         SettingsSource
}

// NewSettingsCache 创建设置缓存
func NewSettingsCache(src SettingsSource, ttl time.Duration) *SettingsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second // 默认 30 秒
	}
	return &SettingsCache{
		src: src,
		ttl: ttl,
	}
}

// Get 获取设置（自动刷新过期缓存），读取失败时返回旧值或默认值
func (c *SettingsCache) Get(ctx context.Context) *models.Settings {
	c.mu.RLock()
	if c.settings != nil && time.Since(c.lastRefresh) < c.ttl {
		settings := c.settings
		c.mu.RUnlock()
		return settings
	}
	stale := c.settings
	c.mu.RUnlock()

	settings, err := c.refresh(ctx)
	if err != nil {
		logger.Warn("刷新设置缓存失败: %v", err)
		if stale != nil {
			return stale
		}
		return models.DefaultSettings()
	}
	return settings
}

// refresh 刷新缓存
func (c *SettingsCache) refresh(ctx context.Context) (*models.Settings, error) {
	settings, err := c.src.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.settings = settings
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	logger.Debug("设置缓存已刷新")
	return settings, nil
}

// Invalidate 使缓存失效
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}

// Start 启动后台刷新任务
func (c *SettingsCache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.refresh(ctx); err != nil {
					logger.Warn("后台刷新设置失败: %v", err)
				}
			}
		}
	}()
}
