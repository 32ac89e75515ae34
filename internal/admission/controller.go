// Package admission 在任何昂贵操作之前按来源网络放行或拒绝请求
package admission

import (
	"context"
	"fmt"
	"time"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

// Outcome 准入结果
type Outcome int

const (
	Admit Outcome = iota
	RejectBlocked
	RejectRateLimited
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case RejectBlocked:
		return "reject-blocked"
	case RejectRateLimited:
		return "reject-rate-limited"
	}
	return "unknown"
}

// Decision 准入判定结果
type Decision struct {
	Outcome Outcome
	Count   int // 当日已计数的请求数
	Limit   int // 0 表示不限制
	Reason  string
}

// Store 网络规则与请求计数存储
type Store interface {
	GetNetworkRule(ctx context.Context, ip string) (*models.NetworkRule, error)
	IncrementRequestCount(ctx context.Context, ip, date string, limit int) (bool, int, error)
}

// SettingsProvider 提供运行时设置
type SettingsProvider interface {
	Get(ctx context.Context) *models.Settings
}

// Controller 准入控制器
type Controller struct {
	store    Store
	settings SettingsProvider
	now      func() time.Time
}

// NewController 创建准入控制器
func NewController(store Store, settings SettingsProvider) *Controller {
	return &Controller{store: store, settings: settings, now: time.Now}
}

// SetClock 替换时钟（测试跨日场景使用）
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Admit 判定来源 IP 是否放行
// 封禁直接拒绝且不触碰计数；放行时当日计数恰好加一
func (c *Controller) Admit(ctx context.Context, ip string) (Decision, error) {
	rule, err := c.store.GetNetworkRule(ctx, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("读取网络规则失败: %w", err)
	}

	if rule != nil && rule.Kind == models.NetworkRuleBlock {
		reason := ""
		if rule.Reason != nil {
			reason = *rule.Reason
		}
		logger.Warn("[准入] 拒绝封禁 IP: %s", ip)
		return Decision{Outcome: RejectBlocked, Reason: reason}, nil
	}

	limit := 0
	if rule != nil && rule.Kind == models.NetworkRuleLimit && rule.DailyLimit != nil {
		limit = *rule.DailyLimit
		if limit == 0 {
			return Decision{Outcome: RejectRateLimited, Limit: 0, Reason: "daily limit is zero"}, nil
		}
	} else if c.settings != nil {
		limit = c.settings.Get(ctx).DefaultDailyLimit
	}
	if limit < 0 {
		limit = 0
	}

	date := c.now().Format(models.DateFormat)
	admitted, count, err := c.store.IncrementRequestCount(ctx, ip, date, limit)
	if err != nil {
		return Decision{}, err
	}
	if !admitted {
		logger.Warn("[准入] IP %s 已达每日限额 %d/%d", ip, count, limit)
		return Decision{Outcome: RejectRateLimited, Count: count, Limit: limit}, nil
	}
	return Decision{Outcome: Admit, Count: count, Limit: limit}, nil
}
