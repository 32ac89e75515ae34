// Package ledger 高级等级的配额预检与扣减
package ledger

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/database"
	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

var (
	// ErrGuestPremium 未登录用户请求高级等级
	ErrGuestPremium = errors.New("高级等级需要登录")
	// ErrQuotaExhausted 配额已用完
	ErrQuotaExhausted = errors.New("配额已用完")
)

// Store 配额扣减存储
type Store interface {
	DecrementQuota(ctx context.Context, identityID string, tier models.Tier) (*models.Identity, error)
}

// Ledger 配额账本
type Ledger struct {
	store Store
}

// New 创建配额账本
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Reserve 调用后端前的预检，normal 等级不检查配额
func (l *Ledger) Reserve(tier models.Tier, identity *models.Identity) error {
	if !tier.IsPremium() {
		return nil
	}
	if identity == nil {
		return ErrGuestPremium
	}
	if identity.Quota(tier) <= 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// Commit 成功完成一轮对话后扣减一次配额，返回扣减后的剩余配额
// 同一身份并发的两轮都通过预检时，条件扣减保证计数不为负，落后的一轮返回 ErrQuotaExhausted
func (l *Ledger) Commit(ctx context.Context, tier models.Tier, identity *models.Identity) (models.QuotaRemaining, error) {
	if identity == nil {
		return models.QuotaRemaining{}, nil
	}
	if !tier.IsPremium() {
		return identity.Remaining(), nil
	}

	updated, err := l.store.DecrementQuota(ctx, identity.ID, tier)
	if errors.Is(err, database.ErrQuotaNotDecremented) {
		logger.Warn("[配额] 身份 %s 的 %s 配额已被并发请求用完，本轮未扣减", identity.ID, tier)
		if updated != nil {
			return updated.Remaining(), ErrQuotaExhausted
		}
		return identity.Remaining(), ErrQuotaExhausted
	}
	if err != nil {
		return identity.Remaining(), fmt.Errorf("扣减配额失败: %w", err)
	}
	if updated == nil {
		return models.QuotaRemaining{}, fmt.Errorf("扣减配额后身份不存在: %s", identity.ID)
	}
	return updated.Remaining(), nil
}
