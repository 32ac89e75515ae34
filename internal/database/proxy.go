package database

import (
	"context"
	"fmt"

	"chat-relay/internal/models"
)

// GetProxies 获取所有代理
func (db *DB) GetProxies(ctx context.Context) ([]*models.Proxy, error) {
	var proxies []*models.Proxy
	err := db.gorm.WithContext(ctx).Order("id ASC").Find(&proxies).Error
	return proxies, err
}

// GetEnabledProxies 获取启用的代理
func (db *DB) GetEnabledProxies(ctx context.Context) ([]*models.Proxy, error) {
	var proxies []*models.Proxy
	err := db.gorm.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&proxies).Error
	return proxies, err
}

// CreateProxy 创建代理
func (db *DB) CreateProxy(ctx context.Context, req *models.ProxyCreate) (*models.Proxy, error) {
	proxy := &models.Proxy{
		URL:       req.URL,
		Name:      req.Name,
		Enabled:   true,
		Weight:    1,
		CreatedAt: models.CurrentTime(),
		UpdatedAt: models.CurrentTime(),
	}
	if req.Enabled != nil {
		proxy.Enabled = *req.Enabled
	}
	if req.Weight != nil && *req.Weight > 0 {
		proxy.Weight = *req.Weight
	}
	if err := db.gorm.WithContext(ctx).Create(proxy).Error; err != nil {
		return nil, fmt.Errorf("创建代理失败: %w", err)
	}
	// enabled 列带 default:true，零值 false 不会随 Create 写入
	if !proxy.Enabled {
		if err := db.gorm.WithContext(ctx).Model(proxy).Update("enabled", false).Error; err != nil {
			return nil, fmt.Errorf("更新代理状态失败: %w", err)
		}
	}
	return proxy, nil
}

// DeleteProxy 删除代理
func (db *DB) DeleteProxy(ctx context.Context, id int64) error {
	return db.gorm.WithContext(ctx).Delete(&models.Proxy{}, id).Error
}
