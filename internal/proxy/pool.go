// Package proxy 管理后端请求的出口代理池
package proxy

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"chat-relay/internal/models"
)

// SessionPlaceholder 代理地址中的会话占位符，按会话键替换为稳定的哈希值
const SessionPlaceholder = "%"

// Pool 代理池
type Pool struct {
	mu       sync.RWMutex
	proxies  []*models.Proxy
	strategy string
	index    uint32
}

// NewPool 创建代理池，strategy 为空时使用轮询
func NewPool(strategy string) *Pool {
	if strategy == "" {
		strategy = models.ProxyStrategyRoundRobin
	}
	return &Pool{strategy: strategy}
}

// Pick 为会话选择一个代理地址，无可用代理时返回空字符串
// 同一会话键在带占位符的代理上总是派生出相同的出口会话
func (p *Pool) Pick(sessionKey string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	enabled := make([]*models.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if px.Enabled {
			enabled = append(enabled, px)
		}
	}
	if len(enabled) == 0 {
		return ""
	}

	var selected *models.Proxy
	switch p.strategy {
	case models.ProxyStrategyRandom:
		selected = enabled[rand.Intn(len(enabled))]
	case models.ProxyStrategyWeighted:
		selected = selectWeighted(enabled)
	default:
		idx := atomic.AddUint32(&p.index, 1) - 1
		selected = enabled[idx%uint32(len(enabled))]
	}
	return DeriveURL(selected.URL, sessionKey)
}

func selectWeighted(proxies []*models.Proxy) *models.Proxy {
	total := 0
	for _, px := range proxies {
		if px.Weight > 0 {
			total += px.Weight
		}
	}
	if total == 0 {
		return proxies[0]
	}
	r := rand.Intn(total)
	for _, px := range proxies {
		if px.Weight <= 0 {
			continue
		}
		r -= px.Weight
		if r < 0 {
			return px
		}
	}
	return proxies[0]
}

// Reload 替换代理列表与策略
func (p *Pool) Reload(proxies []*models.Proxy, strategy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = proxies
	if strategy != "" {
		p.strategy = strategy
	}
}

// Stats 返回代理总数与启用数
func (p *Pool) Stats() (total, enabled int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, px := range p.proxies {
		if px.Enabled {
			enabled++
		}
	}
	return len(p.proxies), enabled
}

// DeriveURL 把代理地址中的占位符替换为会话键的 FNV 哈希
func DeriveURL(proxyURL, sessionKey string) string {
	if !strings.Contains(proxyURL, SessionPlaceholder) {
		return proxyURL
	}
	h := fnv.New32a()
	h.Write([]byte(sessionKey))
	return strings.ReplaceAll(proxyURL, SessionPlaceholder, strconv.FormatUint(uint64(h.Sum32()), 10))
}

// ValidateURL 校验代理地址，仅支持 http/https/socks5
func ValidateURL(proxyURL string) error {
	if proxyURL == "" {
		return fmt.Errorf("代理地址不能为空")
	}

	parsed, err := url.Parse(strings.ReplaceAll(proxyURL, SessionPlaceholder, "session"))
	if err != nil {
		return fmt.Errorf("代理地址格式错误: %v", err)
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("不支持的代理协议: %s (仅支持 http/https/socks5)", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("代理地址缺少主机名")
	}
	if parsed.Port() == "" {
		return fmt.Errorf("代理地址缺少端口")
	}
	return nil
}
