package ratelimit

import "time"

// 后台登录默认每 IP 每分钟 5 次
const (
	DefaultLoginAttempts = 5
	DefaultLoginWindow   = time.Minute
)

// LoginLimiter 按来源 IP 限制登录尝试
type LoginLimiter struct {
	limiter *SlidingWindowLimiter
	limit   int
}

// NewLoginLimiter 创建登录限流器，参数非正时使用默认值
func NewLoginLimiter(limit int, window time.Duration) *LoginLimiter {
	if limit <= 0 {
		limit = DefaultLoginAttempts
	}
	if window <= 0 {
		window = DefaultLoginWindow
	}
	return &LoginLimiter{limiter: NewSlidingWindowLimiter(window), limit: limit}
}

// Allow 记录一次尝试，超过上限返回 false
func (l *LoginLimiter) Allow(ip string) bool {
	allowed, _, _ := l.limiter.Allow(ip, l.limit)
	return allowed
}

// Succeeded 登录成功后清零该 IP 的计数
func (l *LoginLimiter) Succeeded(ip string) {
	l.limiter.Reset(ip)
}

// Stop 停止后台清理
func (l *LoginLimiter) Stop() {
	l.limiter.Stop()
}
