// Package session 管理后台登录会话
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound 会话不存在或已过期
var ErrNotFound = errors.New("会话不存在或已过期")

// TokenPrefix 会话令牌前缀
const TokenPrefix = "sess-"

// Session 一个后台登录会话
type Session struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired 判断会话是否已过期
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store 会话存储，查询时校验过期
type Store interface {
	Create(ctx context.Context, subject, ip string, ttl time.Duration) (*Session, error)
	Lookup(ctx context.Context, token string) (*Session, error)
	Revoke(ctx context.Context, token string) error
}

// GenerateToken 生成 32 字节随机会话令牌
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成随机令牌失败: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// MaskToken 返回用于日志的令牌前缀
func MaskToken(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}

// BearerToken 从 Authorization 头中取出令牌
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
