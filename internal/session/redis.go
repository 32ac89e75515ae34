package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/config"
	"chat-relay/internal/logger"
)

const redisKeyPrefix = "chat-relay:session:"

// RedisStore 基于 Redis 的会话存储，过期由 TTL 控制，多实例共享
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient 按配置创建 Redis 客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           5 * time.Second,
		ContextTimeoutEnabled: true,
	})
	logger.Info("Redis 客户端已初始化 - 地址: %s", cfg.Addr)
	return rdb
}

// NewRedisStore 创建 Redis 会话存储
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Create 创建会话
func (r *RedisStore) Create(ctx context.Context, subject, ip string, ttl time.Duration) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{Token: token, Subject: subject, IP: ip, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+token, data, ttl).Err(); err != nil {
		return nil, fmt.Errorf("写入会话失败: %w", err)
	}
	return s, nil
}

// Lookup 查询会话
func (r *RedisStore) Lookup(ctx context.Context, token string) (*Session, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	if s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Revoke 删除会话
func (r *RedisStore) Revoke(ctx context.Context, token string) error {
	return r.rdb.Del(ctx, redisKeyPrefix+token).Err()
}
