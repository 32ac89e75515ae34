// Package ratelimit 提供滑动窗口限流器实现
// 用于限制后台登录等敏感接口的尝试频率
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindowLimiter 滑动窗口限流器
// 记录每个请求的时间戳，统计窗口内的请求数
type SlidingWindowLimiter struct {
	mu          sync.Mutex
	windowSize  time.Duration
	entries     map[string]*windowEntry
	cleanupTick time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

type windowEntry struct {
	mu         sync.Mutex
	timestamps []int64 // Unix 纳秒
}

// NewSlidingWindowLimiter 创建滑动窗口限流器，windowSize 默认 60 秒
func NewSlidingWindowLimiter(windowSize time.Duration) *SlidingWindowLimiter {
	if windowSize <= 0 {
		windowSize = 60 * time.Second
	}

	limiter := &SlidingWindowLimiter{
		windowSize:  windowSize,
		entries:     make(map[string]*windowEntry),
		cleanupTick: 5 * time.Minute,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	go limiter.cleanupLoop()
	return limiter
}

// Allow 检查是否允许请求
// 返回: (是否允许, 当前窗口内请求数, 窗口内剩余配额)
func (l *SlidingWindowLimiter) Allow(key string, limit int) (allowed bool, count int, remaining int) {
	if limit <= 0 {
		// 0 表示不限制
		return true, 0, -1
	}

	now := l.now().UnixNano()
	windowStart := now - int64(l.windowSize)

	l.mu.Lock()
	entry, exists := l.entries[key]
	if !exists {
		entry = &windowEntry{timestamps: make([]int64, 0, limit)}
		l.entries[key] = entry
	}
	l.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.timestamps = pruneBefore(entry.timestamps, windowStart)
	count = len(entry.timestamps)
	if count >= limit {
		return false, count, 0
	}

	entry.timestamps = append(entry.timestamps, now)
	return true, count + 1, limit - count - 1
}

// GetCount 获取指定 key 在当前窗口内的请求数
func (l *SlidingWindowLimiter) GetCount(key string) int {
	l.mu.Lock()
	entry, exists := l.entries[key]
	l.mu.Unlock()
	if !exists {
		return 0
	}

	windowStart := l.now().UnixNano() - int64(l.windowSize)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	count := 0
	for _, ts := range entry.timestamps {
		if ts > windowStart {
			count++
		}
	}
	return count
}

// Reset 重置指定 key 的计数
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// ActiveKeys 当前跟踪的 key 数量
func (l *SlidingWindowLimiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop 停止后台清理，可重复调用
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup 删除窗口内已无请求的条目
func (l *SlidingWindowLimiter) cleanup() {
	windowStart := l.now().UnixNano() - int64(l.windowSize)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.entries {
		entry.mu.Lock()
		entry.timestamps = pruneBefore(entry.timestamps, windowStart)
		empty := len(entry.timestamps) == 0
		entry.mu.Unlock()
		if empty {
			delete(l.entries, key)
		}
	}
}

func pruneBefore(timestamps []int64, windowStart int64) []int64 {
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts > windowStart {
			valid = append(valid, ts)
		}
	}
	return valid
}
