// Package backend 封装对上游流式补全接口的调用
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"chat-relay/internal/config"
	"chat-relay/internal/logger"
	"chat-relay/internal/models"
	proxypool "chat-relay/internal/proxy"
)

// ErrNotConfigured 未配置后端凭据
var ErrNotConfigured = errors.New("后端凭据未配置")

// UpstreamError 上游返回非 2xx 或没有响应体
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "上游未返回响应体"
	}
	return fmt.Sprintf("上游错误 %d: %s", e.StatusCode, e.Body)
}

// IsUpstreamError 判断是否为上游错误
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// 连接池参数
const (
	DefaultMaxIdleConns          = 200
	DefaultMaxIdleConnsPerHost   = 100
	DefaultIdleConnTimeout       = 120 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultTLSHandshakeTimeout   = 15 * time.Second

	// 错误响应体最多读取的字节数
	maxErrorBody = 4096
	// 建连失败时的重试次数
	maxDialAttempts = 2
	retryDelay      = 300 * time.Millisecond
)

// Request 一次流式补全请求
type Request struct {
	Model        string
	Instructions string
	Input        []models.ChatMessage
	// SessionKey 用于代理池会话派生，一般为会话 ID
	SessionKey string
}

type requestBody struct {
	Model        string               `json:"model"`
	Instructions string               `json:"instructions"`
	Input        []models.ChatMessage `json:"input"`
	Stream       bool                 `json:"stream"`
}

// Client 上游客户端
type Client struct {
	cfg           config.BackendConfig
	httpClient    *http.Client
	baseTransport *http.Transport

	pool        *proxypool.Pool
	poolEnabled func() bool
	// 按代理地址复用 Transport
	transports sync.Map
}

// NewClient 创建上游客户端
func NewClient(cfg config.BackendConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = DefaultMaxIdleConns
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	transport.MaxConnsPerHost = 0
	transport.IdleConnTimeout = DefaultIdleConnTimeout
	transport.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	transport.ForceAttemptHTTP2 = true

	baseTransport := transport.Clone()

	if cfg.HTTPProxy != "" {
		if err := applyProxy(transport, cfg.HTTPProxy); err != nil {
			logger.Error("全局代理配置失败: %v", err)
		} else {
			logger.Info("已配置全局代理: %s", cfg.HTTPProxy)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseTransport: baseTransport,
	}
}

// Configured 是否已配置后端凭据
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// SetProxyPool 设置代理池，enabled 返回当前是否启用代理池
func (c *Client) SetProxyPool(pool *proxypool.Pool, enabled func() bool) {
	c.pool = pool
	c.poolEnabled = enabled
	if pool != nil {
		total, on := pool.Stats()
		logger.Info("代理池已设置 - 代理数量: %d, 启用数量: %d", total, on)
	}
}

// Open 发起流式请求并返回响应体，调用方负责关闭
// 非 2xx 状态或空响应体返回 *UpstreamError，此时不会产生任何增量
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(requestBody{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        req.Input,
		Stream:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/responses"
	httpClient := c.clientFor(req.SessionKey)

	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("创建请求失败: %w", err)
		}
		requestID := uuid.New().String()
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("X-Request-Id", requestID)

		logger.Debug("发送上游请求 - 尝试: %d/%d, 模型: %s, 请求ID: %s", attempt, maxDialAttempts, req.Model, requestID)
		start := time.Now()
		resp, err := httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			logger.Error("上游请求失败 - 尝试: %d/%d, 耗时: %v, 错误: %v", attempt, maxDialAttempts, time.Since(start), err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxDialAttempts && isRetriable(err) {
				time.Sleep(retryDelay * time.Duration(attempt))
				continue
			}
			return nil, fmt.Errorf("上游请求失败: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			logger.Error("上游返回错误 - 状态码: %d, 响应体: %s", resp.StatusCode, string(body))
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			return nil, &UpstreamError{}
		}

		logger.Debug("上游响应 - 状态码: %d, 耗时: %v", resp.StatusCode, time.Since(start))
		return resp.Body, nil
	}
	return nil, fmt.Errorf("上游请求失败: %w", lastErr)
}

// clientFor 代理池启用时按会话键选出口代理，否则使用默认客户端
func (c *Client) clientFor(sessionKey string) *http.Client {
	if c.pool == nil || c.poolEnabled == nil || !c.poolEnabled() {
		return c.httpClient
	}
	proxyURL := c.pool.Pick(sessionKey)
	if proxyURL == "" {
		return c.httpClient
	}

	if cached, ok := c.transports.Load(proxyURL); ok {
		return &http.Client{Transport: cached.(*http.Transport), Timeout: c.httpClient.Timeout}
	}

	transport := c.baseTransport.Clone()
	if err := applyProxy(transport, proxyURL); err != nil {
		logger.Error("代理配置失败: %v, 使用默认客户端", err)
		return c.httpClient
	}
	actual, _ := c.transports.LoadOrStore(proxyURL, transport)
	logger.Debug("会话 %s 使用代理: %s", sessionKey, proxyURL)
	return &http.Client{Transport: actual.(*http.Transport), Timeout: c.httpClient.Timeout}
}

// applyProxy socks5 走自定义拨号，http/https 走标准代理
func applyProxy(transport *http.Transport, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("代理地址解析失败: %w", err)
	}
	if parsed.Scheme == "socks5" {
		dialer, err := proxy.FromURL(parsed, proxy.Direct)
		if err != nil {
			return err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		transport.Proxy = nil
		return nil
	}
	transport.Proxy = http.ProxyURL(parsed)
	return nil
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.HasSuffix(msg, "EOF")
}
