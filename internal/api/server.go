package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/cache"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/database"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/proxy"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 审计队列参数
const (
	auditQueueSize     = 5000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// Deps 服务器依赖
type Deps struct {
	Config   *config.Config
	DB       *database.DB
	Pipeline *chat.Pipeline
	Settings *cache.SettingsCache
	Filter   *moderation.Filter
	Pool     *proxy.Pool
	Sessions session.Store
	Prom     *metrics.Prom
	Version  string
}

// Server 表示 API 服务器
type Server struct {
	cfg          *config.Config
	db           *database.DB
	pipeline     *chat.Pipeline
	settings     *cache.SettingsCache
	filter       *moderation.Filter
	pool         *proxy.Pool
	sessions     session.Store
	prom         *metrics.Prom
	loginLimiter *ratelimit.LoginLimiter
	auditChan    chan *models.AuditLogEntry
	auditMu      sync.RWMutex
	auditWg      sync.WaitGroup
	closing      bool
	stopOnce     sync.Once
	version      string
}

// NewServer 创建新的 API 服务器并启动审计写入 worker
func NewServer(deps Deps) *Server {
	if deps.Sessions == nil {
		deps.Sessions = session.NewMemoryStore()
	}
	if deps.Prom == nil {
		deps.Prom = metrics.NewProm()
	}
	s := &Server{
		cfg:          deps.Config,
		db:           deps.DB,
		pipeline:     deps.Pipeline,
		settings:     deps.Settings,
		filter:       deps.Filter,
		pool:         deps.Pool,
		sessions:     deps.Sessions,
		prom:         deps.Prom,
		loginLimiter: ratelimit.NewLoginLimiter(ratelimit.DefaultLoginAttempts, ratelimit.DefaultLoginWindow),
		auditChan:    make(chan *models.AuditLogEntry, auditQueueSize),
		version:      deps.Version,
	}
	s.startAuditWorker()
	return s
}

// ReloadProxyPool 从数据库重新加载启用的出口代理
func (s *Server) ReloadProxyPool(ctx context.Context) {
	if s.pool == nil {
		return
	}
	proxies, err := s.db.GetEnabledProxies(ctx)
	if err != nil {
		logger.Error("加载代理池失败: %v", err)
		return
	}
	settings := s.settings.Get(ctx)
	s.pool.Reload(proxies, settings.ProxyPoolStrategy)
	total, _ := s.pool.Stats()
	logger.Info("代理池已加载 - 数量: %d, 策略: %s, 启用: %v", total, settings.ProxyPoolStrategy, settings.ProxyPoolEnabled)
}

// Router 创建 gin 路由
func (s *Server) Router() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// 日志中间件
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Set("start_time", start)
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if path == "/healthz" || path == "/metrics" {
			return
		}
		logger.LogRequest(method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	})

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	s.setupRoutes(r)
	return r
}

// requireAdmin 校验后台会话令牌
func (s *Server) requireAdmin(c *gin.Context) {
	token := session.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		// SSE 等不支持 header 的场景，从 URL 参数读取
		token = c.Query("token")
	}
	if token == "" {
		logger.Warn("管理员认证失败 - 未提供令牌 - 来源: %s", c.ClientIP())
		c.AbortWithStatusJSON(401, gin.H{"error": "未授权访问", "code": "UNAUTHORIZED"})
		return
	}

	sess, err := s.sessions.Lookup(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Error("查询会话失败: %v", err)
		}
		logger.Warn("管理员认证失败 - 会话无效 %s - 来源: %s", session.MaskToken(token), c.ClientIP())
		c.AbortWithStatusJSON(401, gin.H{"error": "会话无效或已过期", "code": "INVALID_SESSION"})
		return
	}

	c.Set("session", sess)
	c.Next()
}

// bearerToken 取调用方身份令牌
func bearerToken(c *gin.Context) string {
	return session.BearerToken(c.GetHeader("Authorization"))
}

// enqueueAudit 异步写入非对话类审计记录，队列满时丢弃
func (s *Server) enqueueAudit(c *gin.Context, identityID *string, action, content string) {
	entry := &models.AuditLogEntry{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		IP:         c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		Action:     action,
		Content:    models.TruncateAuditContent(content),
		CreatedAt:  models.CurrentTime(),
	}
	if start, ok := c.Get("start_time"); ok {
		if t, ok := start.(time.Time); ok {
			entry.LatencyMs = time.Since(t).Milliseconds()
		}
	}

	s.auditMu.RLock()
	defer s.auditMu.RUnlock()
	if s.closing {
		return
	}
	select {
	case s.auditChan <- entry:
	default:
		logger.Warn("审计队列已满，丢弃记录 - 动作: %s", action)
	}
}

// adminAudit 记录后台写操作
func (s *Server) adminAudit(c *gin.Context, format string, args ...interface{}) {
	s.enqueueAudit(c, nil, models.AuditActionAdminWrite, fmt.Sprintf(format, args...))
}

// startAuditWorker 启动审计写入 worker
func (s *Server) startAuditWorker() {
	s.auditWg.Add(1)
	go func() {
		defer s.auditWg.Done()
		batch := make([]*models.AuditLogEntry, 0, auditBatchSize)
		ticker := time.NewTicker(auditFlushInterval)
		defer ticker.Stop()

		for {
			select {
			case entry, ok := <-s.auditChan:
				if !ok {
					if len(batch) > 0 {
						s.flushAudit(batch)
					}
					return
				}
				batch = append(batch, entry)
				if len(batch) >= auditBatchSize {
					s.flushAudit(batch)
					batch = make([]*models.AuditLogEntry, 0, auditBatchSize)
				}
			case <-ticker.C:
				if len(batch) > 0 {
					s.flushAudit(batch)
					batch = make([]*models.AuditLogEntry, 0, auditBatchSize)
				}
			}
		}
	}()
}

// flushAudit 批量写入审计记录，失败时逐条降级
func (s *Server) flushAudit(entries []*models.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.db.BatchCreateAuditLogs(ctx, entries); err != nil {
		logger.Debug("批量写入审计日志失败: %v - 数量: %d", err, len(entries))
		for _, entry := range entries {
			if err := s.db.CreateAuditLog(ctx, entry); err != nil {
				logger.Debug("写入审计日志失败（降级）: %v", err)
			}
		}
		return
	}
	logger.Debug("批量写入审计日志成功 - 数量: %d", len(entries))
}

// Stop 停止后台 worker 并写完队列中的审计记录
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.auditMu.Lock()
		s.closing = true
		close(s.auditChan)
		s.auditMu.Unlock()
		s.auditWg.Wait()
		s.loginLimiter.Stop()
	})
}
