package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"strconv"
	"strings"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
	"chat-relay/internal/proxy"
	"chat-relay/internal/session"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 审计日志分页上限
const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// queryInt 读取整数查询参数，缺失或非法时返回默认值
func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// paramID 解析整数路径参数
func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(400, gin.H{"error": "无效的 ID"})
		return 0, false
	}
	return id, true
}

// ==================== 登录 ====================

func (s *Server) handleLogin(c *gin.Context) {
	ip := c.ClientIP()
	logger.Info("登录尝试 - 来源: %s", ip)

	if !s.loginLimiter.Allow(ip) {
		logger.Warn("登录尝试过于频繁 - 来源: %s", ip)
		c.JSON(429, gin.H{"error": "登录尝试过于频繁，请稍后再试", "code": "TOO_MANY_ATTEMPTS"})
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("登录失败 - 无效的请求格式 - 来源: %s", ip)
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}

	expected := s.cfg.Admin.Password
	if expected == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(expected)) != 1 {
		logger.Warn("登录失败 - 无效密码 - 来源: %s", ip)
		c.JSON(401, gin.H{"success": false, "error": "密码错误", "code": "INVALID_PASSWORD"})
		return
	}

	sess, err := s.sessions.Create(c.Request.Context(), "admin", ip, s.cfg.Admin.SessionTTL)
	if err != nil {
		logger.Error("创建会话失败: %v", err)
		c.JSON(500, gin.H{"error": "创建会话失败"})
		return
	}
	s.loginLimiter.Succeeded(ip)

	logger.Info("登录成功 - 来源: %s, 会话: %s", ip, session.MaskToken(sess.Token))
	c.JSON(200, gin.H{"success": true, "token": sess.Token, "expires_at": sess.ExpiresAt})
}

func (s *Server) handleLogout(c *gin.Context) {
	logger.Info("退出登录 - 来源: %s", c.ClientIP())
	if v, ok := c.Get("session"); ok {
		if sess, ok := v.(*session.Session); ok {
			if err := s.sessions.Revoke(c.Request.Context(), sess.Token); err != nil {
				logger.Warn("注销会话失败: %v", err)
			}
		}
	}
	c.JSON(200, gin.H{"success": true})
}

// ==================== 网络规则 ====================

func (s *Server) handleListNetworkRules(c *gin.Context) {
	rules, err := s.db.ListNetworkRules(c.Request.Context())
	if err != nil {
		logger.Error("获取网络规则失败: %v", err)
		c.JSON(500, gin.H{"error": "获取网络规则失败"})
		return
	}
	c.JSON(200, gin.H{"rules": rules, "count": len(rules)})
}

func (s *Server) handleUpsertNetworkRule(c *gin.Context) {
	var req models.NetworkRuleUpsert
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}
	req.IP = strings.TrimSpace(req.IP)

	rule, err := s.db.UpsertNetworkRule(c.Request.Context(), &req)
	if err != nil {
		logger.Warn("保存网络规则失败 - IP: %s, 错误: %v", req.IP, err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	logger.Info("网络规则已保存 - IP: %s, 类型: %s", rule.IP, rule.Kind)
	s.adminAudit(c, "network_rule upsert ip=%s kind=%s", rule.IP, rule.Kind)
	c.JSON(200, gin.H{"message": "规则已保存", "rule": rule})
}

func (s *Server) handleDeleteNetworkRule(c *gin.Context) {
	ip := c.Param("ip")
	if err := s.db.DeleteNetworkRule(c.Request.Context(), ip); err != nil {
		logger.Error("删除网络规则失败: %v", err)
		c.JSON(500, gin.H{"error": "删除网络规则失败"})
		return
	}
	logger.Info("网络规则已删除 - IP: %s", ip)
	s.adminAudit(c, "network_rule delete ip=%s", ip)
	c.JSON(200, gin.H{"message": "规则已删除"})
}

// ==================== 审核词表 ====================

func (s *Server) handleListModerationWords(c *gin.Context) {
	words, err := s.db.ListModerationWords(c.Request.Context())
	if err != nil {
		logger.Error("获取审核词失败: %v", err)
		c.JSON(500, gin.H{"error": "获取审核词失败"})
		return
	}
	c.JSON(200, gin.H{"words": words, "count": len(words)})
}

func (s *Server) handleAddModerationWords(c *gin.Context) {
	var req struct {
		Words []string `json:"words" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}

	added, err := s.db.AddModerationWords(c.Request.Context(), req.Words)
	if err != nil {
		logger.Error("添加审核词失败: %v", err)
		c.JSON(500, gin.H{"error": "添加审核词失败"})
		return
	}
	s.filter.Invalidate()

	logger.Info("审核词已添加 - 新增: %d", added)
	s.adminAudit(c, "moderation_words add count=%d", added)
	c.JSON(200, gin.H{"message": "审核词已添加", "added": added})
}

func (s *Server) handleDeleteModerationWord(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.db.DeleteModerationWord(c.Request.Context(), id); err != nil {
		logger.Error("删除审核词失败: %v", err)
		c.JSON(500, gin.H{"error": "删除审核词失败"})
		return
	}
	s.filter.Invalidate()
	s.adminAudit(c, "moderation_words delete id=%d", id)
	c.JSON(200, gin.H{"message": "审核词已删除"})
}

// ==================== 模型映射与字符预算 ====================

func (s *Server) handleListModelMappings(c *gin.Context) {
	mappings, err := s.db.ListModelMappings(c.Request.Context())
	if err != nil {
		logger.Error("获取模型映射失败: %v", err)
		c.JSON(500, gin.H{"error": "获取模型映射失败"})
		return
	}
	c.JSON(200, gin.H{"mappings": mappings, "defaults": s.cfg.Backend.Models})
}

func (s *Server) handleSetModelMappings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}
	if err := s.db.SetModelMappings(c.Request.Context(), req); err != nil {
		logger.Warn("保存模型映射失败: %v", err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	s.adminAudit(c, "model_mappings set count=%d", len(req))
	c.JSON(200, gin.H{"message": "模型映射已保存"})
}

func (s *Server) handleListPromptLimits(c *gin.Context) {
	limits, err := s.db.ListPromptCharLimits(c.Request.Context())
	if err != nil {
		logger.Error("获取字符预算失败: %v", err)
		c.JSON(500, gin.H{"error": "获取字符预算失败"})
		return
	}
	c.JSON(200, gin.H{"limits": limits, "defaults": models.DefaultPromptCharLimits})
}

func (s *Server) handleSetPromptLimits(c *gin.Context) {
	var req map[string]int
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}
	if err := s.db.SetPromptCharLimits(c.Request.Context(), req); err != nil {
		logger.Warn("保存字符预算失败: %v", err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	s.adminAudit(c, "prompt_limits set count=%d", len(req))
	c.JSON(200, gin.H{"message": "字符预算已保存"})
}

// ==================== 人设 ====================

func (s *Server) handleListPersonas(c *gin.Context) {
	personas, err := s.db.ListPersonas(c.Request.Context())
	if err != nil {
		logger.Error("获取人设失败: %v", err)
		c.JSON(500, gin.H{"error": "获取人设失败"})
		return
	}
	c.JSON(200, gin.H{"personas": personas})
}

func (s *Server) handleCreatePersona(c *gin.Context) {
	var req models.PersonaCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}
	persona, err := s.db.CreatePersona(c.Request.Context(), &req)
	if err != nil {
		logger.Error("创建人设失败: %v", err)
		c.JSON(500, gin.H{"error": "创建人设失败"})
		return
	}
	logger.Info("人设已创建 - ID: %s, 名称: %s", persona.ID, persona.Name)
	s.adminAudit(c, "persona create id=%s", persona.ID)
	c.JSON(200, gin.H{"message": "人设已创建", "persona": persona})
}

func (s *Server) handleDeletePersona(c *gin.Context) {
	id := c.Param("id")
	if err := s.db.DeletePersona(c.Request.Context(), id); err != nil {
		logger.Error("删除人设失败: %v", err)
		c.JSON(500, gin.H{"error": "删除人设失败"})
		return
	}
	s.adminAudit(c, "persona delete id=%s", id)
	c.JSON(200, gin.H{"message": "人设已删除"})
}

// ==================== 身份 ====================

func (s *Server) handleListIdentities(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	identities, total, err := s.db.ListIdentities(c.Request.Context(), limit, offset)
	if err != nil {
		logger.Error("获取身份列表失败: %v", err)
		c.JSON(500, gin.H{"error": "获取身份列表失败"})
		return
	}
	c.JSON(200, gin.H{"identities": identities, "total": total})
}

// handleUpdateIdentity 编辑或充值身份
func (s *Server) handleUpdateIdentity(c *gin.Context) {
	id := c.Param("id")
	var req models.IdentityUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}

	ctx := c.Request.Context()
	if err := s.db.UpdateIdentity(ctx, id, &req); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, gin.H{"error": "身份不存在"})
			return
		}
		logger.Warn("更新身份失败 - ID: %s, 错误: %v", id, err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	identity, err := s.db.GetIdentity(ctx, id)
	if err != nil || identity == nil {
		logger.Error("读取身份失败 - ID: %s, 错误: %v", id, err)
		c.JSON(500, gin.H{"error": "读取身份失败"})
		return
	}

	logger.Info("身份已更新 - ID: %s, 增强配额: %d, 专业配额: %d", id, identity.QuotaEnhanced, identity.QuotaPro)
	s.adminAudit(c, "identity update id=%s enhanced=%d pro=%d", id, identity.QuotaEnhanced, identity.QuotaPro)
	c.JSON(200, gin.H{"message": "身份已更新", "identity": identity})
}

func (s *Server) handleDeleteIdentity(c *gin.Context) {
	id := c.Param("id")
	if err := s.db.DeleteIdentity(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, gin.H{"error": "身份不存在"})
			return
		}
		logger.Error("删除身份失败: %v", err)
		c.JSON(500, gin.H{"error": "删除身份失败"})
		return
	}
	logger.Info("身份已删除 - ID: %s", id)
	s.adminAudit(c, "identity delete id=%s", id)
	c.JSON(200, gin.H{"message": "身份已删除"})
}

// ==================== 日志 ====================

func (s *Server) handleGetLogs(c *gin.Context) {
	limit := queryInt(c, "limit", defaultLogLimit)
	if limit <= 0 || limit > maxLogLimit {
		limit = defaultLogLimit
	}
	filter := &models.AuditLogFilter{
		Action:     c.Query("action"),
		IP:         c.Query("ip"),
		IdentityID: c.Query("identity_id"),
		StartTime:  c.Query("start_time"),
		EndTime:    c.Query("end_time"),
		Limit:      limit,
		Offset:     queryInt(c, "offset", 0),
	}

	logs, total, err := s.db.GetAuditLogs(c.Request.Context(), filter)
	if err != nil {
		logger.Error("获取审计日志失败: %v", err)
		c.JSON(500, gin.H{"error": "获取审计日志失败"})
		return
	}
	c.JSON(200, gin.H{"logs": logs, "total": total, "limit": limit, "offset": filter.Offset})
}

// handleServerLogsStream 实时推送服务日志（SSE）
func (s *Server) handleServerLogsStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("connected", "ok")
	c.Writer.Flush()

	logCh := logger.Subscribe()
	defer logger.Unsubscribe(logCh)

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-logCh:
			if !ok {
				return false
			}
			c.SSEvent("log", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ==================== 统计 ====================

func (s *Server) handleDailyMetric(c *gin.Context) {
	date := c.DefaultQuery("date", models.Today())
	metric, err := s.db.GetDailyMetric(c.Request.Context(), date)
	if err != nil {
		logger.Error("获取每日指标失败: %v", err)
		c.JSON(500, gin.H{"error": "获取每日指标失败"})
		return
	}
	c.JSON(200, metric)
}

func (s *Server) handleTraffic(c *gin.Context) {
	date := c.DefaultQuery("date", models.Today())
	rows, err := s.db.GetTraffic(c.Request.Context(), date)
	if err != nil {
		logger.Error("获取流量统计失败: %v", err)
		c.JSON(500, gin.H{"error": "获取流量统计失败"})
		return
	}

	byDimension := make(map[string][]*models.TrafficMetric)
	for _, row := range rows {
		byDimension[row.Dimension] = append(byDimension[row.Dimension], row)
	}
	c.JSON(200, gin.H{"date": date, "traffic": byDimension})
}

func (s *Server) handleKeywords(c *gin.Context) {
	date := c.DefaultQuery("date", models.Today())
	limit := queryInt(c, "limit", 20)
	keywords, err := s.db.GetTopKeywords(c.Request.Context(), date, limit)
	if err != nil {
		logger.Error("获取关键词统计失败: %v", err)
		c.JSON(500, gin.H{"error": "获取关键词统计失败"})
		return
	}
	c.JSON(200, gin.H{"date": date, "keywords": keywords})
}

// ==================== 设置 ====================

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.db.GetSettings(c.Request.Context())
	if err != nil {
		logger.Error("获取设置失败: %v", err)
		c.JSON(500, gin.H{"error": "获取设置失败"})
		return
	}
	c.JSON(200, settings)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req models.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}

	ctx := c.Request.Context()
	if err := s.db.UpdateSettings(ctx, &req); err != nil {
		logger.Warn("更新设置失败: %v", err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	s.settings.Invalidate()

	if req.DebugLog != nil {
		logger.SetDebugEnabled(*req.DebugLog)
	}
	if req.ProxyPoolEnabled != nil || req.ProxyPoolStrategy != nil {
		s.ReloadProxyPool(ctx)
	}

	settings, err := s.db.GetSettings(ctx)
	if err != nil {
		logger.Error("获取设置失败: %v", err)
		c.JSON(500, gin.H{"error": "获取设置失败"})
		return
	}
	logger.Info("设置已更新 - 来源: %s", c.ClientIP())
	s.adminAudit(c, "settings update")
	c.JSON(200, settings)
}

// ==================== 代理池 ====================

func (s *Server) handleListProxies(c *gin.Context) {
	proxies, err := s.db.GetProxies(c.Request.Context())
	if err != nil {
		logger.Error("获取代理列表失败: %v", err)
		c.JSON(500, gin.H{"error": "获取代理列表失败"})
		return
	}
	c.JSON(200, gin.H{"proxies": proxies})
}

func (s *Server) handleCreateProxy(c *gin.Context) {
	logger.Info("创建代理 - 来源: %s", c.ClientIP())

	var req models.ProxyCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("创建代理失败 - 无效的请求格式: %v", err)
		c.JSON(400, gin.H{"error": "无效的请求格式"})
		return
	}
	if err := proxy.ValidateURL(req.URL); err != nil {
		logger.Warn("创建代理失败 - URL 格式错误: %v", err)
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	created, err := s.db.CreateProxy(ctx, &req)
	if err != nil {
		logger.Error("创建代理失败: %v", err)
		c.JSON(500, gin.H{"error": "创建代理失败"})
		return
	}
	s.ReloadProxyPool(ctx)

	logger.Info("代理创建成功 - ID: %d", created.ID)
	s.adminAudit(c, "proxy create id=%d", created.ID)
	c.JSON(200, gin.H{"message": "代理创建成功", "proxy": created})
}

func (s *Server) handleDeleteProxy(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.db.DeleteProxy(ctx, id); err != nil {
		logger.Error("删除代理失败: %v", err)
		c.JSON(500, gin.H{"error": "删除代理失败"})
		return
	}
	s.ReloadProxyPool(ctx)
	s.adminAudit(c, "proxy delete id=%d", id)
	c.JSON(200, gin.H{"message": "代理已删除"})
}
