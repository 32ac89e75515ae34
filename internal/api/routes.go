package api

import (
	"github.com/gin-gonic/gin"
)

// setupRoutes 配置所有 HTTP 路由
func (s *Server) setupRoutes(r *gin.Engine) {
	// 健康检查
	r.GET("/healthz", s.handleHealthCheck)
	r.GET("/version", s.handleVersion)

	// Prometheus 指标
	r.GET("/metrics", gin.WrapH(s.prom.Handler()))

	// 对话端点
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/chat", s.handleChat)
		apiGroup.POST("/identity", s.handleResolveIdentity)
		apiGroup.GET("/conversations/:id/messages", s.handleConversationMessages)
	}

	// 后台登录（无需鉴权）
	r.POST("/v2/auth/login", s.handleLogin)

	admin := r.Group("/v2")
	admin.Use(s.requireAdmin)
	{
		admin.POST("/auth/logout", s.handleLogout)

		// 网络规则
		admin.GET("/network-rules", s.handleListNetworkRules)
		admin.POST("/network-rules", s.handleUpsertNetworkRule)
		admin.DELETE("/network-rules/:ip", s.handleDeleteNetworkRule)

		// 审核词表
		admin.GET("/moderation-words", s.handleListModerationWords)
		admin.POST("/moderation-words", s.handleAddModerationWords)
		admin.DELETE("/moderation-words/:id", s.handleDeleteModerationWord)

		// 模型映射与提示词预算
		admin.GET("/model-mappings", s.handleListModelMappings)
		admin.PUT("/model-mappings", s.handleSetModelMappings)
		admin.GET("/prompt-limits", s.handleListPromptLimits)
		admin.PUT("/prompt-limits", s.handleSetPromptLimits)

		// 人设
		admin.GET("/personas", s.handleListPersonas)
		admin.POST("/personas", s.handleCreatePersona)
		admin.DELETE("/personas/:id", s.handleDeletePersona)

		// 身份管理
		admin.GET("/identities", s.handleListIdentities)
		admin.PUT("/identities/:id", s.handleUpdateIdentity)
		admin.DELETE("/identities/:id", s.handleDeleteIdentity)

		// 审计日志与服务日志流
		admin.GET("/logs", s.handleGetLogs)
		admin.GET("/logs/stream", s.handleServerLogsStream)

		// 统计
		admin.GET("/metrics/daily", s.handleDailyMetric)
		admin.GET("/metrics/traffic", s.handleTraffic)
		admin.GET("/metrics/keywords", s.handleKeywords)

		// 设置
		admin.GET("/settings", s.handleGetSettings)
		admin.PUT("/settings", s.handleUpdateSettings)

		// 代理池
		admin.GET("/proxies", s.handleListProxies)
		admin.POST("/proxies", s.handleCreateProxy)
		admin.DELETE("/proxies/:id", s.handleDeleteProxy)
	}
}

// handleHealthCheck 返回服务健康状态
func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// handleVersion 返回版本信息
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(200, gin.H{"version": s.version})
}
