package api

import (
	"errors"
	"fmt"

	"chat-relay/internal/chat"
	"chat-relay/internal/logger"
	"chat-relay/internal/models"

	"github.com/gin-gonic/gin"
)

// ginEmitter 把 SSE 帧写入 gin 响应并立即刷新
type ginEmitter struct {
	c *gin.Context
}

func (e ginEmitter) Emit(frame string) error {
	if _, err := e.c.Writer.WriteString(frame); err != nil {
		return err
	}
	e.c.Writer.Flush()
	return nil
}

// writeReject 输出流式开始前的拒绝
func writeReject(c *gin.Context, err error) {
	var rej *chat.RejectError
	if !errors.As(err, &rej) {
		logger.Error("[对话] 未分类的错误: %v", err)
		c.JSON(500, gin.H{"error": "服务器内部错误", "code": chat.CodeInternal, "type": chat.TypeInternal})
		return
	}
	c.JSON(rej.Status, gin.H{"error": rej.Message, "code": rej.Code, "type": rej.Type})
}

// handleChat 处理一轮对话，前置检查失败返回 JSON，通过后以 SSE 转发
func (s *Server) handleChat(c *gin.Context) {
	var req models.ChatTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("[对话] 无效的请求格式 - 来源: %s, 错误: %v", c.ClientIP(), err)
		c.JSON(400, gin.H{"error": "无效的请求格式", "code": chat.CodeInvalidRequest, "type": chat.TypePolicy})
		return
	}

	caller := chat.Caller{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Token:     bearerToken(c),
	}
	ctx := c.Request.Context()

	turn, err := s.pipeline.Prepare(ctx, caller, &req)
	if err != nil {
		writeReject(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)
	c.Writer.Flush()

	summary := s.pipeline.Run(ctx, turn, ginEmitter{c: c})
	logger.Info("[对话] 完成 - 会话: %s, 等级: %s, 结果: %s, tokens: %d",
		summary.ConversationID, turn.Tier, summary.Outcome, summary.Usage.TotalTokens)
}

// handleResolveIdentity 解析调用方令牌，首次出现时按默认配额创建身份
func (s *Server) handleResolveIdentity(c *gin.Context) {
	var req models.IdentityResolve
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "无效的请求格式", "code": chat.CodeInvalidRequest, "type": chat.TypePolicy})
		return
	}

	ctx := c.Request.Context()
	settings := s.settings.Get(ctx)
	identity, created, err := s.db.ResolveIdentity(ctx, &req, settings.DefaultQuotaEnhanced, settings.DefaultQuotaPro)
	if err != nil {
		logger.Error("解析身份失败: %v", err)
		c.JSON(500, gin.H{"error": "解析身份失败", "code": chat.CodeInternal, "type": chat.TypeInternal})
		return
	}

	if created {
		logger.Info("新身份已创建 - ID: %s, 名称: %s", identity.ID, identity.DisplayName)
	}
	id := identity.ID
	s.enqueueAudit(c, &id, models.AuditActionIdentityResolve, fmt.Sprintf("created=%v name=%s", created, identity.DisplayName))

	c.JSON(200, gin.H{
		"identity": identity,
		"created":  created,
		"quota":    identity.Remaining(),
	})
}

// handleConversationMessages 按顺序返回会话消息，归属身份的会话只对本人可见
func (s *Server) handleConversationMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		logger.Error("查询会话失败: %v", err)
		c.JSON(500, gin.H{"error": "查询会话失败", "code": chat.CodeInternal, "type": chat.TypeInternal})
		return
	}
	if conv == nil {
		c.JSON(404, gin.H{"error": "会话不存在", "code": "CONVERSATION_NOT_FOUND", "type": chat.TypePolicy})
		return
	}

	if conv.IdentityID != nil {
		callerID := ""
		if token := bearerToken(c); token != "" {
			identity, err := s.db.GetIdentityByToken(ctx, token)
			if err != nil {
				logger.Error("查询身份失败: %v", err)
				c.JSON(500, gin.H{"error": "查询身份失败", "code": chat.CodeInternal, "type": chat.TypeInternal})
				return
			}
			if identity != nil {
				callerID = identity.ID
			}
		}
		if !conv.OwnedBy(callerID) {
			c.JSON(403, gin.H{"error": "无权访问该会话", "code": chat.CodeConversationDenied, "type": chat.TypePolicy})
			return
		}
	}

	messages, err := s.db.GetConversationMessages(ctx, id)
	if err != nil {
		logger.Error("查询会话消息失败: %v", err)
		c.JSON(500, gin.H{"error": "查询会话消息失败", "code": chat.CodeInternal, "type": chat.TypeInternal})
		return
	}
	c.JSON(200, gin.H{"conversation": conv, "messages": messages})
}
