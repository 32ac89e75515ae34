// Package metrics 记录每个轮次的聚合指标与审计日志
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

// MaxKeywordsPerTurn 每轮最多统计的关键词片段数
const MaxKeywordsPerTurn = 12

// 关键词列宽
const maxKeywordRunes = 64

// Store 指标与审计存储
type Store interface {
	RecordDailyMetric(ctx context.Context, date string, latencyMs int64, tokens int) error
	IncrementTraffic(ctx context.Context, date, dimension, key string) error
	IncrementKeywords(ctx context.Context, date string, keywords []string) error
	CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
}

// TurnRecord 一个结束轮次的统计信息
type TurnRecord struct {
	Tier        models.Tier
	Outcome     string
	Action      string
	IdentityID  *string
	IP          string
	UserAgent   string
	Client      models.ClientContext
	UserMessage string
	// Content 写入审计的内容，为空时使用 UserMessage
	Content string
	Latency time.Duration
	Usage   models.Usage
}

// Recorder 指标与审计记录器
type Recorder struct {
	store Store
	prom  *Prom
	today func() string
}

// NewRecorder 创建记录器，prom 可为空
func NewRecorder(store Store, prom *Prom) *Recorder {
	return &Recorder{store: store, prom: prom, today: models.Today}
}

// Record 更新当日指标、流量分布、关键词并追加一条审计
// 每一步独立执行，前一步失败不会跳过后续步骤
func (r *Recorder) Record(ctx context.Context, rec TurnRecord) error {
	date := r.today()
	latencyMs := rec.Latency.Milliseconds()
	var errs []error

	if err := r.store.RecordDailyMetric(ctx, date, latencyMs, rec.Usage.TotalTokens); err != nil {
		errs = append(errs, err)
	}

	for _, t := range trafficKeys(rec.Client) {
		if err := r.store.IncrementTraffic(ctx, date, t[0], t[1]); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.store.IncrementKeywords(ctx, date, Keywords(rec.UserMessage)); err != nil {
		errs = append(errs, err)
	}

	content := rec.Content
	if content == "" {
		content = rec.UserMessage
	}
	entry := &models.AuditLogEntry{
		IdentityID: rec.IdentityID,
		IP:         rec.IP,
		UserAgent:  rec.UserAgent,
		Action:     rec.Action,
		Content:    content,
		LatencyMs:  latencyMs,
	}
	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		errs = append(errs, err)
	}

	if r.prom != nil {
		r.prom.ObserveTurn(string(rec.Tier), rec.Outcome, rec.Latency, rec.Usage.PromptTokens, rec.Usage.CompletionTokens)
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("记录轮次指标失败 - 动作: %s, IP: %s, 错误: %v", rec.Action, rec.IP, err)
		return err
	}
	return nil
}

// RecordRejection 记录流式前的拒绝，只写审计不计入每日指标
func (r *Recorder) RecordRejection(ctx context.Context, code string, rec TurnRecord) error {
	if r.prom != nil {
		r.prom.ObserveRejection(code)
	}
	entry := &models.AuditLogEntry{
		IdentityID: rec.IdentityID,
		IP:         rec.IP,
		UserAgent:  rec.UserAgent,
		Action:     rec.Action,
		Content:    rec.UserMessage,
		LatencyMs:  rec.Latency.Milliseconds(),
	}
	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		logger.Error("写入拒绝审计失败 - 动作: %s, 错误: %v", rec.Action, err)
		return err
	}
	return nil
}

// trafficKeys 设备与地区仅在客户端提供时统计，来源固定为 direct
func trafficKeys(client models.ClientContext) [][2]string {
	keys := make([][2]string, 0, 3)
	if d := strings.TrimSpace(client.Device); d != "" {
		keys = append(keys, [2]string{models.TrafficDevice, d})
	}
	if reg := strings.TrimSpace(client.Region); reg != "" {
		keys = append(keys, [2]string{models.TrafficRegion, reg})
	}
	return append(keys, [2]string{models.TrafficSource, models.TrafficSourceDirect})
}

// Keywords 取消息按空白切分后的前 12 个片段
func Keywords(message string) []string {
	fields := strings.Fields(message)
	if len(fields) > MaxKeywordsPerTurn {
		fields = fields[:MaxKeywordsPerTurn]
	}
	for i, f := range fields {
		if utf8.RuneCountInString(f) > maxKeywordRunes {
			fields[i] = string([]rune(f)[:maxKeywordRunes])
		}
	}
	return fields
}
