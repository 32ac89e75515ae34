package models

// 审计动作
const (
	AuditActionChat            = "chat"
	AuditActionChatReplaced    = "chat_replaced"
	AuditActionChatUpstreamErr = "chat_upstream_error"
	AuditActionChatBroken      = "chat_stream_broken"
	AuditActionChatCanceled    = "chat_canceled"
	AuditActionChatConflict    = "chat_conversation_conflict"
	AuditActionChatRejectInput = "chat_rejected_input"
	AuditActionChatRejectQuota = "chat_rejected_quota"
	AuditActionIdentityResolve = "identity_resolve"
	AuditActionAdminWrite      = "admin_write"
)

// AuditContentLimit 审计内容最大字符数
const AuditContentLimit = 120

// AuditLogEntry 审计日志，写入后不可修改
type AuditLogEntry struct {
	ID         string  `gorm:"primaryKey;size:36" json:"id"`
	IdentityID *string `gorm:"column:identity_id;size:36;index" json:"identity_id,omitempty"`
	IP         string  `gorm:"size:45;index:idx_audit_ip_time,priority:1" json:"ip"`
	UserAgent  string  `gorm:"column:user_agent;size:500" json:"user_agent"`
	Action     string  `gorm:"size:50;index" json:"action"`
	Content    string  `gorm:"size:500" json:"content"`
	LatencyMs  int64   `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt  string  `gorm:"column:created_at;size:50;not null;index;index:idx_audit_ip_time,priority:2" json:"created_at"`
}

// TableName 指定表名
func (AuditLogEntry) TableName() string {
	return "audit_logs"
}

// TruncateAuditContent 按字符截断审计内容
func TruncateAuditContent(s string) string {
	r := []rune(s)
	if len(r) <= AuditContentLimit {
		return s
	}
	return string(r[:AuditContentLimit])
}

// AuditLogFilter 审计日志查询条件
type AuditLogFilter struct {
	Action     string
	IP         string
	IdentityID string
	StartTime  string
	EndTime    string
	Limit      int
	Offset     int
}
