package chat

import (
	"fmt"
	"net/http"
)

// 流式前拒绝的错误码
const (
	CodeIPBlocked            = "IP_BLOCKED"
	CodeIPDailyLimit         = "IP_DAILY_LIMIT_EXCEEDED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeContentFlagged       = "CONTENT_FLAGGED"
	CodeLoginRequired        = "LOGIN_REQUIRED"
	CodeQuotaExhausted       = "QUOTA_EXHAUSTED"
	CodeConversationDenied   = "CONVERSATION_FORBIDDEN"
	CodeBackendNotConfigured = "BACKEND_NOT_CONFIGURED"
	CodeInternal             = "INTERNAL_ERROR"
)

// 错误类型，对应准入、策略、配额三类拒绝
const (
	TypeAdmission = "admission_error"
	TypePolicy    = "policy_error"
	TypeQuota     = "quota_error"
	TypeInternal  = "internal_error"
)

// 下游看到的通用失败提示
const upstreamFailureMessage = "服务暂时不可用，请稍后重试"

// RejectError 流式开始前的拒绝
type RejectError struct {
	Status  int
	Code    string
	Type    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(status int, code, typ, message string) *RejectError {
	return &RejectError{Status: status, Code: code, Type: typ, Message: message}
}

func errInvalid(format string, args ...interface{}) *RejectError {
	return reject(http.StatusBadRequest, CodeInvalidRequest, TypePolicy, fmt.Sprintf(format, args...))
}

var (
	errIPBlocked         = reject(http.StatusForbidden, CodeIPBlocked, TypeAdmission, "访问被拒绝")
	errIPDailyLimit      = reject(http.StatusTooManyRequests, CodeIPDailyLimit, TypeAdmission, "今日请求次数已达上限")
	errContentFlagged    = reject(http.StatusBadRequest, CodeContentFlagged, TypePolicy, "消息包含不允许的内容")
	errLoginRequired     = reject(http.StatusUnauthorized, CodeLoginRequired, TypeQuota, "该等级需要登录后使用")
	errQuotaExhausted    = reject(http.StatusPaymentRequired, CodeQuotaExhausted, TypeQuota, "该等级的配额已用完")
	errConversationOwner = reject(http.StatusForbidden, CodeConversationDenied, TypePolicy, "无权访问该会话")
	errBackendMissing    = reject(http.StatusServiceUnavailable, CodeBackendNotConfigured, TypePolicy, "后端服务未配置")
	errInternal          = reject(http.StatusInternalServerError, CodeInternal, TypeInternal, "服务器内部错误")
)
