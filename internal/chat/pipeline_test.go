package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/admission"
	"chat-relay/internal/backend"
	"chat-relay/internal/cache"
	"chat-relay/internal/config"
	"chat-relay/internal/conversation"
	"chat-relay/internal/database"
	"chat-relay/internal/database/dbtest"
	"chat-relay/internal/ledger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/prompt"
	"chat-relay/internal/publish"
)

const testIP = "203.0.113.7"

type harness struct {
	db    *database.DB
	p     *Pipeline
	hits  int32
	ctx   context.Context
	model atomic.Value
}

// newHarness 组装真实组件，后端由 handler 模拟
func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{db: dbtest.New(t), ctx: context.Background()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.hits, 1)
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.model.Store(body.Model)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	settings := cache.NewSettingsCache(h.db, time.Minute)
	prom := metrics.NewProm()
	h.p = NewPipeline(Deps{
		Store:         h.db,
		Settings:      settings,
		Admission:     admission.NewController(h.db, settings),
		Moderation:    moderation.NewFilter(h.db, time.Minute),
		Ledger:        ledger.New(h.db),
		Prompt:        prompt.New(h.db, time.UTC),
		Backend:       backend.NewClient(config.BackendConfig{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second}),
		Recorder:      metrics.NewRecorder(h.db, prom),
		Writer:        conversation.NewWriter(h.db),
		Prom:          prom,
		DefaultModels: map[string]string{"normal": "model-normal", "enhanced": "model-enhanced", "pro": "model-pro"},
	})
	return h
}

func (h *harness) identity(t *testing.T, token string, enhanced, pro int) *models.Identity {
	t.Helper()
	ident, _, err := h.db.ResolveIdentity(h.ctx, &models.IdentityResolve{Token: token, DisplayName: token}, enhanced, pro)
	require.NoError(t, err)
	return ident
}

func (h *harness) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	_, total, err := h.db.GetAuditLogs(h.ctx, &models.AuditLogFilter{Action: action})
	require.NoError(t, err)
	return total
}

// frameRecorder 收集发给调用方的帧
type frameRecorder struct {
	mu     sync.Mutex
	frames []string
	onEmit func(frame string)
}

func (f *frameRecorder) Emit(frame string) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	if f.onEmit != nil {
		f.onEmit(frame)
	}
	return nil
}

// events 解析 JSON 帧，[DONE] 以 type=done 表示
func (f *frameRecorder) events(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, frame := range f.frames {
		payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
		if payload == "[DONE]" {
			out = append(out, map[string]interface{}{"type": "done"})
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		out = append(out, ev)
	}
	return out
}

func (f *frameRecorder) types(t *testing.T) []string {
	var types []string
	for _, ev := range f.events(t) {
		types = append(types, ev["type"].(string))
	}
	return types
}

func sseHandler(deltas []string, usage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\"}\n\n")
		for _, d := range deltas {
			b, _ := json.Marshal(map[string]string{"type": "response.output_text.delta", "delta": d})
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		if usage != "" {
			fmt.Fprintf(w, "data: {\"type\":\"response.completed\",\"response\":{\"usage\":%s}}\n\n", usage)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func userTurn(tier, text string) *models.ChatTurnRequest {
	return &models.ChatTurnRequest{
		Tier:     tier,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: text}},
		Client:   models.ClientContext{Device: "mobile", Region: "CN"},
	}
}

func requireReject(t *testing.T, err error, status int, code string) {
	t.Helper()
	var rej *RejectError
	require.True(t, errors.As(err, &rej), "期望 RejectError，实际 %v", err)
	assert.Equal(t, status, rej.Status)
	assert.Equal(t, code, rej.Code)
}

func TestNormalGuestHello(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"Hi", " there"}, ""))

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, UserAgent: "ua"}, userTurn("normal", "hello"))
	require.NoError(t, err)
	assert.Nil(t, turn.Identity)
	assert.NotEmpty(t, turn.ConversationID)

	out := &frameRecorder{}
	sum := h.p.Run(h.ctx, turn, out)

	assert.Equal(t, metrics.OutcomeOK, sum.Outcome)
	assert.Equal(t, "Hi there", sum.Text)
	assert.True(t, sum.Persisted)
	assert.Equal(t, "model-normal", h.model.Load())
	assert.Equal(t, []string{"delta", "delta", "final", "done"}, out.types(t))

	msgs, err := h.db.GetConversationMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Positive(t, msgs[1].CompletionTokens, "缺少上游用量时应估算")

	count, err := h.db.GetRequestCount(h.ctx, testIP, models.Today())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChat))
}

func TestRoundTripUsageMatchesFinalFrame(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"answer"}, `{"input_tokens":21,"output_tokens":4,"total_tokens":25}`))
	ident := h.identity(t, "tok-round", 2, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-round"}, userTurn("enhanced", "question"))
	require.NoError(t, err)
	out := &frameRecorder{}
	h.p.Run(h.ctx, turn, out)

	events := out.events(t)
	require.Len(t, events, 3)
	final := events[1]
	assert.Equal(t, "final", final["type"])
	assert.Equal(t, turn.ConversationID, final["conversation_id"])
	usage := final["usage"].(map[string]interface{})
	assert.EqualValues(t, 21, usage["prompt_tokens"])
	assert.EqualValues(t, 4, usage["completion_tokens"])
	assert.EqualValues(t, 25, usage["total_tokens"])
	quota := final["quota"].(map[string]interface{})
	assert.EqualValues(t, 1, quota["enhanced"])

	msgs, err := h.db.GetConversationMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 21, msgs[1].PromptTokens)
	assert.Equal(t, 4, msgs[1].CompletionTokens)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.QuotaEnhanced)

	conv, err := h.db.GetConversation(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.OwnedBy(ident.ID))
}

func TestSequentialPremiumTurnsDecrement(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, ""))
	ident := h.identity(t, "tok-seq", 0, 3)

	for i := 0; i < 3; i++ {
		turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-seq"}, userTurn("pro", "again"))
		require.NoError(t, err)
		h.p.Run(h.ctx, turn, &frameRecorder{})
	}

	_, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-seq"}, userTurn("pro", "again"))
	requireReject(t, err, http.StatusPaymentRequired, CodeQuotaExhausted)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.QuotaPro)
}

func TestProQuotaZeroRejected(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"never"}, ""))
	ident := h.identity(t, "tok-zero", 5, 0)

	req := userTurn("pro", "hi")
	req.ConversationID = "conv-zero"
	_, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-zero"}, req)
	requireReject(t, err, http.StatusPaymentRequired, CodeQuotaExhausted)

	assert.Zero(t, atomic.LoadInt32(&h.hits))
	n, err := h.db.CountMessages(h.ctx, "conv-zero")
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.QuotaPro)
	assert.Equal(t, 5, stored.QuotaEnhanced)
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatRejectQuota))
}

func TestPremiumGuestNeedsLogin(t *testing.T) {
	h := newHarness(t, sseHandler(nil, ""))

	_, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("enhanced", "hi"))
	requireReject(t, err, http.StatusUnauthorized, CodeLoginRequired)

	// 未知令牌按游客处理
	_, err = h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "unknown"}, userTurn("pro", "hi"))
	requireReject(t, err, http.StatusUnauthorized, CodeLoginRequired)
	assert.Zero(t, atomic.LoadInt32(&h.hits))
}

func TestFlaggedInputRejectedBeforeBackend(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"never"}, ""))
	_, err := h.db.AddModerationWords(h.ctx, []string{"违禁词"})
	require.NoError(t, err)

	_, err = h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("normal", "这里有违禁词哦"))
	requireReject(t, err, http.StatusBadRequest, CodeContentFlagged)

	assert.Zero(t, atomic.LoadInt32(&h.hits))
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatRejectInput))
	assert.Zero(t, h.auditCount(t, models.AuditActionChat))
}

func TestTrustedIdentitySkipsInputModeration(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"fine"}, ""))
	_, err := h.db.AddModerationWords(h.ctx, []string{"secret"})
	require.NoError(t, err)
	ident := h.identity(t, "tok-trusted", 0, 0)
	tag := models.DefaultTrustedTag
	require.NoError(t, h.db.UpdateIdentity(h.ctx, ident.ID, &models.IdentityUpdate{TrustTag: &tag}))

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-trusted"}, userTurn("normal", "tell me the secret"))
	require.NoError(t, err)
	sum := h.p.Run(h.ctx, turn, &frameRecorder{})
	assert.Equal(t, metrics.OutcomeOK, sum.Outcome)
}

func TestFlaggedOutputReplaced(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"here is the ", "badword", " text"}, ""))
	_, err := h.db.AddModerationWords(h.ctx, []string{"badword"})
	require.NoError(t, err)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("normal", "say something"))
	require.NoError(t, err)
	out := &frameRecorder{}
	sum := h.p.Run(h.ctx, turn, out)

	assert.Equal(t, metrics.OutcomeReplaced, sum.Outcome)
	assert.Equal(t, []string{"delta", "delta", "delta", "replace", "final", "done"}, out.types(t))
	assert.Equal(t, moderation.RefusalText, out.events(t)[3]["content"])

	msgs, err := h.db.GetConversationMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, moderation.RefusalText, msgs[1].Content)
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatReplaced))
}

func TestUpstreamErrorCommitsNothing(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusInternalServerError)
	})
	ident := h.identity(t, "tok-up", 1, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-up"}, userTurn("enhanced", "hi"))
	require.NoError(t, err)
	out := &frameRecorder{}
	sum := h.p.Run(h.ctx, turn, out)

	assert.Equal(t, metrics.OutcomeUpstreamError, sum.Outcome)
	assert.Equal(t, []string{"error", "done"}, out.types(t))

	n, err := h.db.CountMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.QuotaEnhanced)

	count, err := h.db.GetRequestCount(h.ctx, testIP, models.Today())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "准入计数不回滚")

	daily, err := h.db.GetDailyMetric(h.ctx, models.Today())
	require.NoError(t, err)
	assert.EqualValues(t, 1, daily.TotalRequests)
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatUpstreamErr))
}

func TestMidStreamDropKeepsPartialText(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})
	ident := h.identity(t, "tok-drop", 2, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-drop"}, userTurn("enhanced", "long question"))
	require.NoError(t, err)
	out := &frameRecorder{}
	sum := h.p.Run(h.ctx, turn, out)

	assert.Equal(t, metrics.OutcomeBroken, sum.Outcome)
	assert.Equal(t, []string{"delta", "error", "done"}, out.types(t))

	msgs, err := h.db.GetConversationMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.QuotaEnhanced, "中断的轮次不扣减配额")
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatBroken))
}

func TestMidStreamDropFlaggedPartialReplaced(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"here is badword\"}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})
	_, err := h.db.AddModerationWords(h.ctx, []string{"badword"})
	require.NoError(t, err)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("normal", "say something"))
	require.NoError(t, err)
	out := &frameRecorder{}
	sum := h.p.Run(h.ctx, turn, out)

	assert.Equal(t, metrics.OutcomeBroken, sum.Outcome)
	assert.Equal(t, moderation.RefusalText, sum.Text)
	assert.Equal(t, []string{"delta", "replace", "error", "done"}, out.types(t))
	assert.Equal(t, moderation.RefusalText, out.events(t)[1]["content"])

	msgs, err := h.db.GetConversationMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, moderation.RefusalText, msgs[1].Content, "中断的轮次也不能保存命中审核词的内容")
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatBroken))
}

func TestCallerCancelSkipsLedgerAndPersistence(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	ident := h.identity(t, "tok-cancel", 1, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-cancel"}, userTurn("enhanced", "hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	out := &frameRecorder{onEmit: func(string) { cancel() }}
	sum := h.p.Run(ctx, turn, out)

	assert.Equal(t, metrics.OutcomeCanceled, sum.Outcome)
	n, err := h.db.CountMessages(h.ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := h.db.GetIdentity(h.ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.QuotaEnhanced)
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatCanceled))
}

func TestConversationOwnership(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, ""))
	h.identity(t, "tok-a", 0, 0)
	h.identity(t, "tok-b", 0, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-a"}, userTurn("normal", "mine"))
	require.NoError(t, err)
	h.p.Run(h.ctx, turn, &frameRecorder{})

	req := userTurn("normal", "steal")
	req.ConversationID = turn.ConversationID
	_, err = h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-b"}, req)
	requireReject(t, err, http.StatusForbidden, CodeConversationDenied)

	_, err = h.p.Prepare(h.ctx, Caller{IP: testIP}, req)
	requireReject(t, err, http.StatusForbidden, CodeConversationDenied)

	// 归属一致时可继续
	req.ConversationID = turn.ConversationID
	again, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-a"}, req)
	require.NoError(t, err)
	assert.Equal(t, turn.ConversationID, again.ConversationID)
}

func TestConcurrentFirstTurnsKeepOwnership(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, ""))
	pub := &capturePublisher{}
	h.p.Publisher = pub
	a := h.identity(t, "tok-first", 1, 0)
	b := h.identity(t, "tok-second", 1, 0)

	// 两个身份在会话尚未落库时都通过了归属检查
	reqA := userTurn("enhanced", "from a")
	reqA.ConversationID = "shared-id"
	turnA, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-first"}, reqA)
	require.NoError(t, err)
	reqB := userTurn("enhanced", "from b")
	reqB.ConversationID = "shared-id"
	turnB, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-second"}, reqB)
	require.NoError(t, err)

	sumA := h.p.Run(h.ctx, turnA, &frameRecorder{})
	assert.Equal(t, metrics.OutcomeOK, sumA.Outcome)
	assert.True(t, sumA.Persisted)

	out := &frameRecorder{}
	sumB := h.p.Run(h.ctx, turnB, out)
	assert.Equal(t, metrics.OutcomeRejected, sumB.Outcome)
	assert.False(t, sumB.Persisted)
	assert.Equal(t, []string{"delta", "error", "done"}, out.types(t))

	conv, err := h.db.GetConversation(h.ctx, "shared-id")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.True(t, conv.OwnedBy(a.ID))

	msgs, err := h.db.GetConversationMessages(h.ctx, "shared-id")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "from a", msgs[0].Content)

	stored, err := h.db.GetIdentity(h.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.QuotaEnhanced, "作废的轮次不扣减配额")
	assert.EqualValues(t, 1, h.auditCount(t, models.AuditActionChatConflict))
	require.Len(t, pub.events, 1)
	assert.Equal(t, a.ID, pub.events[0].IdentityID)
}

func TestAdmissionRejections(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, ""))

	_, err := h.db.UpsertNetworkRule(h.ctx, &models.NetworkRuleUpsert{IP: "198.51.100.1", Kind: models.NetworkRuleBlock})
	require.NoError(t, err)
	_, err = h.p.Prepare(h.ctx, Caller{IP: "198.51.100.1"}, userTurn("normal", "hi"))
	requireReject(t, err, http.StatusForbidden, CodeIPBlocked)

	count, err := h.db.GetRequestCount(h.ctx, "198.51.100.1", models.Today())
	require.NoError(t, err)
	assert.Zero(t, count, "封禁 IP 不计数")

	limit := 1
	_, err = h.db.UpsertNetworkRule(h.ctx, &models.NetworkRuleUpsert{IP: "198.51.100.2", Kind: models.NetworkRuleLimit, DailyLimit: &limit})
	require.NoError(t, err)
	_, err = h.p.Prepare(h.ctx, Caller{IP: "198.51.100.2"}, userTurn("normal", "hi"))
	require.NoError(t, err)
	_, err = h.p.Prepare(h.ctx, Caller{IP: "198.51.100.2"}, userTurn("normal", "hi"))
	requireReject(t, err, http.StatusTooManyRequests, CodeIPDailyLimit)
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, sseHandler(nil, ""))
	tests := []struct {
		name string
		req  *models.ChatTurnRequest
	}{
		{"nil", nil},
		{"unknown tier", userTurn("ultra", "hi")},
		{"no messages", &models.ChatTurnRequest{Tier: "normal"}},
		{"bad role", &models.ChatTurnRequest{Messages: []models.ChatMessage{{Role: "system", Content: "x"}}}},
		{"no user message", &models.ChatTurnRequest{Messages: []models.ChatMessage{{Role: models.RoleAssistant, Content: "x"}}}},
		{"long conversation id", &models.ChatTurnRequest{
			ConversationID: strings.Repeat("c", maxConversationIDLen+1),
			Messages:       []models.ChatMessage{{Role: models.RoleUser, Content: "x"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, tt.req)
			requireReject(t, err, http.StatusBadRequest, CodeInvalidRequest)
		})
	}

	count, err := h.db.GetRequestCount(h.ctx, testIP, models.Today())
	require.NoError(t, err)
	assert.Zero(t, count, "无效请求不计入准入")
}

func TestBackendNotConfigured(t *testing.T) {
	h := newHarness(t, sseHandler(nil, ""))
	h.p.Backend = backend.NewClient(config.BackendConfig{BaseURL: "http://127.0.0.1:1"})

	_, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("normal", "hi"))
	requireReject(t, err, http.StatusServiceUnavailable, CodeBackendNotConfigured)
}

func TestModelMappingOverridesDefault(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, ""))
	require.NoError(t, h.db.SetModelMappings(h.ctx, map[string]string{"normal": "mapped-model"}))

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP}, userTurn("normal", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "mapped-model", turn.Model)
	h.p.Run(h.ctx, turn, &frameRecorder{})
	assert.Equal(t, "mapped-model", h.model.Load())
}

// capturePublisher 记录发布的轮次事件
type capturePublisher struct {
	mu     sync.Mutex
	events []publish.TurnEvent
}

func (c *capturePublisher) PublishTurn(_ context.Context, ev publish.TurnEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestPersistedTurnIsPublished(t *testing.T) {
	h := newHarness(t, sseHandler([]string{"ok"}, `{"input_tokens":5,"output_tokens":1,"total_tokens":6}`))
	pub := &capturePublisher{}
	h.p.Publisher = pub
	ident := h.identity(t, "tok-pub", 1, 0)

	turn, err := h.p.Prepare(h.ctx, Caller{IP: testIP, Token: "tok-pub"}, userTurn("enhanced", "hi"))
	require.NoError(t, err)
	h.p.Run(h.ctx, turn, &frameRecorder{})

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, turn.ConversationID, ev.ConversationID)
	assert.Equal(t, ident.ID, ev.IdentityID)
	assert.Equal(t, "enhanced", ev.Tier)
	assert.Equal(t, metrics.OutcomeOK, ev.Outcome)
	assert.Equal(t, 6, ev.Usage.TotalTokens)

	// 上游失败不落库，也不发布
	h2 := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	pub2 := &capturePublisher{}
	h2.p.Publisher = pub2
	turn, err = h2.p.Prepare(h2.ctx, Caller{IP: testIP}, userTurn("normal", "hi"))
	require.NoError(t, err)
	h2.p.Run(h2.ctx, turn, &frameRecorder{})
	assert.Empty(t, pub2.events)
}
