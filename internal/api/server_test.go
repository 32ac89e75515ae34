package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/admission"
	"chat-relay/internal/backend"
	"chat-relay/internal/cache"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/conversation"
	"chat-relay/internal/database"
	"chat-relay/internal/database/dbtest"
	"chat-relay/internal/ledger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/prompt"
	"chat-relay/internal/proxy"
	"chat-relay/internal/session"
)

const adminPassword = "s3cret"

type testServer struct {
	srv    *Server
	router *gin.Engine
	db     *database.DB
}

// newTestServer 组装完整依赖，后端固定返回 "Hello"
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hello\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":10,\"output_tokens\":2,\"total_tokens\":12}}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Load()
	cfg.Admin.Password = adminPassword
	cfg.Backend.BaseURL = upstream.URL
	cfg.Backend.APIKey = "sk-test"

	db := dbtest.New(t)
	settings := cache.NewSettingsCache(db, time.Minute)
	filter := moderation.NewFilter(db, time.Minute)
	prom := metrics.NewProm()
	pipeline := chat.NewPipeline(chat.Deps{
		Store:         db,
		Settings:      settings,
		Admission:     admission.NewController(db, settings),
		Moderation:    filter,
		Ledger:        ledger.New(db),
		Prompt:        prompt.New(db, time.UTC),
		Backend:       backend.NewClient(cfg.Backend),
		Recorder:      metrics.NewRecorder(db, prom),
		Writer:        conversation.NewWriter(db),
		Prom:          prom,
		DefaultModels: cfg.Backend.Models,
	})

	srv := NewServer(Deps{
		Config:   cfg,
		DB:       db,
		Pipeline: pipeline,
		Settings: settings,
		Filter:   filter,
		Pool:     proxy.NewPool(models.ProxyStrategyRoundRobin),
		Sessions: session.NewMemoryStore(),
		Prom:     prom,
		Version:  "test",
	})
	t.Cleanup(srv.Stop)

	return &testServer{srv: srv, router: srv.Router(), db: db}
}

func (ts *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	w := ts.do("POST", "/v2/auth/login", "", gin.H{"password": adminPassword})
	require.Equal(t, 200, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.Token, session.TokenPrefix))
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func chatBody(tier, text string) gin.H {
	return gin.H{
		"tier":     tier,
		"messages": []gin.H{{"role": "user", "content": text}},
		"client":   gin.H{"device": "desktop", "region": "CN"},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/healthz", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = ts.do("GET", "/metrics", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestChatStreamsFrames(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/api/chat", "", chatBody("normal", "hello"))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"type":"delta"`)
	assert.Contains(t, body, `"type":"final"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
}

func TestChatRejectionsAreJSON(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"高级等级需要登录", chatBody("pro", "hi"), 401, chat.CodeLoginRequired},
		{"未知等级", chatBody("ultra", "hi"), 400, chat.CodeInvalidRequest},
		{"空消息", gin.H{"tier": "normal"}, 400, chat.CodeInvalidRequest},
		{"请求体不是对象", []int{1, 2}, 400, chat.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("POST", "/api/chat", "", tt.body)
			assert.Equal(t, tt.status, w.Code)
			resp := decode(t, w)
			assert.Equal(t, tt.code, resp["code"])
			assert.NotEmpty(t, resp["error"])
			assert.NotEmpty(t, resp["type"])
		})
	}
}

func TestConversationReadBackOwnership(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, _, err := ts.db.ResolveIdentity(ctx, &models.IdentityResolve{Token: "owner"}, 1, 1)
	require.NoError(t, err)
	_, _, err = ts.db.ResolveIdentity(ctx, &models.IdentityResolve{Token: "other"}, 1, 1)
	require.NoError(t, err)

	body := chatBody("normal", "hello")
	body["conversation_id"] = "conv-owned"
	w := ts.do("POST", "/api/chat", "owner", body)
	require.Equal(t, 200, w.Code)

	w = ts.do("GET", "/api/conversations/conv-owned/messages", "other", nil)
	assert.Equal(t, 403, w.Code)
	assert.Equal(t, chat.CodeConversationDenied, decode(t, w)["code"])

	w = ts.do("GET", "/api/conversations/conv-owned/messages", "", nil)
	assert.Equal(t, 403, w.Code)

	w = ts.do("GET", "/api/conversations/conv-owned/messages", "owner", nil)
	require.Equal(t, 200, w.Code)
	msgs := decode(t, w)["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].(map[string]interface{})["content"])
	assert.Equal(t, "Hello", msgs[1].(map[string]interface{})["content"])

	w = ts.do("GET", "/api/conversations/missing/messages", "", nil)
	assert.Equal(t, 404, w.Code)
}

func TestAnonymousConversationReadableByID(t *testing.T) {
	ts := newTestServer(t)

	body := chatBody("normal", "hello")
	body["conversation_id"] = "conv-anon"
	require.Equal(t, 200, ts.do("POST", "/api/chat", "", body).Code)

	w := ts.do("GET", "/api/conversations/conv-anon/messages", "", nil)
	require.Equal(t, 200, w.Code)
	assert.Len(t, decode(t, w)["messages"], 2)
}

func TestResolveIdentityUsesDefaultQuotas(t *testing.T) {
	ts := newTestServer(t)
	defaults := models.DefaultSettings()

	w := ts.do("POST", "/api/identity", "", gin.H{"token": "tok-new", "display_name": "小明", "region": "上海"})
	require.Equal(t, 200, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["created"])
	quota := resp["quota"].(map[string]interface{})
	assert.EqualValues(t, defaults.DefaultQuotaEnhanced, quota["enhanced"])
	assert.EqualValues(t, defaults.DefaultQuotaPro, quota["pro"])
	assert.NotContains(t, w.Body.String(), "tok-new", "令牌不应出现在响应中")

	w = ts.do("POST", "/api/identity", "", gin.H{"token": "tok-new"})
	require.Equal(t, 200, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])

	w = ts.do("POST", "/api/identity", "", gin.H{"display_name": "无令牌"})
	assert.Equal(t, 400, w.Code)

	// Stop 会写完队列中的审计记录
	ts.srv.Stop()
	_, total, err := ts.db.GetAuditLogs(context.Background(), &models.AuditLogFilter{Action: models.AuditActionIdentityResolve})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestAdminRequiresSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/v2/settings", "", nil)
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, w)["code"])

	w = ts.do("GET", "/v2/settings", "sess-forged", nil)
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "INVALID_SESSION", decode(t, w)["code"])

	token := ts.login(t)
	w = ts.do("GET", "/v2/settings", token, nil)
	assert.Equal(t, 200, w.Code)

	w = ts.do("GET", "/v2/settings?token="+token, "", nil)
	assert.Equal(t, 200, w.Code)

	require.Equal(t, 200, ts.do("POST", "/v2/auth/logout", token, nil).Code)
	w = ts.do("GET", "/v2/settings", token, nil)
	assert.Equal(t, 401, w.Code)
}

func TestLoginAttemptsLimited(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := ts.do("POST", "/v2/auth/login", "", gin.H{"password": "wrong"})
		require.Equal(t, 401, w.Code)
	}
	w := ts.do("POST", "/v2/auth/login", "", gin.H{"password": adminPassword})
	assert.Equal(t, 429, w.Code)
	assert.Equal(t, "TOO_MANY_ATTEMPTS", decode(t, w)["code"])
}

func TestModerationWordsTakeEffectImmediately(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	require.Equal(t, 200, ts.do("POST", "/api/chat", "", chatBody("normal", "说说禁词")).Code)

	w := ts.do("POST", "/v2/moderation-words", token, gin.H{"words": []string{"禁词"}})
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["added"])

	w = ts.do("POST", "/api/chat", "", chatBody("normal", "说说禁词"))
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, chat.CodeContentFlagged, decode(t, w)["code"])
}

func TestNetworkRuleBlocksChat(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	w := ts.do("POST", "/v2/network-rules", token, gin.H{"ip": "192.0.2.1", "kind": "block"})
	require.Equal(t, 200, w.Code, w.Body.String())

	w = ts.do("POST", "/api/chat", "", chatBody("normal", "hi"))
	assert.Equal(t, 403, w.Code)
	assert.Equal(t, chat.CodeIPBlocked, decode(t, w)["code"])

	require.Equal(t, 200, ts.do("DELETE", "/v2/network-rules/192.0.2.1", token, nil).Code)
	assert.Equal(t, 200, ts.do("POST", "/api/chat", "", chatBody("normal", "hi")).Code)

	w = ts.do("POST", "/v2/network-rules", token, gin.H{"ip": "192.0.2.9", "kind": "limit"})
	assert.Equal(t, 400, w.Code, "限额规则缺少 daily_limit")
}

func TestIdentityRecharge(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	ident, _, err := ts.db.ResolveIdentity(context.Background(), &models.IdentityResolve{Token: "tok-r"}, 0, 0)
	require.NoError(t, err)

	w := ts.do("PUT", "/v2/identities/"+ident.ID, token, gin.H{"add_pro": 5, "trust_tag": "trusted"})
	require.Equal(t, 200, w.Code, w.Body.String())
	updated := decode(t, w)["identity"].(map[string]interface{})
	assert.EqualValues(t, 5, updated["quota_pro"])
	assert.Equal(t, "trusted", updated["trust_tag"])

	assert.Equal(t, 404, ts.do("PUT", "/v2/identities/missing", token, gin.H{"add_pro": 1}).Code)
	assert.Equal(t, 200, ts.do("DELETE", "/v2/identities/"+ident.ID, token, nil).Code)
	assert.Equal(t, 404, ts.do("DELETE", "/v2/identities/"+ident.ID, token, nil).Code)
}

func TestSettingsUpdateInvalidatesCache(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	w := ts.do("PUT", "/v2/settings", token, gin.H{"defaultDailyLimit": 1})
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["defaultDailyLimit"])

	require.Equal(t, 200, ts.do("POST", "/api/chat", "", chatBody("normal", "one")).Code)
	w = ts.do("POST", "/api/chat", "", chatBody("normal", "two"))
	assert.Equal(t, 429, w.Code)
	assert.Equal(t, chat.CodeIPDailyLimit, decode(t, w)["code"])

	w = ts.do("PUT", "/v2/settings", token, gin.H{"proxyPoolStrategy": "fastest"})
	assert.Equal(t, 400, w.Code)
}

func TestProxyCreateValidatesURL(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	w := ts.do("POST", "/v2/proxies", token, gin.H{"url": "ftp://example.com"})
	assert.Equal(t, 400, w.Code)

	w = ts.do("POST", "/v2/proxies", token, gin.H{"url": "socks5://127.0.0.1:1080", "name": "local"})
	require.Equal(t, 200, w.Code, w.Body.String())
	total, _ := ts.srv.pool.Stats()
	assert.Equal(t, 1, total)

	w = ts.do("GET", "/v2/proxies", token, nil)
	require.Equal(t, 200, w.Code)
	assert.Len(t, decode(t, w)["proxies"], 1)

	assert.Equal(t, 400, ts.do("DELETE", "/v2/proxies/abc", token, nil).Code)
}

func TestMetricsEndpointsAfterChat(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	require.Equal(t, 200, ts.do("POST", "/api/chat", "", chatBody("normal", "今天 天气")).Code)

	w := ts.do("GET", "/v2/metrics/daily", token, nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total_requests"])

	w = ts.do("GET", "/v2/metrics/traffic?date="+models.Today(), token, nil)
	require.Equal(t, 200, w.Code)
	traffic := decode(t, w)["traffic"].(map[string]interface{})
	assert.Contains(t, traffic, models.TrafficDevice)

	w = ts.do("GET", "/v2/metrics/keywords", token, nil)
	require.Equal(t, 200, w.Code)
	assert.NotEmpty(t, decode(t, w)["keywords"])

	w = ts.do("GET", "/v2/logs?action="+models.AuditActionChat, token, nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}
