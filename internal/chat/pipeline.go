// Package chat 实现单轮对话的准入、审核、转发与记账流程
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"chat-relay/internal/admission"
	"chat-relay/internal/backend"
	"chat-relay/internal/conversation"
	"chat-relay/internal/database"
	"chat-relay/internal/ledger"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/prompt"
	"chat-relay/internal/publish"
	"chat-relay/internal/stream"
	"chat-relay/internal/tokenizer"
)

// 会话 ID 最大长度，与 conversations.id 列宽一致
const maxConversationIDLen = 64

// Store 流程中需要的只读查询
type Store interface {
	GetIdentityByToken(ctx context.Context, token string) (*models.Identity, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetModelMapping(ctx context.Context, tier models.Tier) (string, error)
}

// Backend 上游流式接口
type Backend interface {
	Configured() bool
	Open(ctx context.Context, req backend.Request) (io.ReadCloser, error)
}

// Emitter 向调用方写出一个 SSE 帧
type Emitter interface {
	Emit(frame string) error
}

// Deps 流程依赖
type Deps struct {
	Store      Store
	Settings   admission.SettingsProvider
	Admission  *admission.Controller
	Moderation *moderation.Filter
	Ledger     *ledger.Ledger
	Prompt     *prompt.Assembler
	Backend    Backend
	Recorder   *metrics.Recorder
	Writer     *conversation.Writer
	Publisher  publish.Publisher
	Prom       *metrics.Prom
	// DefaultModels 数据库未配置映射时使用的 tier -> 模型
	DefaultModels map[string]string
}

// Pipeline 对话流程
type Pipeline struct {
	Deps
	now func() time.Time
}

// NewPipeline 创建对话流程
func NewPipeline(deps Deps) *Pipeline {
	if deps.Publisher == nil {
		deps.Publisher = publish.Nop{}
	}
	return &Pipeline{Deps: deps, now: time.Now}
}

// Caller 调用方的网络与凭据信息
type Caller struct {
	IP        string
	UserAgent string
	Token     string
}

// Turn 已通过全部前置检查、等待转发的轮次
type Turn struct {
	Caller         Caller
	Request        *models.ChatTurnRequest
	Tier           models.Tier
	Identity       *models.Identity
	ConversationID string
	UserMessage    string
	Instructions   string
	Persona        models.Persona
	Model          string
	history        []models.ChatMessage
	started        time.Time
}

func (t *Turn) identityID() *string {
	if t.Identity == nil {
		return nil
	}
	id := t.Identity.ID
	return &id
}

// Summary 一轮结束后的结果
type Summary struct {
	Outcome        string
	ConversationID string
	Text           string
	Usage          models.Usage
	Quota          models.QuotaRemaining
	Persisted      bool
}

// Prepare 依次执行请求校验、准入、会话归属、输入审核、配额预检、凭据检查与提示词组装
// 任一步骤拒绝时返回 *RejectError，不会调用后端
func (p *Pipeline) Prepare(ctx context.Context, caller Caller, req *models.ChatTurnRequest) (*Turn, error) {
	started := p.now()

	tier, history, err := validate(req)
	if err != nil {
		return nil, err
	}

	decision, err := p.Admission.Admit(ctx, caller.IP)
	if err != nil {
		logger.Error("[对话] 准入检查失败 - IP: %s, 错误: %v", caller.IP, err)
		return nil, errInternal
	}
	switch decision.Outcome {
	case admission.RejectBlocked:
		p.observeRejection(CodeIPBlocked)
		return nil, errIPBlocked
	case admission.RejectRateLimited:
		p.observeRejection(CodeIPDailyLimit)
		return nil, errIPDailyLimit
	}

	identity, err := p.resolveIdentity(ctx, caller.Token)
	if err != nil {
		logger.Error("[对话] 解析身份失败: %v", err)
		return nil, errInternal
	}

	turn := &Turn{
		Caller:      caller,
		Request:     req,
		Tier:        tier,
		Identity:    identity,
		UserMessage: req.LatestUserMessage(),
		history:     history,
		started:     started,
	}

	if err := p.bindConversation(ctx, turn); err != nil {
		return nil, err
	}

	settings := p.Settings.Get(ctx)
	trusted := identity != nil && identity.TrustTag != "" && identity.TrustTag == settings.TrustedTag
	if !trusted && p.Moderation.Screen(ctx, turn.UserMessage) {
		logger.Warn("[对话] 输入命中审核词 - IP: %s, 会话: %s", caller.IP, turn.ConversationID)
		p.recordRejection(ctx, turn, CodeContentFlagged, models.AuditActionChatRejectInput)
		return nil, errContentFlagged
	}

	if err := p.Ledger.Reserve(tier, identity); err != nil {
		p.recordRejection(ctx, turn, CodeQuotaExhausted, models.AuditActionChatRejectQuota)
		if errors.Is(err, ledger.ErrGuestPremium) {
			return nil, errLoginRequired
		}
		return nil, errQuotaExhausted
	}

	if !p.Backend.Configured() {
		p.observeRejection(CodeBackendNotConfigured)
		return nil, errBackendMissing
	}
	model, err := p.resolveModel(ctx, tier)
	if err != nil {
		logger.Error("[对话] 查询模型映射失败: %v", err)
		return nil, errInternal
	}
	if model == "" {
		p.observeRejection(CodeBackendNotConfigured)
		return nil, errBackendMissing
	}
	turn.Model = model

	in := prompt.Input{
		Tier:         tier,
		PersonaID:    req.PersonaID,
		CustomPrompt: req.CustomPrompt,
		Region:       req.Client.Region,
	}
	if identity != nil {
		in.Username = identity.DisplayName
		if identity.Region != "" {
			in.Region = identity.Region
		}
	}
	assembled := p.Prompt.Assemble(ctx, in)
	if assembled.Truncated {
		logger.Debug("[对话] 系统提示词超出 %s 预算 %d 字符，已截断", tier, assembled.Budget)
	}
	turn.Instructions = assembled.Text
	turn.Persona = assembled.Persona
	return turn, nil
}

// Run 转发上游流并完成输出审核、扣减、记录与落库，最后发送终止帧
// 失败只影响本轮，不会向外返回错误
func (p *Pipeline) Run(ctx context.Context, turn *Turn, out Emitter) Summary {
	if p.Prom != nil {
		done := p.Prom.TurnStarted()
		defer done()
	}

	summary := Summary{ConversationID: turn.ConversationID}
	if turn.Identity != nil {
		summary.Quota = turn.Identity.Remaining()
	}

	body, err := p.Backend.Open(ctx, backend.Request{
		Model:        turn.Model,
		Instructions: turn.Instructions,
		Input:        turn.history,
		SessionKey:   turn.ConversationID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return p.canceled(ctx, turn, summary, stream.Result{})
		}
		logger.Error("[对话] 上游请求失败 - 会话: %s, 错误: %v", turn.ConversationID, err)
		return p.upstreamFailed(ctx, turn, summary, out)
	}

	res := stream.Relay(ctx, body, stream.SinkFunc(func(text string) error {
		return out.Emit(stream.BuildDelta(text))
	}))
	body.Close()

	switch {
	case ctx.Err() != nil || errors.Is(res.Err, stream.ErrSinkClosed):
		return p.canceled(ctx, turn, summary, res)
	case res.Err != nil && res.Deltas == 0:
		logger.Error("[对话] 上游流在首个增量前中断 - 会话: %s, 错误: %v", turn.ConversationID, res.Err)
		return p.upstreamFailed(ctx, turn, summary, out)
	case res.Err != nil:
		logger.Error("[对话] 上游流中途中断 - 会话: %s, 已转发 %d 个增量, 错误: %v", turn.ConversationID, res.Deltas, res.Err)
		return p.broken(ctx, turn, summary, res, out)
	}
	return p.completed(ctx, turn, summary, res, out)
}

// completed 正常结束：输出审核、落库、扣减配额、记录、终止帧
// 落库发现会话已被其他身份占用时本轮作废，不扣减
func (p *Pipeline) completed(ctx context.Context, turn *Turn, summary Summary, res stream.Result, out Emitter) Summary {
	text, replaced := p.screenOutput(ctx, turn, res.Text, out)
	outcome, action := metrics.OutcomeOK, models.AuditActionChat
	if replaced {
		outcome, action = metrics.OutcomeReplaced, models.AuditActionChatReplaced
	}
	usage := p.usageOf(turn, res)

	err := p.persist(ctx, turn, text, usage)
	if errors.Is(err, database.ErrConversationOwner) {
		return p.conflicted(ctx, turn, summary, usage, out)
	}
	summary.Persisted = err == nil

	if turn.Identity != nil {
		quota, err := p.Ledger.Commit(ctx, turn.Tier, turn.Identity)
		if err != nil && !errors.Is(err, ledger.ErrQuotaExhausted) {
			logger.Error("[对话] 扣减配额失败 - 身份: %s, 错误: %v", turn.Identity.ID, err)
		}
		summary.Quota = quota
	}

	p.record(ctx, turn, outcome, action, usage)
	if summary.Persisted {
		p.publish(ctx, turn, outcome, usage)
	}

	_ = out.Emit(stream.BuildFinal(turn.ConversationID, usage, summary.Quota))
	_ = out.Emit(stream.BuildDone())

	summary.Outcome = outcome
	summary.Text = text
	summary.Usage = usage
	return summary
}

// broken 已转发部分增量后中断：不扣减配额，已收到的内容经审核后记录并保存
func (p *Pipeline) broken(ctx context.Context, turn *Turn, summary Summary, res stream.Result, out Emitter) Summary {
	text, _ := p.screenOutput(ctx, turn, res.Text, out)
	usage := p.usageOf(turn, res)
	_ = out.Emit(stream.BuildError(upstreamFailureMessage))

	err := p.persist(ctx, turn, text, usage)
	if errors.Is(err, database.ErrConversationOwner) {
		logger.Warn("[对话] 会话已被其他身份占用，中断内容不保存 - 会话: %s, IP: %s", turn.ConversationID, turn.Caller.IP)
		p.record(ctx, turn, metrics.OutcomeRejected, models.AuditActionChatConflict, usage)
		_ = out.Emit(stream.BuildDone())
		summary.Outcome = metrics.OutcomeRejected
		summary.Usage = usage
		return summary
	}
	summary.Persisted = err == nil

	p.record(ctx, turn, metrics.OutcomeBroken, models.AuditActionChatBroken, usage)
	if summary.Persisted {
		p.publish(ctx, turn, metrics.OutcomeBroken, usage)
	}
	_ = out.Emit(stream.BuildDone())

	summary.Outcome = metrics.OutcomeBroken
	summary.Text = text
	summary.Usage = usage
	return summary
}

// conflicted 会话在本轮流式期间被其他身份创建：不落库、不扣减
func (p *Pipeline) conflicted(ctx context.Context, turn *Turn, summary Summary, usage models.Usage, out Emitter) Summary {
	logger.Warn("[对话] 会话已被其他身份占用，本轮作废 - 会话: %s, IP: %s", turn.ConversationID, turn.Caller.IP)
	_ = out.Emit(stream.BuildError(errConversationOwner.Message))
	p.record(ctx, turn, metrics.OutcomeRejected, models.AuditActionChatConflict, usage)
	_ = out.Emit(stream.BuildDone())
	summary.Outcome = metrics.OutcomeRejected
	summary.Usage = usage
	return summary
}

// screenOutput 复审输出，命中时发送替换帧并返回拒答文本
func (p *Pipeline) screenOutput(ctx context.Context, turn *Turn, text string, out Emitter) (string, bool) {
	if !p.Moderation.Screen(ctx, text) {
		return text, false
	}
	logger.Warn("[对话] 输出命中审核词，替换为拒答 - 会话: %s", turn.ConversationID)
	_ = out.Emit(stream.BuildReplace(moderation.RefusalText))
	return moderation.RefusalText, true
}

// upstreamFailed 上游拒绝或无响应：不写消息、不扣减，只记录
func (p *Pipeline) upstreamFailed(ctx context.Context, turn *Turn, summary Summary, out Emitter) Summary {
	_ = out.Emit(stream.BuildError(upstreamFailureMessage))
	p.record(ctx, turn, metrics.OutcomeUpstreamError, models.AuditActionChatUpstreamErr, models.Usage{})
	_ = out.Emit(stream.BuildDone())
	summary.Outcome = metrics.OutcomeUpstreamError
	return summary
}

// canceled 调用方断开：记录在脱离取消的上下文中完成，不扣减、不落库
func (p *Pipeline) canceled(ctx context.Context, turn *Turn, summary Summary, res stream.Result) Summary {
	logger.Info("[对话] 调用方已断开 - 会话: %s, 已转发 %d 个增量", turn.ConversationID, res.Deltas)
	usage := res.Usage
	if !res.HasUsage && res.Deltas > 0 {
		usage = tokenizer.EstimateUsage(turn.Instructions, turn.history, res.Text)
	}
	p.record(context.WithoutCancel(ctx), turn, metrics.OutcomeCanceled, models.AuditActionChatCanceled, usage)
	summary.Outcome = metrics.OutcomeCanceled
	summary.Text = res.Text
	summary.Usage = usage
	return summary
}

// usageOf 优先使用上游上报的用量，缺失时估算
func (p *Pipeline) usageOf(turn *Turn, res stream.Result) models.Usage {
	if res.HasUsage {
		return res.Usage
	}
	return tokenizer.EstimateUsage(turn.Instructions, turn.history, res.Text)
}

func (p *Pipeline) record(ctx context.Context, turn *Turn, outcome, action string, usage models.Usage) {
	if p.Recorder == nil {
		return
	}
	_ = p.Recorder.Record(ctx, metrics.TurnRecord{
		Tier:        turn.Tier,
		Outcome:     outcome,
		Action:      action,
		IdentityID:  turn.identityID(),
		IP:          turn.Caller.IP,
		UserAgent:   turn.Caller.UserAgent,
		Client:      turn.Request.Client,
		UserMessage: turn.UserMessage,
		Latency:     p.now().Sub(turn.started),
		Usage:       usage,
	})
}

func (p *Pipeline) persist(ctx context.Context, turn *Turn, text string, usage models.Usage) error {
	_, err := p.Writer.Persist(ctx, conversation.Turn{
		ConversationID:   turn.ConversationID,
		IdentityID:       turn.identityID(),
		PersonaID:        turn.Persona.ID,
		Tier:             turn.Tier,
		UserContent:      turn.UserMessage,
		AssistantContent: text,
		Usage:            usage,
	})
	if err != nil && !errors.Is(err, database.ErrConversationOwner) {
		logger.Error("[对话] 保存会话失败 - 会话: %s, 错误: %v", turn.ConversationID, err)
	}
	return err
}

func (p *Pipeline) publish(ctx context.Context, turn *Turn, outcome string, usage models.Usage) {
	ev := publish.TurnEvent{
		ConversationID: turn.ConversationID,
		Tier:           string(turn.Tier),
		Outcome:        outcome,
		Usage:          usage,
	}
	if turn.Identity != nil {
		ev.IdentityID = turn.Identity.ID
	}
	if err := p.Publisher.PublishTurn(ctx, ev); err != nil {
		logger.Warn("[对话] 发布轮次事件失败 - 会话: %s, 错误: %v", turn.ConversationID, err)
	}
}

func (p *Pipeline) recordRejection(ctx context.Context, turn *Turn, code, action string) {
	if p.Recorder == nil {
		p.observeRejection(code)
		return
	}
	_ = p.Recorder.RecordRejection(ctx, code, metrics.TurnRecord{
		Tier:        turn.Tier,
		Action:      action,
		IdentityID:  turn.identityID(),
		IP:          turn.Caller.IP,
		UserAgent:   turn.Caller.UserAgent,
		UserMessage: turn.UserMessage,
		Latency:     p.now().Sub(turn.started),
	})
}

func (p *Pipeline) observeRejection(code string) {
	if p.Prom != nil {
		p.Prom.ObserveRejection(code)
	}
}

func (p *Pipeline) resolveIdentity(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, nil
	}
	return p.Store.GetIdentityByToken(ctx, token)
}

// bindConversation 校验调用方提供的会话归属，未提供时生成新 ID
func (p *Pipeline) bindConversation(ctx context.Context, turn *Turn) error {
	id := strings.TrimSpace(turn.Request.ConversationID)
	if id == "" {
		turn.ConversationID = p.Writer.NewID()
		return nil
	}

	conv, err := p.Store.GetConversation(ctx, id)
	if err != nil {
		logger.Error("[对话] 查询会话失败: %v", err)
		return errInternal
	}
	owner := ""
	if turn.Identity != nil {
		owner = turn.Identity.ID
	}
	if conv != nil && !conv.OwnedBy(owner) {
		logger.Warn("[对话] 会话归属不符 - 会话: %s, IP: %s", id, turn.Caller.IP)
		p.observeRejection(CodeConversationDenied)
		return errConversationOwner
	}
	turn.ConversationID = id
	return nil
}

func (p *Pipeline) resolveModel(ctx context.Context, tier models.Tier) (string, error) {
	model, err := p.Store.GetModelMapping(ctx, tier)
	if err != nil {
		return "", err
	}
	if model != "" {
		return model, nil
	}
	return p.DefaultModels[string(tier)], nil
}

// validate 校验等级与历史消息，返回发送给上游的历史
func validate(req *models.ChatTurnRequest) (models.Tier, []models.ChatMessage, error) {
	if req == nil {
		return "", nil, errInvalid("请求体不能为空")
	}
	tier, ok := models.ParseTier(req.Tier)
	if !ok {
		return "", nil, errInvalid("未知的等级: %s", req.Tier)
	}
	if utf8.RuneCountInString(req.ConversationID) > maxConversationIDLen {
		return "", nil, errInvalid("会话 ID 过长")
	}
	if len(req.Messages) == 0 {
		return "", nil, errInvalid("消息不能为空")
	}

	history := make([]models.ChatMessage, 0, len(req.Messages))
	for i, msg := range req.Messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			return "", nil, errInvalid("第 %d 条消息的角色无效: %s", i+1, msg.Role)
		}
		history = append(history, msg)
	}
	if strings.TrimSpace(req.LatestUserMessage()) == "" {
		return "", nil, errInvalid("缺少用户消息")
	}
	return tier, history, nil
}
