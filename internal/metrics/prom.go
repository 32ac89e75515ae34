package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 轮次结果标签
const (
	OutcomeOK            = "ok"
	OutcomeReplaced      = "replaced"
	OutcomeUpstreamError = "upstream_error"
	OutcomeBroken        = "broken"
	OutcomeCanceled      = "canceled"
	OutcomeRejected      = "rejected"
)

// Prom 进程级运行指标
type Prom struct {
	registry *prometheus.Registry

	turns     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	inFlight  prometheus.Gauge
	rejection *prometheus.CounterVec
}

// NewProm 创建并注册指标
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_relay_turns_total",
				Help: "Total number of chat turns by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_relay_turn_duration_seconds",
				Help:    "Duration of chat turns from admission to final event",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"tier"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_relay_tokens_total",
				Help: "Total number of tokens relayed",
			},
			[]string{"tier", "type"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_relay_turns_in_flight",
				Help: "Number of chat turns currently streaming",
			},
		),
		rejection: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_relay_rejections_total",
				Help: "Total number of turns rejected before streaming",
			},
			[]string{"code"},
		),
	}
	p.registry.MustRegister(
		p.turns, p.latency, p.tokens, p.inFlight, p.rejection,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler 返回 /metrics 处理器
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// TurnStarted 进入流式阶段，返回结束时调用的函数
func (p *Prom) TurnStarted() func() {
	p.inFlight.Inc()
	return p.inFlight.Dec
}

// ObserveTurn 记录一次结束的轮次
func (p *Prom) ObserveTurn(tier, outcome string, latency time.Duration, promptTokens, completionTokens int) {
	p.turns.WithLabelValues(tier, outcome).Inc()
	p.latency.WithLabelValues(tier).Observe(latency.Seconds())
	p.tokens.WithLabelValues(tier, "prompt").Add(float64(promptTokens))
	p.tokens.WithLabelValues(tier, "completion").Add(float64(completionTokens))
}

// ObserveRejection 记录一次流式前的拒绝
func (p *Prom) ObserveRejection(code string) {
	p.rejection.WithLabelValues(code).Inc()
}
