package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/provider"
)

const namespace = "rpcpool"

// RegistrySource 返回当前生效的注册表快照
type RegistrySource func() *provider.Registry

// Prometheus 把调用结果写入计数器与延迟直方图，并在抓取时导出每个提供商的健康状态。
// 同时实现 Observer 与 prometheus.Collector。
type Prometheus struct {
	source RegistrySource
	now    func() time.Time

	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	circuitDesc      *prometheus.Desc
	failuresDesc     *prometheus.Desc
	limitedDesc      *prometheus.Desc
	availabilityDesc *prometheus.Desc
	opensDesc        *prometheus.Desc
	eligibleDesc     *prometheus.Desc
	versionDesc      *prometheus.Desc
}

// NewPrometheus 创建 Prometheus 指标收集器
func NewPrometheus(source RegistrySource) *Prometheus {
	labels := []string{"network", "provider"}
	return &Prometheus{
		source: source,
		now:    time.Now,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Provider attempts by outcome.",
		}, []string{"network", "provider", "outcome", "probe"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Latency of provider attempts.",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		circuitDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "circuit_state"),
			"Circuit state (0 closed, 1 open, 2 half-open).", labels, nil),
		failuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "consecutive_failures"),
			"Consecutive failures counted toward the breaker threshold.", labels, nil),
		limitedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "rate_limited_seconds"),
			"Seconds until the rate-limit cooldown ends, 0 when not limited.", labels, nil),
		availabilityDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "availability_ratio"),
			"Successful share of concluded attempts.", labels, nil),
		opensDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "circuit_opens_total"),
			"Times the circuit opened.", labels, nil),
		eligibleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "eligible"),
			"1 when the provider can be selected.", labels, nil),
		versionDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "version"),
			"Version of the active provider registry.", nil, nil),
	}
}

// Observe 实现 Observer 接口
func (m *Prometheus) Observe(o Outcome) {
	outcome := "success"
	if !o.Success {
		outcome = string(o.Kind)
	}
	probe := "false"
	if o.Probe {
		probe = "true"
	}
	m.outcomes.WithLabelValues(o.Network, o.ProviderID, outcome, probe).Inc()
	if o.Latency > 0 {
		m.latency.WithLabelValues(o.Network, o.ProviderID).Observe(o.Latency.Seconds())
	}
}

// Describe 实现 prometheus.Collector
func (m *Prometheus) Describe(ch chan<- *prometheus.Desc) {
	m.outcomes.Describe(ch)
	m.latency.Describe(ch)
	ch <- m.circuitDesc
	ch <- m.failuresDesc
	ch <- m.limitedDesc
	ch <- m.availabilityDesc
	ch <- m.opensDesc
	ch <- m.eligibleDesc
	ch <- m.versionDesc
}

// Collect 实现 prometheus.Collector
func (m *Prometheus) Collect(ch chan<- prometheus.Metric) {
	m.outcomes.Collect(ch)
	m.latency.Collect(ch)

	reg := m.source()
	if reg == nil {
		return
	}
	now := m.now()
	ch <- prometheus.MustNewConstMetric(m.versionDesc, prometheus.GaugeValue, float64(reg.Version()))

	for _, p := range reg.All() {
		snap := p.Health().Snapshot()
		lv := []string{p.Network, p.ID}

		limited := 0.0
		if snap.RateLimited(now) {
			limited = snap.RateLimitedUntil.Sub(now).Seconds()
		}
		eligible := 0.0
		if p.Health().Eligible(now) {
			eligible = 1
		}

		ch <- prometheus.MustNewConstMetric(m.circuitDesc, prometheus.GaugeValue, circuitValue(snap.CircuitState), lv...)
		ch <- prometheus.MustNewConstMetric(m.failuresDesc, prometheus.GaugeValue, float64(snap.ConsecutiveFailures), lv...)
		ch <- prometheus.MustNewConstMetric(m.limitedDesc, prometheus.GaugeValue, limited, lv...)
		ch <- prometheus.MustNewConstMetric(m.availabilityDesc, prometheus.GaugeValue, snap.Availability()/100, lv...)
		ch <- prometheus.MustNewConstMetric(m.opensDesc, prometheus.CounterValue, float64(snap.CircuitOpens), lv...)
		ch <- prometheus.MustNewConstMetric(m.eligibleDesc, prometheus.GaugeValue, eligible, lv...)
	}
}

func circuitValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
