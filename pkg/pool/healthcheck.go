package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/config"
	perr "rpcpool/pkg/error"
	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/provider"
	"rpcpool/pkg/scheduler"
)

// DefaultProbeMethod 默认的探测方法
const DefaultProbeMethod = "eth_blockNumber"

// ProbeResult 一次健康探测的结果
type ProbeResult struct {
	Network    string         `json:"network"`
	ProviderID string         `json:"provider"`
	Kind       perr.ErrorCode `json:"kind,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Block      uint64         `json:"block,omitempty"`
	Error      string         `json:"error,omitempty"`
	From       breaker.State  `json:"from"`
	To         breaker.State  `json:"to"`
	Skipped    bool           `json:"skipped,omitempty"`
}

// Healthy 提供商是否正常应答（请求被拒绝也算应答）
func (r ProbeResult) Healthy() bool {
	switch r.Kind {
	case "", perr.CodeNonRetryable, perr.CodeUnsupported:
		return !r.Skipped
	default:
		return false
	}
}

// Recovered 探测是否让提供商从熔断中恢复
func (r ProbeResult) Recovered() bool {
	return r.Healthy() && r.From != breaker.StateClosed && r.To == breaker.StateClosed
}

// HealthChecker 定时探测处于熔断或限流中的提供商，实现 scheduler.JobExecutor。
// 探测结果与正常调用走同一条记录路径。
type HealthChecker struct {
	pool     *Pool
	settings *atomic.Pointer[probeSettings] // ProbeAll 返回的副本共享同一份设置
	all      bool
	log      *logrus.Entry
}

// probeSettings 可随配置重载替换的探测参数
type probeSettings struct {
	method      string
	timeout     time.Duration
	concurrency int
}

func newProbeSettings(cfg config.HealthCheckConfig) *probeSettings {
	s := &probeSettings{
		method:      cfg.Method,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
	}
	if s.method == "" {
		s.method = DefaultProbeMethod
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// NewHealthChecker 按配置创建健康检查器
func NewHealthChecker(p *Pool, cfg config.HealthCheckConfig) *HealthChecker {
	h := &HealthChecker{
		pool:     p,
		settings: new(atomic.Pointer[probeSettings]),
		log:      logger.WithComponent("healthcheck"),
	}
	h.settings.Store(newProbeSettings(cfg))
	return h
}

// Configure 替换探测方法、超时与并发数，从下一轮探测开始生效。
// 调度周期与启停由调度器在启动时确定，不随此更新。
func (h *HealthChecker) Configure(cfg config.HealthCheckConfig) {
	next := newProbeSettings(cfg)
	h.settings.Store(next)
	h.log.WithFields(logrus.Fields{
		"method":      next.method,
		"timeout":     next.timeout,
		"concurrency": next.concurrency,
	}).Info("健康检查配置已更新")
}

// ProbeAll 返回探测范围为 all 的副本（all 为 true 时包括健康的提供商），
// 副本与原检查器共享配置，原检查器的探测范围不变。
func (h *HealthChecker) ProbeAll(all bool) *HealthChecker {
	c := *h
	c.all = all
	return &c
}

// Execute 实现 scheduler.JobExecutor
func (h *HealthChecker) Execute(ctx context.Context, job *scheduler.Job) error {
	results, err := h.Run(ctx)
	if err != nil {
		return err
	}

	var failed, recovered int
	for _, r := range results {
		switch {
		case r.Recovered():
			recovered++
		case !r.Healthy() && !r.Skipped:
			failed++
		}
	}
	if len(results) > 0 {
		h.log.WithFields(logrus.Fields{
			"probed":    len(results),
			"recovered": recovered,
			"failed":    failed,
		}).Info("健康检查完成")
	}
	return nil
}

// Targets 返回 now 时刻需要探测的提供商：熔断中（没有试探在进行）或限流中
func (h *HealthChecker) Targets(reg *provider.Registry, now time.Time) []*provider.Provider {
	var out []*provider.Provider
	for _, p := range reg.All() {
		snap := p.Health().Snapshot()
		if snap.TrialInFlight {
			continue
		}
		if h.all || snap.CircuitState != breaker.StateClosed || snap.RateLimited(now) {
			out = append(out, p)
		}
	}
	return out
}

// Run 并发探测所有目标，返回每个目标的结果
func (h *HealthChecker) Run(ctx context.Context) ([]ProbeResult, error) {
	reg := h.pool.Registry()
	targets := h.Targets(reg, h.pool.Now())
	if len(targets) == 0 {
		return nil, nil
	}

	set := h.settings.Load()
	results := make([]ProbeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.concurrency)

	for i, p := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = ProbeResult{Network: p.Network, ProviderID: p.ID, Skipped: true}
				return err
			}
			results[i] = h.probe(gctx, p, set)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Probe 向单个提供商发送一次探测请求，并记录结果。
//
// 冷却已结束的熔断提供商需要占用半开试探令牌，令牌已被正常调用占用时跳过；
// 冷却中的提供商不占用令牌，探测失败也不刷新熔断时间。
func (h *HealthChecker) Probe(ctx context.Context, p *provider.Provider) ProbeResult {
	return h.probe(ctx, p, h.settings.Load())
}

func (h *HealthChecker) probe(ctx context.Context, p *provider.Provider, set *probeSettings) ProbeResult {
	before := p.Health().Snapshot().CircuitState
	res := ProbeResult{Network: p.Network, ProviderID: p.ID, From: before, To: before}
	log := logger.WithProvider(h.log, p.Network, p.ID)

	req, err := jsonrpc.NewRequest(set.method)
	if err != nil {
		res.Kind = perr.CodeNonRetryable
		res.Error = err.Error()
		return res
	}

	ticket, admitted, tr := p.Health().AcquireProbe(h.pool.Now())
	h.pool.logTransition(p, tr)
	if !admitted {
		log.Debug("试探正在进行，跳过探测")
		res.Skipped = true
		return res
	}

	timeout := set.timeout
	if timeout <= 0 || timeout > p.Timeout {
		timeout = p.Timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := h.pool.attempt(probeCtx, p, req)
	if ctx.Err() != nil && !r.verdict.Success() {
		p.Health().Release(ticket)
		res.Skipped = true
		res.To = p.Health().Snapshot().CircuitState
		return res
	}

	outcome := h.pool.record(p, ticket, req.Method, r, true)
	if r.verdict.Success() && r.resp != nil {
		if block, err := jsonrpc.ParseQuantity(r.resp.Result); err == nil {
			outcome.Block = block
			res.Block = block
		}
	}
	h.pool.observe(outcome)

	res.Kind = r.verdict.Kind
	res.Latency = r.latency
	res.Error = outcome.Err
	res.To = p.Health().Snapshot().CircuitState

	entry := log.WithFields(logrus.Fields{
		"from":    res.From.String(),
		"to":      res.To.String(),
		"latency": res.Latency,
	})
	if res.Healthy() {
		entry.Debug("探测成功")
	} else {
		entry.WithField("kind", res.Kind).Debug("探测失败")
	}
	return res
}

var _ scheduler.JobExecutor = (*HealthChecker)(nil)
