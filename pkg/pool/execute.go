package pool

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rpcpool/pkg/breaker"
	perr "rpcpool/pkg/error"
	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/provider"
	"rpcpool/pkg/transport"
)

// Execute 在 network 上执行一次 JSON-RPC 调用，尝试次数取默认值。
func (p *Pool) Execute(ctx context.Context, network string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return p.ExecuteN(ctx, network, req, 0)
}

// ExecuteN 在 network 上执行一次 JSON-RPC 调用，最多尝试 maxAttempts 个提供商。
// maxAttempts 小于 1 时取 min(提供商数量, 尝试上限)。
//
// 按层级升序选择提供商，失败后排除该提供商继续重试：
// 请求无效时立即返回 NonRetryableError；没有可用提供商或次数用尽时返回 ExhaustedError；
// 调用方 ctx 到期后不再发起新的尝试，返回 DeadlineError。
func (p *Pool) ExecuteN(ctx context.Context, network string, req *jsonrpc.Request, maxAttempts int) (*jsonrpc.Response, error) {
	reg := p.Registry()
	providers := reg.Providers(network)
	if providers == nil {
		return nil, newExhaustedError(network, nil, "unknown network")
	}

	if maxAttempts < 1 {
		maxAttempts = min(len(providers), p.MaxAttempts())
	}

	log := p.log.WithFields(logrus.Fields{"network": network, "method": req.Method})
	excluded := make(map[string]bool, maxAttempts)
	var attempts []Attempt

	for len(attempts) < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, newDeadlineError(network, attempts, err)
		}

		prov, ticket, err := p.selector.SelectNext(reg, network, excluded)
		if err != nil {
			return nil, newExhaustedError(network, attempts, "no provider available")
		}

		res := p.attempt(ctx, prov, req)
		if ctxErr := ctx.Err(); ctxErr != nil && !res.verdict.Success() {
			// 调用方取消，本次尝试没有结论
			prov.Health().Release(ticket)
			return nil, newDeadlineError(network, attempts, ctxErr)
		}

		p.observe(p.record(prov, ticket, req.Method, res, false))

		switch res.verdict.Kind {
		case "":
			return res.resp, nil
		case perr.CodeNonRetryable:
			return nil, newNonRetryableError(network, prov.ID, upstreamResponse(req, res))
		}

		excluded[prov.ID] = true
		attempts = append(attempts, Attempt{
			ProviderID: prov.ID,
			Tier:       prov.Tier,
			Kind:       res.verdict.Kind,
			Latency:    res.latency,
			Err:        res.err,
		})
		log.WithFields(logrus.Fields{
			"provider": prov.ID,
			"tier":     prov.Tier,
			"kind":     res.verdict.Kind,
			"attempt":  len(attempts),
		}).WithError(res.err).Debug("尝试失败，切换提供商")
	}

	return nil, newExhaustedError(network, attempts, "attempts exhausted")
}

// result 一次尝试的结果
type result struct {
	resp    *jsonrpc.Response
	verdict Verdict
	err     error
	latency time.Duration
}

// attempt 向单个提供商发送一次请求
func (p *Pool) attempt(ctx context.Context, prov *provider.Provider, req *jsonrpc.Request) result {
	h, err := p.cache.Get(prov)
	if err != nil {
		return result{verdict: Verdict{Kind: perr.CodeTransport}, err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, prov.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.Call(callCtx, req)
	latency := time.Since(start)

	verdict := p.classify(resp, err)
	if err == nil && resp != nil && resp.Error != nil {
		err = resp.Error
	}
	if verdict.Kind == perr.CodeTransport && brokenConnection(err) {
		p.cache.Discard(prov, h)
	}
	return result{resp: resp, verdict: verdict, err: err, latency: latency}
}

// upstreamResponse 返回上游的错误响应；错误随非 200 状态码返回时据此重建
func upstreamResponse(req *jsonrpc.Request, r result) *jsonrpc.Response {
	if r.resp != nil {
		return r.resp
	}
	var httpErr *transport.HTTPError
	if errors.As(r.err, &httpErr) && httpErr.RPC != nil {
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: httpErr.RPC}
	}
	return nil
}

// brokenConnection 网络层错误（而非上游应答的错误）
func brokenConnection(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *transport.HTTPError
	var decodeErr *transport.DecodeError
	var rpcErr *jsonrpc.Error
	return !errors.As(err, &httpErr) && !errors.As(err, &decodeErr) && !errors.As(err, &rpcErr)
}

// record 把一次有结论的尝试写入提供商健康状态，返回待观察的结果。
// ticket 为放行本次尝试时取得的凭据。
// 请求无效与方法不支持说明提供商正常应答，按成功记录。
func (p *Pool) record(prov *provider.Provider, ticket breaker.Ticket, method string, r result, probe bool) metrics.Outcome {
	now := p.now()
	v := r.verdict
	st := prov.Health()

	switch v.Kind {
	case "", perr.CodeNonRetryable, perr.CodeUnsupported:
		p.logTransition(prov, st.RecordSuccess(now))
	case perr.CodeRateLimited:
		res := st.RecordRateLimited(now, v.RetryAfter, ticket)
		logger.WithProvider(p.log, prov.Network, prov.ID).WithFields(logrus.Fields{
			"cooldown": res.Cooldown,
			"probe":    probe,
		}).Info("提供商限流，进入冷却")
	default:
		res := st.RecordFailure(now, v.Kind, ticket)
		p.logTransition(prov, res.Transition)
	}

	o := metrics.Outcome{
		Network:    prov.Network,
		ProviderID: prov.ID,
		Method:     method,
		Success:    v.Success(),
		Kind:       v.Kind,
		Latency:    r.latency,
		Probe:      probe,
		At:         now,
	}
	if r.err != nil {
		o.Err = r.err.Error()
	}
	return o
}
