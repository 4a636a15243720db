package pool

import (
	"errors"
	"net/http"
	"strings"
	"time"

	perr "rpcpool/pkg/error"
	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/transport"
)

// Verdict 一次尝试的分类结果，Kind 为空表示成功
type Verdict struct {
	Kind       perr.ErrorCode
	RetryAfter time.Duration // 限流时上游建议的等待时长
}

// Success 是否成功
func (v Verdict) Success() bool {
	return v.Kind == ""
}

// Classifier 对一次调用的结果分类。调用方取消的情况由执行引擎先行处理，不会交给分类器。
type Classifier func(resp *jsonrpc.Response, err error) Verdict

var rateLimitPhrases = []string{"rate limit", "too many requests", "rate-limit", "ratelimit"}

func mentionsRateLimit(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify 默认分类器
func Classify(resp *jsonrpc.Response, err error) Verdict {
	if err != nil {
		return classifyError(err)
	}
	if resp == nil {
		return Verdict{Kind: perr.CodeTransport}
	}
	if resp.Error != nil {
		return classifyRPC(resp.Error)
	}
	return Verdict{}
}

func classifyError(err error) Verdict {
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return Verdict{Kind: perr.CodeRateLimited, RetryAfter: httpErr.RetryAfter}
		}
		if httpErr.RPC != nil {
			v := classifyRPC(httpErr.RPC)
			if v.Kind == perr.CodeRateLimited {
				v.RetryAfter = httpErr.RetryAfter
			}
			return v
		}
		if mentionsRateLimit(httpErr.Body) {
			return Verdict{Kind: perr.CodeRateLimited, RetryAfter: httpErr.RetryAfter}
		}
		return Verdict{Kind: perr.CodeTransport}
	}

	var decodeErr *transport.DecodeError
	if errors.As(err, &decodeErr) {
		return Verdict{Kind: perr.CodeTransport}
	}

	if mentionsRateLimit(err.Error()) {
		return Verdict{Kind: perr.CodeRateLimited}
	}
	return Verdict{Kind: perr.CodeTransport}
}

func classifyRPC(e *jsonrpc.Error) Verdict {
	switch {
	case e.Code == jsonrpc.CodeLimitExceeded || mentionsRateLimit(e.Message):
		return Verdict{Kind: perr.CodeRateLimited}
	case e.Code == jsonrpc.CodeMethodNotFound:
		return Verdict{Kind: perr.CodeUnsupported}
	case e.Code == jsonrpc.CodeParseError,
		e.Code == jsonrpc.CodeInvalidRequest,
		e.Code == jsonrpc.CodeInvalidParams,
		e.Code > 0:
		return Verdict{Kind: perr.CodeNonRetryable}
	default:
		// -32603 以及 -32000..-32099 等服务端错误，换一个提供商可能成功
		return Verdict{Kind: perr.CodeTransport}
	}
}
