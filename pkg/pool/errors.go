package pool

import (
	"fmt"
	"strings"
	"time"

	perr "rpcpool/pkg/error"
	"rpcpool/pkg/jsonrpc"
)

// 可用于 errors.Is 的哨兵错误，按错误代码匹配
var (
	ErrExhausted        = &perr.BaseError{Code: perr.CodeExhausted}
	ErrDeadlineExceeded = &perr.BaseError{Code: perr.CodeDeadlineExceeded}
	ErrNonRetryable     = &perr.BaseError{Code: perr.CodeNonRetryable}
)

// Attempt 一次失败尝试的记录
type Attempt struct {
	ProviderID string         `json:"provider"`
	Tier       int            `json:"tier"`
	Kind       perr.ErrorCode `json:"kind"`
	Latency    time.Duration  `json:"latency"`
	Err        error          `json:"-"`
}

// String 返回 provider(kind) 形式
func (a Attempt) String() string {
	return fmt.Sprintf("%s(%s)", a.ProviderID, a.Kind)
}

// ExhaustedError 所有可用提供商都已尝试或均不可用
type ExhaustedError struct {
	*perr.BaseError
	Network  string
	Attempts []Attempt
}

func newExhaustedError(network string, attempts []Attempt, reason string) *ExhaustedError {
	msg := fmt.Sprintf("network %s: %s", network, reason)
	if len(attempts) > 0 {
		parts := make([]string, len(attempts))
		for i, a := range attempts {
			parts[i] = a.String()
		}
		msg += " after " + strings.Join(parts, ", ")
	}
	base := perr.NewError(perr.CodeExhausted, msg).
		WithContext("network", network).
		WithContext("attempts", len(attempts))
	return &ExhaustedError{BaseError: base, Network: network, Attempts: attempts}
}

// NonRetryableError 上游认定请求本身无效，换提供商也不会成功
type NonRetryableError struct {
	*perr.BaseError
	ProviderID string
	Response   *jsonrpc.Response // 上游原始响应
}

func newNonRetryableError(network, providerID string, resp *jsonrpc.Response) *NonRetryableError {
	var cause error
	if resp != nil && resp.Error != nil {
		cause = resp.Error
	}
	base := perr.WrapError(perr.CodeNonRetryable, "request rejected by "+network+"/"+providerID, cause).
		WithContext("network", network).
		WithContext("provider", providerID)
	return &NonRetryableError{BaseError: base, ProviderID: providerID, Response: resp}
}

// RPC 返回上游的 JSON-RPC 错误对象
func (e *NonRetryableError) RPC() *jsonrpc.Error {
	if e.Response == nil {
		return nil
	}
	return e.Response.Error
}

// DeadlineError 调用方的截止时间在重试过程中到期
type DeadlineError struct {
	*perr.BaseError
	Network  string
	Attempts []Attempt
}

func newDeadlineError(network string, attempts []Attempt, cause error) *DeadlineError {
	base := perr.WrapError(perr.CodeDeadlineExceeded,
		fmt.Sprintf("network %s: caller deadline reached after %d attempts", network, len(attempts)), cause).
		WithContext("network", network).
		WithContext("attempts", len(attempts))
	return &DeadlineError{BaseError: base, Network: network, Attempts: attempts}
}
