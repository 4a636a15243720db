package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// CodeConfig 配置无效，仅使本次加载/重载失败。
	CodeConfig ErrorCode = "CONFIG_ERROR"
	// CodeTransport 与某个提供商通信失败（网络错误、超时、5xx）。
	CodeTransport ErrorCode = "TRANSPORT_ERROR"
	// CodeRateLimited 提供商返回限流信号。
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeUnsupported 提供商不支持请求的方法，换一个提供商可能成功。
	CodeUnsupported ErrorCode = "UNSUPPORTED_METHOD"
	// CodeNonRetryable 请求本身无效，换提供商也无济于事。
	CodeNonRetryable ErrorCode = "NON_RETRYABLE"
	// CodeExhausted 所有可用提供商均已尝试或不可用。
	CodeExhausted ErrorCode = "EXHAUSTED"
	// CodeDeadlineExceeded 调用方的截止时间在重试过程中到期。
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，errors.Is(err, &BaseError{Code: CodeExhausted}) 即可判断类别。
func (e *BaseError) Is(target error) bool {
	if t, ok := target.(*BaseError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Coded 由携带错误代码的错误类型实现。
type Coded interface {
	ErrorCode() ErrorCode
}

// ErrorCode 实现 Coded 接口
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

// CodeOf 返回错误链中第一个错误代码，未找到时返回空字符串。
func CodeOf(err error) ErrorCode {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

// HasCode 判断错误链中是否包含指定代码
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &BaseError{Code: code})
}
