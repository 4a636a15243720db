package jsonrpc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// Version JSON-RPC 协议版本
const Version = "2.0"

// 标准错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeLimitExceeded  = -32005 // 常见的限流错误码

	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

var nextID atomic.Uint64

// Request JSON-RPC 2.0 请求。Params 原样透传，连接池不解释其内容。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response JSON-RPC 2.0 响应，Result 与 Error 二者有且仅有一个
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error JSON-RPC 错误对象
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// NewRequest 构造请求，ID 为进程内递增的数字
func NewRequest(method string, params ...interface{}) (*Request, error) {
	if params == nil {
		params = []interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatUint(nextID.Add(1), 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// DecodeRequest 解析单个请求，批量请求不受支持
func DecodeRequest(data []byte) (*Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return nil, &Error{Code: CodeInvalidRequest, Message: "batch requests are not supported"}
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version " + req.JSONRPC}
	}
	if strings.TrimSpace(req.Method) == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

// DecodeResponse 解析上游响应；既没有 result 也没有 error 的响应视为无效
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode json-rpc response: %w", err)
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		return nil, fmt.Errorf("decode json-rpc response: neither result nor error present")
	}
	return &resp, nil
}

// Encode 序列化请求或响应
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// NewErrorResponse 构造错误响应
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// UnmarshalResult 把 result 解码到 v
func (r *Response) UnmarshalResult(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, v)
}

// ParseQuantity 解析 0x 前缀的十六进制数量，例如 eth_blockNumber 的结果
func ParseQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("quantity is not a string: %w", err)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("quantity %q lacks 0x prefix", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}
