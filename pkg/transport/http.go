package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/provider"
)

const (
	userAgent       = "rpcpool/1.0"
	maxResponseSize = 32 << 20
	errorBodyLimit  = 512
)

// Handle 与单个提供商的连接句柄。
// Call 只发送一次请求，从不重试；重试由连接池决定。
type Handle interface {
	Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	Close() error
}

// HTTPError 上游返回了非 200 状态码
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration  // 来自 Retry-After 头，未提供时为 0
	RPC        *jsonrpc.Error // 响应体中的 JSON-RPC 错误（若能解析）
	Body       string         // 截断后的响应体
}

// Error 实现 error 接口
func (e *HTTPError) Error() string {
	if e.RPC != nil {
		return fmt.Sprintf("http %d: %v", e.StatusCode, e.RPC)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// DecodeError 上游返回 200 但响应体无法解析为 JSON-RPC 响应
type DecodeError struct {
	Err  error
	Body string
}

// Error 实现 error 接口
func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed response: %v", e.Err)
}

// Unwrap 返回底层错误
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HTTPClient 基于 HTTP POST 的 JSON-RPC 句柄，持有独立的连接池。
type HTTPClient struct {
	endpoint  string
	headers   map[string]string
	transport *http.Transport
	client    *http.Client
}

// NewHTTPClient 为提供商创建 HTTP 句柄
func NewHTTPClient(p *provider.Provider) *HTTPClient {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTPClient{
		endpoint:  p.Endpoint,
		headers:   p.Headers,
		transport: tr,
		client:    &http.Client{Transport: tr},
	}
}

// HTTPFactory 默认句柄工厂
func HTTPFactory(p *provider.Provider) (Handle, error) {
	return NewHTTPClient(p), nil
}

// Call 发送一次请求。超时与取消完全由 ctx 决定。
func (c *HTTPClient) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		herr := &HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       truncate(data),
		}
		if rpcResp, derr := jsonrpc.DecodeResponse(data); derr == nil && rpcResp.Error != nil {
			herr.RPC = rpcResp.Error
		}
		return nil, herr
	}

	rpcResp, err := jsonrpc.DecodeResponse(data)
	if err != nil {
		return nil, &DecodeError{Err: err, Body: truncate(data)}
	}
	return rpcResp, nil
}

// Close 关闭空闲连接；进行中的请求不受影响
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > errorBodyLimit {
		return string(b[:errorBodyLimit]) + "..."
	}
	return string(b)
}
