package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	perr "rpcpool/pkg/error"
	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/pool"
	"rpcpool/pkg/provider"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   uint64                   `json:"version"`
	Networks  map[string]NetworkHealth `json:"networks"`
}

// NetworkHealth 单个网络的健康摘要
type NetworkHealth struct {
	Status   string   `json:"status"`
	Eligible int      `json:"eligible"`
	Total    int      `json:"total"`
	Issues   []string `json:"issues,omitempty"`
}

// AttemptData 随 JSON-RPC 错误返回的尝试记录
type AttemptData struct {
	Provider string `json:"provider"`
	Tier     int    `json:"tier"`
	Kind     string `json:"kind"`
	Error    string `json:"error,omitempty"`
}

// healthCheck 聚合健康状态；unhealthy 时返回 503
func (s *Server) healthCheck(c *gin.Context) {
	r := s.report()

	resp := HealthResponse{
		Status:    r.Status,
		Timestamp: r.GeneratedAt,
		Version:   r.Version,
		Networks:  make(map[string]NetworkHealth, len(r.Networks)),
	}
	for _, n := range r.Networks {
		resp.Networks[n.Name] = NetworkHealth{
			Status:   n.Status,
			Eligible: n.Eligible,
			Total:    len(n.Providers),
			Issues:   n.Issues,
		}
	}

	code := http.StatusOK
	if r.Status == metrics.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// status 返回完整的状态报告
func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.report())
}

// rpc 把请求体作为 JSON-RPC 请求交给连接池执行
func (s *Server) rpc(c *gin.Context) {
	network := c.Param("network")

	body, err := c.GetRawData()
	if err != nil {
		s.writeRPC(c, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, err.Error()))
		return
	}
	req, err := jsonrpc.DecodeRequest(body)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			s.writeRPC(c, http.StatusBadRequest, &jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr})
			return
		}
		s.writeRPC(c, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, err.Error()))
		return
	}

	resp, err := s.pool.Execute(c.Request.Context(), network, req)
	if err != nil {
		code, out := s.failure(network, req, err)
		s.writeRPC(c, code, out)
		return
	}

	out := *resp
	out.ID = req.ID
	if out.JSONRPC == "" {
		out.JSONRPC = jsonrpc.Version
	}
	s.writeRPC(c, http.StatusOK, &out)
}

// failure 把连接池错误映射为 HTTP 状态码与 JSON-RPC 错误响应
func (s *Server) failure(network string, req *jsonrpc.Request, err error) (int, *jsonrpc.Response) {
	var nonRetryable *pool.NonRetryableError
	if errors.As(err, &nonRetryable) && nonRetryable.Response != nil {
		// 上游拒绝了请求，原样转交调用方
		out := *nonRetryable.Response
		out.ID = req.ID
		out.JSONRPC = jsonrpc.Version
		return http.StatusOK, &out
	}

	out := jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error())
	var attempts []pool.Attempt
	code := http.StatusBadGateway

	var exhausted *pool.ExhaustedError
	var deadline *pool.DeadlineError
	switch {
	case errors.As(err, &exhausted):
		code = http.StatusServiceUnavailable
		out.Error.Code = jsonrpc.CodeServerErrorMax
		attempts = exhausted.Attempts
	case errors.As(err, &deadline):
		code = http.StatusGatewayTimeout
		out.Error.Code = jsonrpc.CodeServerErrorMax - 1
		attempts = deadline.Attempts
	case perr.HasCode(err, perr.CodeNonRetryable):
		code = http.StatusOK
		out.Error.Code = jsonrpc.CodeInvalidRequest
	}

	if len(attempts) > 0 {
		data := make([]AttemptData, 0, len(attempts))
		for _, a := range attempts {
			d := AttemptData{Provider: a.ProviderID, Tier: a.Tier, Kind: string(a.Kind)}
			if a.Err != nil {
				d.Error = a.Err.Error()
			}
			data = append(data, d)
		}
		if raw, mErr := json.Marshal(data); mErr == nil {
			out.Error.Data = raw
		}
	}

	s.log.WithFields(logrus.Fields{
		"network": network,
		"method":  req.Method,
		"code":    perr.CodeOf(err),
	}).WithError(err).Debug("请求失败")
	return code, out
}

func (s *Server) writeRPC(c *gin.Context, code int, resp *jsonrpc.Response) {
	raw, err := jsonrpc.Encode(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "encode_failed", Message: err.Error()})
		return
	}
	c.Data(code, "application/json", raw)
}

// reloadConfig 重新读取配置文件
func (s *Server) reloadConfig(c *gin.Context) {
	version, err := s.reload()
	if err != nil {
		resp := ErrorResponse{Error: "reload_failed", Message: err.Error()}
		var cfgErr *provider.ConfigError
		if errors.As(err, &cfgErr) {
			resp.Details = cfgErr.Problems
			c.JSON(http.StatusBadRequest, resp)
			return
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

// probe 立即执行一次健康探测；all=true 时探测全部提供商
func (s *Server) probe(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))

	results, err := s.checker.ProbeAll(all).Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "probe_interrupted", Message: err.Error()})
		return
	}
	if results == nil {
		results = []pool.ProbeResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
