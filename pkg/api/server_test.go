package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcpool/pkg/config"
	"rpcpool/pkg/jsonrpc"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/pool"
	"rpcpool/pkg/provider"
)

func init() {
	logger.Init(logger.Config{Level: "error", Output: "discard"})
}

// node 模拟一个上游节点，reply 为 nil 时返回 "0x1"
type node struct {
	srv   *httptest.Server
	calls atomic.Int64
	reply atomic.Value // func(w http.ResponseWriter, req *jsonrpc.Request)
}

type replyFunc func(w http.ResponseWriter, req *jsonrpc.Request)

func newNode(t *testing.T) *node {
	n := &node{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		req, err := jsonrpc.DecodeRequest(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if fn, ok := n.reply.Load().(replyFunc); ok && fn != nil {
			fn(w, req)
			return
		}
		respond(w, &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`99`), Result: json.RawMessage(`"0x1"`)})
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *node) set(fn replyFunc) { n.reply.Store(fn) }

func respond(w http.ResponseWriter, resp *jsonrpc.Response) {
	raw, _ := jsonrpc.Encode(resp)
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func serverError(w http.ResponseWriter, req *jsonrpc.Request) {
	http.Error(w, "upstream unavailable", http.StatusInternalServerError)
}

type harness struct {
	pool   *pool.Pool
	server *Server
}

func newHarness(t *testing.T, nodes map[string]*node, tiers map[string]int, opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	for id, n := range nodes {
		cfg.AddProvider("eth", config.ProviderConfig{
			ID:       id,
			Endpoint: n.srv.URL,
			Tier:     tiers[id],
			Weight:   1,
		})
	}
	p, err := pool.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	s := NewServer(config.ServerConfig{Port: "0", Mode: gin.TestMode}, p, opts...)
	return &harness{pool: p, server: s}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) *jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return &resp
}

const balanceCall = `{"jsonrpc":"2.0","id":"abc","method":"eth_getBalance","params":["0x0","latest"]}`

func TestRPC_Success(t *testing.T) {
	a := newNode(t)
	h := newHarness(t, map[string]*node{"a": a}, map[string]int{"a": 1})

	w := h.do(http.MethodPost, "/rpc/eth", balanceCall)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeRPC(t, w)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `"0x1"`, string(resp.Result))
	assert.JSONEq(t, `"abc"`, string(resp.ID), "返回调用方的请求 ID")
	assert.Equal(t, int64(1), a.calls.Load())
}

func TestRPC_FallsBackToNextTier(t *testing.T) {
	a, b := newNode(t), newNode(t)
	a.set(serverError)
	h := newHarness(t, map[string]*node{"a": a, "b": b}, map[string]int{"a": 1, "b": 2})

	w := h.do(http.MethodPost, "/rpc/eth", balanceCall)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeRPC(t, w).Error)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())
}

func TestRPC_NonRetryablePassesThrough(t *testing.T) {
	a, b := newNode(t), newNode(t)
	a.set(func(w http.ResponseWriter, req *jsonrpc.Request) {
		respond(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid argument 0"))
	})
	h := newHarness(t, map[string]*node{"a": a, "b": b}, map[string]int{"a": 1, "b": 2})

	w := h.do(http.MethodPost, "/rpc/eth", balanceCall)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "invalid argument 0", resp.Error.Message)
	assert.JSONEq(t, `"abc"`, string(resp.ID))
	assert.Equal(t, int64(0), b.calls.Load(), "请求本身无效，不再尝试其他提供商")
}

func TestRPC_Exhausted(t *testing.T) {
	a, b := newNode(t), newNode(t)
	a.set(serverError)
	b.set(serverError)
	h := newHarness(t, map[string]*node{"a": a, "b": b}, map[string]int{"a": 1, "b": 2})

	w := h.do(http.MethodPost, "/rpc/eth", balanceCall)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeServerErrorMax, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "attempts exhausted")

	var attempts []AttemptData
	require.NoError(t, json.Unmarshal(resp.Error.Data, &attempts))
	require.Len(t, attempts, 2)
	assert.Equal(t, "a", attempts[0].Provider)
	assert.Equal(t, "TRANSPORT_ERROR", attempts[0].Kind)
	assert.Equal(t, "b", attempts[1].Provider)
}

func TestRPC_UnknownNetwork(t *testing.T) {
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1})

	w := h.do(http.MethodPost, "/rpc/polygon", balanceCall)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeRPC(t, w).Error.Message, "unknown network")
}

func TestRPC_MalformedRequest(t *testing.T) {
	a := newNode(t)
	h := newHarness(t, map[string]*node{"a": a}, map[string]int{"a": 1})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"jsonrpc":`, jsonrpc.CodeParseError},
		{"batch", `[` + balanceCall + `]`, jsonrpc.CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, jsonrpc.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/rpc/eth", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeRPC(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
	assert.Equal(t, int64(0), a.calls.Load())
}

func TestHealth(t *testing.T) {
	a := newNode(t)
	h := newHarness(t, map[string]*node{"a": a}, map[string]int{"a": 1})

	w := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, metrics.StatusHealthy, resp.Status)
	assert.Equal(t, 1, resp.Networks["eth"].Eligible)

	// 唯一的提供商熔断后网络不可用
	a.set(serverError)
	for i := 0; i < 3; i++ {
		h.do(http.MethodPost, "/rpc/eth", balanceCall)
	}

	w = h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, metrics.StatusUnhealthy, resp.Status)
	assert.Equal(t, 0, resp.Networks["eth"].Eligible)
	assert.Contains(t, resp.Networks["eth"].Issues, "no provider available")
}

func TestStatus(t *testing.T) {
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1}, WithRecorder(metrics.NewRecorder()))

	w := h.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, metrics.StatusHealthy, report["status"])
	assert.Contains(t, w.Body.String(), `"closed"`)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1}, WithGatherer(reg))
	reg.MustRegister(metrics.NewPrometheus(h.pool.Registry))

	w := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `rpcpool_provider_circuit_state{network="eth",provider="a"`)
	assert.Contains(t, w.Body.String(), "rpcpool_registry_version 1")
}

func TestMetrics_DisabledWithoutGatherer(t *testing.T) {
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1})
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/metrics", "").Code)
}

func TestAdminReload(t *testing.T) {
	var fail atomic.Bool
	reload := func() (uint64, error) {
		if fail.Load() {
			_, err := provider.Load(config.Default())
			return 0, err
		}
		return 2, nil
	}
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1}, WithReload(reload))

	w := h.do(http.MethodPost, "/admin/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":2}`, w.Body.String())

	fail.Store(true)
	w = h.do(http.MethodPost, "/admin/reload", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reload_failed", resp.Error)
	assert.NotEmpty(t, resp.Details)
}

func TestAdminReload_InternalError(t *testing.T) {
	reload := func() (uint64, error) { return 0, errors.New("read config: permission denied") }
	h := newHarness(t, map[string]*node{"a": newNode(t)}, map[string]int{"a": 1}, WithReload(reload))

	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "/admin/reload", "").Code)
}

func TestAdminProbe(t *testing.T) {
	a := newNode(t)
	a.set(func(w http.ResponseWriter, req *jsonrpc.Request) {
		respond(w, &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: json.RawMessage(`"0x10"`)})
	})

	cfg := config.Default()
	cfg.AddProvider("eth", config.ProviderConfig{ID: "a", Endpoint: a.srv.URL, Tier: 1, Weight: 1})
	p, err := pool.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	hc := pool.NewHealthChecker(p, cfg.HealthCheck)
	h := &harness{pool: p, server: NewServer(config.ServerConfig{Mode: gin.TestMode}, p, WithHealthChecker(hc))}

	// 没有需要探测的提供商
	w := h.do(http.MethodPost, "/admin/probe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":[]}`, w.Body.String())
	assert.Equal(t, int64(0), a.calls.Load())

	w = h.do(http.MethodPost, "/admin/probe?all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []pool.ProbeResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ProviderID)
	assert.Equal(t, uint64(16), resp.Results[0].Block)
	assert.Equal(t, int64(1), a.calls.Load())

	// 手动探测不改变定时任务的范围
	w = h.do(http.MethodPost, "/admin/probe", "")
	assert.JSONEq(t, `{"results":[]}`, w.Body.String())
}
