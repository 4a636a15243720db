package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rpcpool/pkg/config"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/pool"
)

// ReloadFunc 重新读取配置并重载连接池，返回新的注册表版本
type ReloadFunc func() (uint64, error)

// Option 服务选项
type Option func(*Server)

// WithRecorder 设置用于报告的观测记录
func WithRecorder(rec *metrics.Recorder) Option {
	return func(s *Server) { s.recorder = rec }
}

// WithGatherer 启用 /metrics 端点
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithReload 启用 /admin/reload 端点
func WithReload(fn ReloadFunc) Option {
	return func(s *Server) { s.reload = fn }
}

// WithHealthChecker 启用 /admin/probe 端点
func WithHealthChecker(hc *pool.HealthChecker) Option {
	return func(s *Server) { s.checker = hc }
}

// Server 连接池的 HTTP 网关
type Server struct {
	pool     *pool.Pool
	recorder *metrics.Recorder
	gatherer prometheus.Gatherer
	reload   ReloadFunc
	checker  *pool.HealthChecker

	cfg    config.ServerConfig
	router *gin.Engine
	server *http.Server
	log    *logrus.Entry
}

// NewServer 创建 HTTP 网关
func NewServer(cfg config.ServerConfig, p *pool.Pool, opts ...Option) *Server {
	s := &Server{
		pool: p,
		cfg:  cfg,
		log:  logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthCheck)
	router.GET("/status", s.status)
	router.POST("/rpc/:network", s.rpc)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/admin")
	{
		if s.reload != nil {
			admin.POST("/reload", s.reloadConfig)
		}
		if s.checker != nil {
			admin.POST("/probe", s.probe)
		}
	}
	return router
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 在后台启动 HTTP 服务
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("port", s.cfg.Port).Info("启动 HTTP 服务")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP 服务异常退出")
		}
	}()
	return nil
}

// Stop 优雅关闭 HTTP 服务
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requestLogger 以 Debug 级别记录每个请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("请求完成")
	}
}

func (s *Server) report() *metrics.Report {
	return metrics.BuildReport(s.pool.Registry(), s.recorder, s.pool.Now())
}
