package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"rpcpool/pkg/config"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/scheduler"
)

// Exporter 把健康报告推送到外部存储
type Exporter interface {
	Name() string
	Export(ctx context.Context, r *Report) error
}

// SinkStats 导出统计
type SinkStats struct {
	TotalExports int64     `json:"total_exports"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	Rejected     int64     `json:"rejected"` // 熔断期间直接拒绝的次数
	LastFailure  time.Time `json:"last_failure"`
	LastError    string    `json:"last_error,omitempty"`
}

// BreakerSink 熔断器装饰器，后端持续失败时直接跳过导出，不拖慢调度
type BreakerSink struct {
	next Exporter
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Entry

	mu    sync.RWMutex
	stats SinkStats
}

// NewBreakerSink 用 cfg 包装导出器，cfg 的零值字段使用默认配置
func NewBreakerSink(next Exporter, cfg config.BreakerConfig) *BreakerSink {
	def := config.Default().Metrics.Breaker
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	s := &BreakerSink{
		next: next,
		log:  logger.WithComponent("exporter").WithField("exporter", next.Name()),
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 连续失败达到阈值时熔断
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("导出熔断器状态变更")
		},
	}
	s.cb = gobreaker.NewCircuitBreaker(settings)
	return s
}

// Name 返回装饰器名称
func (s *BreakerSink) Name() string {
	return fmt.Sprintf("CircuitBreaker(%s)", s.next.Name())
}

// Export 通过熔断器执行导出
func (s *BreakerSink) Export(ctx context.Context, r *Report) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Export(ctx, r)
	})
	s.handleResult(err)
	return err
}

// handleResult 更新统计信息
func (s *BreakerSink) handleResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalExports++
	switch {
	case err == nil:
		s.stats.Succeeded++
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.stats.Rejected++
	default:
		s.stats.Failed++
		s.stats.LastFailure = time.Now()
		s.stats.LastError = err.Error()
	}
}

// State 熔断器当前状态
func (s *BreakerSink) State() gobreaker.State {
	return s.cb.State()
}

// Stats 返回统计副本
func (s *BreakerSink) Stats() SinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ReportFunc 生成当前报告
type ReportFunc func() *Report

// ExportJob 定时导出任务，实现 scheduler.JobExecutor
type ExportJob struct {
	report ReportFunc
	sinks  []Exporter
	log    *logrus.Entry
}

// NewExportJob 创建导出任务
func NewExportJob(report ReportFunc, sinks ...Exporter) *ExportJob {
	return &ExportJob{
		report: report,
		sinks:  sinks,
		log:    logger.WithComponent("exporter"),
	}
}

// Sinks 返回已配置的导出器
func (j *ExportJob) Sinks() []Exporter {
	return j.sinks
}

// Execute 生成一次报告并依次推送给所有导出器，单个导出器失败不影响其他导出器
func (j *ExportJob) Execute(ctx context.Context, job *scheduler.Job) error {
	if len(j.sinks) == 0 {
		return nil
	}
	r := j.report()

	var errs []error
	for _, sink := range j.sinks {
		if err := sink.Export(ctx, r); err != nil {
			j.log.WithError(err).WithField("exporter", sink.Name()).Warn("导出失败")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ scheduler.JobExecutor = (*ExportJob)(nil)
