package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/config"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/provider"
	"rpcpool/pkg/selector"
	"rpcpool/pkg/transport"
)

// DefaultMaxAttempts 单次调用默认的尝试上限
const DefaultMaxAttempts = 6

// ReloadHook 注册表成功重载后的回调
type ReloadHook func(next *provider.Registry, changes provider.Changes)

// Option 连接池选项
type Option func(*options)

type options struct {
	factory      transport.Factory
	selectorOpts []selector.Option
	observer     metrics.Observer
	classifier   Classifier
	now          func() time.Time
	onReload     []ReloadHook
}

// WithFactory 替换连接句柄工厂
func WithFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock 替换时钟（选择器与健康记录共用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
		o.selectorOpts = append(o.selectorOpts, selector.WithClock(now))
	}
}

// WithRandom 替换选择器的随机源
func WithRandom(r selector.Random) Option {
	return func(o *options) { o.selectorOpts = append(o.selectorOpts, selector.WithRandom(r)) }
}

// WithObserver 设置调用结果观察者
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClassifier 替换结果分类器
func WithClassifier(c Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// OnReload 添加重载回调
func OnReload(h ReloadHook) Option {
	return func(o *options) { o.onReload = append(o.onReload, h) }
}

// Pool 多层级 JSON-RPC 提供商连接池。
//
// 注册表以不可变快照的形式发布，每次调用开始时读取一次；
// 重载只替换快照指针，正在进行的调用继续使用旧快照。
type Pool struct {
	registry    atomic.Pointer[provider.Registry]
	maxAttempts atomic.Int64

	cache    *transport.Cache
	selector *selector.Selector
	observer metrics.Observer
	classify Classifier
	now      func() time.Time
	onReload []ReloadHook

	reloadMu sync.Mutex
	log      *logrus.Entry
}

// New 根据配置创建连接池，配置无效时返回 ConfigError
func New(cfg *config.Config, opts ...Option) (*Pool, error) {
	o := options{now: time.Now, classifier: Classify}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := provider.Load(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cache:    transport.NewCache(o.factory),
		observer: o.observer,
		classify: o.classifier,
		now:      o.now,
		onReload: o.onReload,
		log:      logger.WithComponent("pool"),
	}

	selOpts := []selector.Option{
		selector.WithRecencyWindow(cfg.Pool.RecencyWindow),
		selector.WithTransitionHook(p.logTransition),
	}
	p.selector = selector.New(append(selOpts, o.selectorOpts...)...)

	p.registry.Store(reg)
	p.maxAttempts.Store(int64(attemptCeiling(cfg)))

	p.log.WithFields(logrus.Fields{
		"version":   reg.Version(),
		"networks":  len(reg.Networks()),
		"providers": len(reg.All()),
	}).Info("连接池已创建")
	return p, nil
}

func attemptCeiling(cfg *config.Config) int {
	if cfg.Pool.MaxAttempts > 0 {
		return cfg.Pool.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Registry 返回当前生效的注册表快照
func (p *Pool) Registry() *provider.Registry {
	return p.registry.Load()
}

// Networks 返回已配置的网络
func (p *Pool) Networks() []string {
	return p.Registry().Networks()
}

// Now 返回连接池使用的当前时间
func (p *Pool) Now() time.Time {
	return p.now()
}

// MaxAttempts 返回默认尝试次数上限
func (p *Pool) MaxAttempts() int {
	return int(p.maxAttempts.Load())
}

// Cache 返回连接缓存
func (p *Pool) Cache() *transport.Cache {
	return p.cache
}

// Reload 用新配置构建下一版注册表并原子替换。
// 配置无效时返回 ConfigError，当前注册表保持不变。
func (p *Pool) Reload(cfg *config.Config) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	prev := p.registry.Load()
	next, err := provider.Reload(prev, cfg)
	if err != nil {
		p.log.WithError(err).WithField("version", prev.Version()).Error("配置重载失败，继续使用当前配置")
		return err
	}

	p.registry.Store(next)
	p.maxAttempts.Store(int64(attemptCeiling(cfg)))
	evicted := p.cache.Retain(next)

	changes := next.Diff(prev)
	p.log.WithFields(logrus.Fields{
		"version": next.Version(),
		"added":   len(changes.Added),
		"removed": len(changes.Removed),
		"changed": len(changes.Changed),
		"kept":    len(changes.Kept),
		"evicted": evicted,
	}).Info("配置已重载")

	for _, h := range p.onReload {
		h(next, changes)
	}
	return nil
}

// Close 关闭所有连接句柄
func (p *Pool) Close() error {
	return p.cache.Close()
}

func (p *Pool) observe(o metrics.Outcome) {
	if p.observer != nil {
		p.observer.Observe(o)
	}
}

// logTransition 记录熔断器状态迁移
func (p *Pool) logTransition(prov *provider.Provider, tr breaker.Transition) {
	if !tr.Changed() {
		return
	}
	entry := logger.WithProvider(p.log, prov.Network, prov.ID).WithFields(logrus.Fields{
		"tier": prov.Tier,
		"from": tr.From.String(),
		"to":   tr.To.String(),
	})
	if tr.To == breaker.StateOpen {
		snap := prov.Health().Snapshot()
		entry.WithFields(logrus.Fields{
			"failures": snap.ConsecutiveFailures,
			"cooldown": snap.CircuitCooldown,
		}).Warn("熔断器打开")
		return
	}
	entry.Info("熔断器状态变更")
}
