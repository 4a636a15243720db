package selector

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/health"
	"rpcpool/pkg/provider"
)

// ErrNoneAvailable 所有层级都没有可用提供商
var ErrNoneAvailable = errors.New("no eligible provider")

const (
	// DefaultRecencyWindow 近期成功加权窗口
	DefaultRecencyWindow = 60 * time.Second

	minHealthFactor = 0.1
	failurePenalty  = 0.2
	recencyBonus    = 1.2
)

// Random 随机数源，返回 [0, 1) 之间的浮点数
type Random interface {
	Float64() float64
}

type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }

// TransitionHook 选择过程中发生熔断状态迁移（Open → HalfOpen）时回调
type TransitionHook func(p *provider.Provider, tr breaker.Transition)

// Option 选择器选项
type Option func(*Selector)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithRandom 注入随机数源；选择器内部串行化对它的访问
func WithRandom(r Random) Option {
	return func(s *Selector) { s.rnd = r }
}

// WithRecencyWindow 设置近期成功加权窗口
func WithRecencyWindow(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithTransitionHook 设置状态迁移回调
func WithTransitionHook(h TransitionHook) Option {
	return func(s *Selector) { s.hook = h }
}

// Selector 按层级顺序、层内加权随机地选择提供商。
// 层级顺序是确定的，只有层内的选择是随机的。
type Selector struct {
	now    func() time.Time
	window time.Duration
	hook   TransitionHook

	mu  sync.Mutex
	rnd Random
}

// New 创建选择器
func New(opts ...Option) *Selector {
	s := &Selector{
		now:    time.Now,
		window: DefaultRecencyWindow,
		rnd:    globalRandom{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now 返回选择器使用的当前时间
func (s *Selector) Now() time.Time {
	return s.now()
}

// SelectNext 在 network 中选出下一个提供商并为本次调用占用它。
// excluded 以提供商 ID 为键，表示本次调用中已经尝试过的提供商。
// 返回的凭据用于记录本次调用的结果；没有可用提供商时返回 ErrNoneAvailable。
func (s *Selector) SelectNext(reg *provider.Registry, network string, excluded map[string]bool) (*provider.Provider, breaker.Ticket, error) {
	now := s.now()

	for _, tier := range byTier(reg.Providers(network)) {
		candidates := make([]*provider.Provider, 0, len(tier))
		for _, p := range tier {
			if excluded[p.ID] {
				continue
			}
			if p.Health().Eligible(now) {
				candidates = append(candidates, p)
			}
		}

		for len(candidates) > 0 {
			i := s.pick(candidates, now)
			p := candidates[i]

			ticket, ok, tr := p.Health().Acquire(now)
			if tr.Changed() && s.hook != nil {
				s.hook(p, tr)
			}
			if ok {
				return p, ticket, nil
			}
			// 试探令牌被并发调用抢走，在同层内重新抽取
			candidates = append(candidates[:i], candidates[i+1:]...)
		}
	}

	return nil, breaker.NoTrial, ErrNoneAvailable
}

// byTier 按层级升序分组，组内保持配置顺序
func byTier(list []*provider.Provider) [][]*provider.Provider {
	groups := make(map[int][]*provider.Provider)
	var tiers []int
	for _, p := range list {
		if _, ok := groups[p.Tier]; !ok {
			tiers = append(tiers, p.Tier)
		}
		groups[p.Tier] = append(groups[p.Tier], p)
	}
	sort.Ints(tiers)

	out := make([][]*provider.Provider, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, groups[t])
	}
	return out
}

// pick 按得分加权随机抽取一个下标
func (s *Selector) pick(candidates []*provider.Provider, now time.Time) int {
	if len(candidates) == 1 {
		return 0
	}

	scores := make([]float64, len(candidates))
	total := 0.0
	for i, p := range candidates {
		scores[i] = Score(p.Weight, p.Health().Snapshot(), now, s.window)
		total += scores[i]
	}

	s.mu.Lock()
	r := s.rnd.Float64() * total
	s.mu.Unlock()

	for i, sc := range scores {
		if r < sc {
			return i
		}
		r -= sc
	}
	return len(candidates) - 1
}

// Score 计算提供商得分：
// weight × max(0.1, 1 − 0.2 × 连续失败数) × (最近 window 内成功过则 1.2，否则 1.0)
func Score(weight float64, snap health.Snapshot, now time.Time, window time.Duration) float64 {
	healthFactor := 1 - failurePenalty*float64(snap.ConsecutiveFailures)
	if healthFactor < minHealthFactor {
		healthFactor = minHealthFactor
	}

	recency := 1.0
	if snap.RecentlySucceeded(now, window) {
		recency = recencyBonus
	}
	return weight * healthFactor * recency
}
