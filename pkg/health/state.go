package health

import (
	"sync"
	"time"

	"rpcpool/pkg/breaker"
	perr "rpcpool/pkg/error"
	"rpcpool/pkg/limiter"
)

// Policy 单个提供商的健康策略参数
type Policy struct {
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
}

// State 单个提供商的可变健康状态。
//
// 每个提供商独占一把锁，所有读改写都在锁内完成，且锁只在簿记期间持有，
// 从不跨越网络调用；不同提供商之间没有共享锁。
type State struct {
	mu sync.Mutex

	policy      Policy
	failures    int
	lastSuccess time.Time
	lastFailure time.Time

	circuit  *breaker.Circuit
	cooldown *limiter.Cooldown

	attempts  int64
	successes int64
	failed    int64
}

// NewState 创建初始健康状态（Closed、无失败、未限流）
func NewState(policy Policy) *State {
	return &State{
		policy:   policy,
		circuit:  breaker.New(policy.FailureThreshold, policy.CooldownBase, policy.CooldownMax),
		cooldown: limiter.NewCooldown(policy.CooldownBase, policy.CooldownMax),
	}
}

// Policy 返回健康策略
func (s *State) Policy() Policy {
	return s.policy
}

// Eligible 只读判断 now 时刻能否被选择：未限流，且熔断器 Closed 或可进行半开试探。
func (s *State) Eligible(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldown.Limited(now) {
		return false
	}
	return s.circuit.Admissible(now)
}

// Acquire 为一次调用占用提供商；半开状态下同时只有一个调用能成功。
// 返回的凭据须原样交给 Release 或 RecordFailure/RecordRateLimited。
func (s *State) Acquire(now time.Time) (breaker.Ticket, bool, breaker.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldown.Limited(now) {
		st := s.circuit.State()
		return breaker.NoTrial, false, breaker.Transition{From: st, To: st}
	}
	return s.circuit.Acquire(now)
}

// AcquireProbe 为健康探测占用提供商，不受限流窗口约束。
//
// 冷却已结束的 Open 与空闲的 HalfOpen 需要占用试探令牌，令牌已被占用时返回 false；
// Closed 与冷却中的 Open 不需要令牌，返回 NoTrial。
func (s *State) AcquireProbe(now time.Time) (breaker.Ticket, bool, breaker.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.circuit.State()
	if st == breaker.StateClosed || (st == breaker.StateOpen && !s.circuit.Admissible(now)) {
		return breaker.NoTrial, true, breaker.Transition{From: st, To: st}
	}
	return s.circuit.Acquire(now)
}

// Release 归还没有得出结论的调用（调用方取消），不计入任何统计。
// 只有当前试探的凭据会归还令牌。
func (s *State) Release(t breaker.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.circuit.Release(t)
}

// RecordSuccess 记录一次成功：清零失败计数与限流计数、结束限流窗口，
// 熔断器若处于 Open/HalfOpen 则回到 Closed。
func (s *State) RecordSuccess(now time.Time) breaker.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	s.successes++
	s.failures = 0
	s.lastSuccess = now
	s.cooldown.Reset()
	s.cooldown.Clear()
	return s.circuit.OnSuccess()
}

// RecordFailure 记录一次失败。限流属于容量信号而非健康信号，
// 交给限流控制器处理，不计入连续失败；其余类型计入连续失败并驱动熔断器。
// 半开状态下只有当前试探 t 的失败会重新熔断。
func (s *State) RecordFailure(now time.Time, kind perr.ErrorCode, t breaker.Ticket) Result {
	if kind == perr.CodeRateLimited {
		return s.RecordRateLimited(now, 0, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	s.failed++
	s.failures++
	s.lastFailure = now
	tr := s.circuit.OnFailure(now, s.failures, t)
	return Result{Transition: tr, Failures: s.failures}
}

// RecordRateLimited 记录一次限流信号，hint 为提供商建议的等待时长（可为 0）。
func (s *State) RecordRateLimited(now time.Time, hint time.Duration, t breaker.Ticket) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	wait := s.cooldown.Trip(now, hint)
	// 限流的试探没有结论，归还令牌，冷却结束后允许再次试探
	s.circuit.Release(t)

	st := s.circuit.State()
	return Result{
		Transition: breaker.Transition{From: st, To: st},
		Failures:   s.failures,
		Cooldown:   wait,
	}
}

// Snapshot 返回当前状态的只读副本
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ConsecutiveFailures: s.failures,
		FailureThreshold:    s.circuit.Threshold(),
		LastSuccessAt:       s.lastSuccess,
		LastFailureAt:       s.lastFailure,
		RateLimitedUntil:    s.cooldown.Until(),
		RateLimitCount:      s.cooldown.Count(),
		CircuitState:        s.circuit.State(),
		CircuitOpenedAt:     s.circuit.OpenedAt(),
		CircuitCooldown:     s.circuit.Cooldown(),
		TrialInFlight:       s.circuit.TrialInFlight(),
		Attempts:            s.attempts,
		Successes:           s.successes,
		Failures:            s.failed,
		RateLimits:          s.cooldown.Total(),
		CircuitOpens:        s.circuit.Opens(),
	}
}

// Result 一次失败记录的结果
type Result struct {
	Transition breaker.Transition
	Failures   int           // 记录后的连续失败数
	Cooldown   time.Duration // 限流时本次冷却时长
}
