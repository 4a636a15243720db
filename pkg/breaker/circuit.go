package breaker

import (
	"fmt"
	"time"

	"rpcpool/pkg/limiter"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，提供商可被选择
	StateClosed State = iota
	// StateOpen 熔断状态，冷却结束前不会被选择
	StateOpen
	// StateHalfOpen 半开状态，只允许一次试探调用
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText 以名称形式序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从名称解析状态
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("未知的熔断器状态: %q", text)
	}
	return nil
}

// Transition 一次状态变更；From == To 表示未发生变更。
type Transition struct {
	From State
	To   State
}

// Changed 是否发生了状态变更
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Circuit 单个提供商的三态熔断器。
//
// Closed 下连续失败达到阈值即转为 Open；Open 持续 min(base × 2^k, max) 后
// 由第一个调用方转为 HalfOpen 并取得唯一的试探令牌；试探成功回到 Closed，
// 失败重新 Open 且 k 加一。k 与限流计数互不影响。
//
// Circuit 不加锁，由 health.State 的逐提供商互斥锁保护。
type Circuit struct {
	threshold int
	base      time.Duration
	max       time.Duration

	state    State
	openedAt time.Time
	reopens  int    // 连续重新熔断次数，决定冷却时长
	trial    bool   // 半开试探令牌是否已被占用
	epoch    uint64 // 每次发放试探令牌加一
	opens    int64
}

// New 创建熔断器，threshold 小于 1 时按 1 处理
func New(threshold int, base, max time.Duration) *Circuit {
	if threshold < 1 {
		threshold = 1
	}
	return &Circuit{
		threshold: threshold,
		base:      base,
		max:       max,
		state:     StateClosed,
	}
}

// State 返回当前记录的状态（不会触发 Open → HalfOpen 的时间迁移）
func (c *Circuit) State() State {
	return c.state
}

// Threshold 返回触发熔断的连续失败阈值
func (c *Circuit) Threshold() int {
	return c.threshold
}

// OpenedAt 返回最近一次进入 Open 的时间
func (c *Circuit) OpenedAt() time.Time {
	return c.openedAt
}

// Cooldown 返回当前 Open 状态需要等待的时长
func (c *Circuit) Cooldown() time.Duration {
	return limiter.Backoff(c.base, c.max, c.reopens)
}

// TrialInFlight 半开试探是否正在进行
func (c *Circuit) TrialInFlight() bool {
	return c.state == StateHalfOpen && c.trial
}

// Opens 返回累计熔断次数
func (c *Circuit) Opens() int64 {
	return c.opens
}

// cooledDown Open 状态的冷却是否已结束
func (c *Circuit) cooledDown(now time.Time) bool {
	return now.Sub(c.openedAt) >= c.Cooldown()
}

// Admissible 只读判断 now 时刻能否放行一次调用，不占用令牌。
func (c *Circuit) Admissible(now time.Time) bool {
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return c.cooledDown(now)
	case StateHalfOpen:
		return !c.trial
	default:
		return false
	}
}

// Ticket 一次放行的凭据。只有当前试探的持有者能归还令牌或以失败重新熔断。
type Ticket struct {
	epoch uint64
	trial bool
}

// NoTrial 不持有试探令牌的放行，例如 Closed 下的普通调用或冷却期内的健康探测
var NoTrial = Ticket{}

// Trial 凭据是否对应一次半开试探
func (t Ticket) Trial() bool {
	return t.trial
}

// holds t 是否为当前正在进行的试探
func (c *Circuit) holds(t Ticket) bool {
	return t.trial && c.state == StateHalfOpen && c.trial && t.epoch == c.epoch
}

// Acquire 尝试放行一次调用。Open 冷却结束时由本次调用迁移到 HalfOpen
// 并占用试探令牌；令牌已被占用时返回 false，调用方应视其仍为 Open。
func (c *Circuit) Acquire(now time.Time) (Ticket, bool, Transition) {
	tr := Transition{From: c.state, To: c.state}

	switch c.state {
	case StateClosed:
		return NoTrial, true, tr
	case StateOpen:
		if !c.cooledDown(now) {
			return NoTrial, false, tr
		}
		c.state = StateHalfOpen
		tr.To = StateHalfOpen
		return c.grant(), true, tr
	case StateHalfOpen:
		if c.trial {
			return NoTrial, false, tr
		}
		return c.grant(), true, tr
	default:
		return NoTrial, false, tr
	}
}

func (c *Circuit) grant() Ticket {
	c.trial = true
	c.epoch++
	return Ticket{epoch: c.epoch, trial: true}
}

// Release 归还未得出结论的试探令牌（例如调用方取消或被限流）。
// t 不是当前试探时不做任何事，返回 false。
func (c *Circuit) Release(t Ticket) bool {
	if !c.holds(t) {
		return false
	}
	c.trial = false
	return true
}

// OnSuccess 记录一次成功：Open/HalfOpen 立即回到 Closed 并清零退避。
func (c *Circuit) OnSuccess() Transition {
	tr := Transition{From: c.state, To: StateClosed}
	c.state = StateClosed
	c.trial = false
	c.reopens = 0
	return tr
}

// OnFailure 记录一次计入健康的失败，failures 为失败后的连续失败数。
//
// Closed 达到阈值进入 Open；HalfOpen 下只有当前试探 t 的失败才重新 Open
// 并加大退避，熔断前放行的调用迟到的失败不改变状态；
// 已经 Open 时（如健康探测失败）保持 Open，不刷新熔断时间。
func (c *Circuit) OnFailure(now time.Time, failures int, t Ticket) Transition {
	tr := Transition{From: c.state, To: c.state}

	switch c.state {
	case StateClosed:
		if failures >= c.threshold {
			c.open(now)
			tr.To = StateOpen
		}
	case StateHalfOpen:
		if !c.holds(t) {
			break
		}
		c.reopens++
		c.open(now)
		tr.To = StateOpen
	}
	return tr
}

func (c *Circuit) open(now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.trial = false
	c.opens++
}
