package limiter

import (
	"time"
)

// Cooldown 单个提供商的限流冷却状态。
//
// 提供商每返回一次限流信号，冷却窗口按 min(base × 2^n, max) 增长，
// n 为连续限流计数，与健康失败计数相互独立；任意一次成功调用将 n 清零。
// Cooldown 本身不加锁，由持有它的 health.State 串行化访问。
type Cooldown struct {
	base  time.Duration
	max   time.Duration
	count int       // 连续限流计数
	until time.Time // 冷却截止时间，零值表示未限流
	total int64     // 累计限流次数
}

// NewCooldown 创建限流冷却状态
func NewCooldown(base, max time.Duration) *Cooldown {
	return &Cooldown{base: base, max: max}
}

// Trip 记录一次限流信号，返回本次冷却时长。
// hint 为提供商给出的 Retry-After 提示，取两者较大值，仍受 max 约束。
func (c *Cooldown) Trip(now time.Time, hint time.Duration) time.Duration {
	wait := Backoff(c.base, c.max, c.count)
	if hint > wait {
		wait = hint
		if c.max > 0 && wait > c.max {
			wait = c.max
		}
	}
	if wait <= 0 {
		// 保证截止时间严格晚于 now
		wait = time.Millisecond
	}

	c.until = now.Add(wait)
	c.count++
	c.total++
	return wait
}

// Reset 成功调用后清零连续限流计数
func (c *Cooldown) Reset() {
	c.count = 0
}

// Clear 立即结束当前冷却窗口（例如健康探测成功）
func (c *Cooldown) Clear() {
	c.until = time.Time{}
}

// Limited 判断 now 时刻是否仍处于冷却窗口内
func (c *Cooldown) Limited(now time.Time) bool {
	return !c.until.IsZero() && now.Before(c.until)
}

// Until 返回冷却截止时间
func (c *Cooldown) Until() time.Time {
	return c.until
}

// Count 返回连续限流计数
func (c *Cooldown) Count() int {
	return c.count
}

// Total 返回累计限流次数
func (c *Cooldown) Total() int64 {
	return c.total
}
