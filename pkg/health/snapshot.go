package health

import (
	"time"

	"rpcpool/pkg/breaker"
)

// Snapshot 健康状态只读副本，供选择器打分和监控导出使用。
// 时间字段为零值表示从未发生。
type Snapshot struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	RateLimitedUntil    time.Time     `json:"rate_limited_until"`
	RateLimitCount      int           `json:"rate_limit_count"`
	CircuitState        breaker.State `json:"circuit_state"`
	CircuitOpenedAt     time.Time     `json:"circuit_opened_at"`
	CircuitCooldown     time.Duration `json:"circuit_cooldown"`
	TrialInFlight       bool          `json:"trial_in_flight"`

	Attempts     int64 `json:"attempts"`
	Successes    int64 `json:"successes"`
	Failures     int64 `json:"failures"`
	RateLimits   int64 `json:"rate_limits"`
	CircuitOpens int64 `json:"circuit_opens"`
}

// RateLimited now 时刻是否处于限流冷却中
func (s Snapshot) RateLimited(now time.Time) bool {
	return !s.RateLimitedUntil.IsZero() && now.Before(s.RateLimitedUntil)
}

// RecentlySucceeded 最近一次成功是否在 window 之内
func (s Snapshot) RecentlySucceeded(now time.Time, window time.Duration) bool {
	return !s.LastSuccessAt.IsZero() && now.Sub(s.LastSuccessAt) < window
}

// Availability 成功调用占所有有结论调用的百分比；没有调用时返回 100。
func (s Snapshot) Availability() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 100
	}
	return float64(s.Successes) / float64(total) * 100
}
