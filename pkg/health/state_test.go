package health

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rpcpool/pkg/breaker"
	perr "rpcpool/pkg/error"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestState() *State {
	return NewState(Policy{
		FailureThreshold: 3,
		CooldownBase:     time.Second,
		CooldownMax:      time.Minute,
	})
}

func TestState_InitialSnapshot(t *testing.T) {
	s := newTestState()
	snap := s.Snapshot()

	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 3, snap.FailureThreshold)
	assert.Equal(t, breaker.StateClosed, snap.CircuitState)
	assert.True(t, snap.LastSuccessAt.IsZero())
	assert.False(t, snap.RateLimited(t0))
	assert.True(t, s.Eligible(t0))
	assert.Equal(t, float64(100), snap.Availability())
}

func TestState_RecordFailureOpensCircuit(t *testing.T) {
	s := newTestState()

	for i := 1; i < 3; i++ {
		res := s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
		assert.False(t, res.Transition.Changed())
		assert.Equal(t, i, res.Failures)
	}

	res := s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	assert.Equal(t, breaker.StateOpen, res.Transition.To)

	snap := s.Snapshot()
	assert.Equal(t, breaker.StateOpen, snap.CircuitState)
	assert.GreaterOrEqual(t, snap.ConsecutiveFailures, snap.FailureThreshold)
	assert.Equal(t, t0, snap.LastFailureAt)
	assert.Equal(t, t0, snap.CircuitOpenedAt)
	assert.False(t, s.Eligible(t0.Add(500*time.Millisecond)))
	assert.True(t, s.Eligible(t0.Add(time.Second)))
}

func TestState_RecordSuccessResets(t *testing.T) {
	s := newTestState()
	s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)

	tr := s.RecordSuccess(t0.Add(time.Second))
	assert.False(t, tr.Changed())

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, t0.Add(time.Second), snap.LastSuccessAt)
	assert.Equal(t, int64(3), snap.Attempts)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(2), snap.Failures)
}

func TestState_RateLimitIsolation(t *testing.T) {
	s := newTestState()
	now := t0

	for i := 0; i < 10; i++ {
		res := s.RecordFailure(now, perr.CodeRateLimited, breaker.NoTrial)
		assert.False(t, res.Transition.Changed())
		now = now.Add(time.Hour)
	}

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures, "限流不应计入连续失败")
	assert.Equal(t, breaker.StateClosed, snap.CircuitState, "限流不应触发熔断")
	assert.Equal(t, int64(10), snap.RateLimits)
	assert.Equal(t, 10, snap.RateLimitCount)
	assert.True(t, snap.LastFailureAt.IsZero())
}

func TestState_RateLimitExcludesRegardlessOfCircuit(t *testing.T) {
	s := newTestState()

	res := s.RecordRateLimited(t0, 0, breaker.NoTrial)
	assert.Equal(t, time.Second, res.Cooldown)
	assert.False(t, s.Eligible(t0))
	_, ok, _ := s.Acquire(t0.Add(500 * time.Millisecond))
	assert.False(t, ok)

	res = s.RecordRateLimited(t0, 0, breaker.NoTrial)
	assert.Equal(t, 2*time.Second, res.Cooldown)

	assert.True(t, s.Eligible(t0.Add(2*time.Second)))
}

func TestState_SuccessResetsRateLimitCounter(t *testing.T) {
	s := newTestState()
	s.RecordRateLimited(t0, 0, breaker.NoTrial)
	s.RecordRateLimited(t0, 0, breaker.NoTrial)

	s.RecordSuccess(t0.Add(10 * time.Second))
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.RateLimitCount)
	assert.False(t, snap.RateLimited(t0.Add(10*time.Second)))

	res := s.RecordRateLimited(t0.Add(10*time.Second), 0, breaker.NoTrial)
	assert.Equal(t, time.Second, res.Cooldown, "成功后退避重新从基础值开始")
}

func TestState_HalfOpenTrialFlow(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}

	now := t0.Add(time.Second)
	ticket, ok, tr := s.Acquire(now)
	require.True(t, ok)
	assert.True(t, ticket.Trial())
	assert.Equal(t, breaker.StateHalfOpen, tr.To)
	assert.True(t, s.Snapshot().TrialInFlight)

	_, ok, _ = s.Acquire(now)
	assert.False(t, ok)

	res := s.RecordFailure(now, perr.CodeTransport, ticket)
	assert.Equal(t, breaker.StateOpen, res.Transition.To)
	assert.Equal(t, 2*time.Second, s.Snapshot().CircuitCooldown)

	now = now.Add(2 * time.Second)
	_, ok, _ = s.Acquire(now)
	require.True(t, ok)
	tr = s.RecordSuccess(now)
	assert.Equal(t, breaker.Transition{From: breaker.StateHalfOpen, To: breaker.StateClosed}, tr)
}

func TestState_RateLimitedTrialReturnsToken(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}

	now := t0.Add(time.Second)
	ticket, ok, _ := s.Acquire(now)
	require.True(t, ok)

	s.RecordRateLimited(now, 0, ticket)
	snap := s.Snapshot()
	assert.Equal(t, breaker.StateHalfOpen, snap.CircuitState)
	assert.False(t, snap.TrialInFlight)

	_, ok, _ = s.Acquire(now.Add(time.Second))
	assert.True(t, ok, "限流结束后允许再次试探")
}

func TestState_ReleaseReturnsToken(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}
	now := t0.Add(time.Second)
	ticket, ok, _ := s.Acquire(now)
	require.True(t, ok)

	s.Release(ticket)
	assert.Equal(t, int64(3), s.Snapshot().Attempts, "取消的调用不计入统计")
	_, ok, _ = s.Acquire(now)
	assert.True(t, ok)
}

// openWithStraggler 在 Closed 下放行一个调用，随后熔断，冷却结束后由另一个调用取得试探令牌
func openWithStraggler(t *testing.T, s *State) (straggler, trial breaker.Ticket, now time.Time) {
	t.Helper()

	straggler, ok, _ := s.Acquire(t0)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}

	now = t0.Add(2 * time.Second)
	trial, ok, tr := s.Acquire(now)
	require.True(t, ok)
	require.Equal(t, breaker.StateHalfOpen, tr.To)
	return straggler, trial, now
}

func TestState_StaleReleaseKeepsTrialToken(t *testing.T) {
	s := newTestState()
	straggler, trial, now := openWithStraggler(t, s)

	s.Release(straggler)
	assert.True(t, s.Snapshot().TrialInFlight)
	_, ok, _ := s.Acquire(now)
	assert.False(t, ok, "试探进行中不能放行第二个调用")

	s.Release(trial)
	_, ok, _ = s.Acquire(now)
	assert.True(t, ok)
}

func TestState_StaleRateLimitKeepsTrialToken(t *testing.T) {
	s := newTestState()
	straggler, trial, now := openWithStraggler(t, s)

	res := s.RecordRateLimited(now, 0, straggler)
	assert.Equal(t, time.Second, res.Cooldown)
	assert.True(t, s.Snapshot().TrialInFlight)

	_, ok, _ := s.Acquire(now.Add(time.Second))
	assert.False(t, ok, "限流窗口结束后试探令牌仍归试探调用所有")

	tr := s.RecordSuccess(now.Add(time.Second))
	assert.Equal(t, breaker.StateClosed, tr.To)
	s.Release(trial)
	assert.Equal(t, breaker.StateClosed, s.Snapshot().CircuitState)
}

func TestState_StaleFailureDoesNotReopen(t *testing.T) {
	s := newTestState()
	straggler, trial, now := openWithStraggler(t, s)

	res := s.RecordFailure(now, perr.CodeTransport, straggler)
	assert.False(t, res.Transition.Changed())
	assert.Equal(t, 4, res.Failures)

	snap := s.Snapshot()
	assert.Equal(t, breaker.StateHalfOpen, snap.CircuitState)
	assert.True(t, snap.TrialInFlight)
	assert.Equal(t, int64(1), snap.CircuitOpens)
	assert.Equal(t, time.Second, snap.CircuitCooldown, "迟到的失败不加大退避")

	_, ok, _ := s.Acquire(now)
	assert.False(t, ok)

	res = s.RecordFailure(now, perr.CodeTransport, trial)
	assert.Equal(t, breaker.Transition{From: breaker.StateHalfOpen, To: breaker.StateOpen}, res.Transition)
	assert.Equal(t, 2*time.Second, s.Snapshot().CircuitCooldown)
}

func TestState_HealthCheckAdmission(t *testing.T) {
	s := newTestState()

	ticket, ok, _ := s.AcquireProbe(t0)
	require.True(t, ok)
	assert.False(t, ticket.Trial(), "Closed 下探测不需要令牌")

	s.RecordRateLimited(t0, 0, breaker.NoTrial)
	_, ok, _ = s.AcquireProbe(t0)
	assert.True(t, ok, "探测不受限流窗口约束")

	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}
	ticket, ok, tr := s.AcquireProbe(t0.Add(500 * time.Millisecond))
	require.True(t, ok)
	assert.False(t, ticket.Trial(), "冷却中的 Open 不占用令牌")
	assert.False(t, tr.Changed())

	now := t0.Add(time.Second)
	ticket, ok, tr = s.AcquireProbe(now)
	require.True(t, ok)
	assert.True(t, ticket.Trial())
	assert.Equal(t, breaker.StateHalfOpen, tr.To)

	_, ok, _ = s.AcquireProbe(now)
	assert.False(t, ok, "令牌已被占用")
	_, ok, _ = s.Acquire(now.Add(time.Hour))
	assert.False(t, ok)

	s.Release(ticket)
	assert.False(t, s.Snapshot().TrialInFlight)
}

func TestState_ConcurrentHalfOpenAdmitsOne(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
	}

	now := t0.Add(time.Second)
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Acquire(now); ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
}

func TestState_ConcurrentRecordsAreLinearized(t *testing.T) {
	s := NewState(Policy{FailureThreshold: 1000, CooldownBase: time.Second, CooldownMax: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordFailure(t0, perr.CodeTransport, breaker.NoTrial)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, 100, snap.ConsecutiveFailures)
	assert.Equal(t, int64(100), snap.Attempts)
}

func TestSnapshot_Helpers(t *testing.T) {
	snap := Snapshot{
		LastSuccessAt:    t0,
		RateLimitedUntil: t0.Add(time.Second),
		Successes:        3,
		Failures:         1,
	}

	assert.True(t, snap.RecentlySucceeded(t0.Add(59*time.Second), time.Minute))
	assert.False(t, snap.RecentlySucceeded(t0.Add(time.Minute), time.Minute))
	assert.True(t, snap.RateLimited(t0))
	assert.False(t, snap.RateLimited(t0.Add(time.Second)))
	assert.Equal(t, float64(75), snap.Availability())
}
