package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		max  time.Duration
		n    int
		want time.Duration
	}{
		{"首次退避", time.Second, time.Minute, 0, time.Second},
		{"第二次翻倍", time.Second, time.Minute, 1, 2 * time.Second},
		{"第五次", time.Second, time.Minute, 4, 16 * time.Second},
		{"达到上限", time.Second, time.Minute, 6, time.Minute},
		{"远超上限", time.Second, time.Minute, 200, time.Minute},
		{"负数次数按0处理", time.Second, time.Minute, -3, time.Second},
		{"无上限", time.Second, 0, 3, 8 * time.Second},
		{"base为0", 0, time.Minute, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.base, tt.max, tt.n))
		})
	}
}

func TestBackoff_NoOverflowWithoutMax(t *testing.T) {
	d := Backoff(time.Second, 0, 1000)
	assert.True(t, d > 0, "退避时长不应溢出为负数")
}

func TestCooldown_TripGrowsExponentially(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Second, 10*time.Second)

	assert.False(t, c.Limited(now))

	assert.Equal(t, time.Second, c.Trip(now, 0))
	assert.True(t, c.Limited(now))
	assert.False(t, c.Limited(now.Add(time.Second)))
	assert.Equal(t, now.Add(time.Second), c.Until())

	assert.Equal(t, 2*time.Second, c.Trip(now, 0))
	assert.Equal(t, 4*time.Second, c.Trip(now, 0))
	assert.Equal(t, 8*time.Second, c.Trip(now, 0))
	assert.Equal(t, 10*time.Second, c.Trip(now, 0))
	assert.Equal(t, 5, c.Count())
	assert.Equal(t, int64(5), c.Total())
}

func TestCooldown_ResetRestartsSequence(t *testing.T) {
	now := time.Now()
	c := NewCooldown(time.Second, time.Minute)

	c.Trip(now, 0)
	c.Trip(now, 0)
	c.Reset()

	assert.Equal(t, 0, c.Count())
	assert.Equal(t, time.Second, c.Trip(now, 0))
	assert.Equal(t, int64(3), c.Total(), "累计次数不随成功清零")
}

func TestCooldown_RetryAfterHint(t *testing.T) {
	now := time.Now()
	c := NewCooldown(time.Second, 30*time.Second)

	assert.Equal(t, 5*time.Second, c.Trip(now, 5*time.Second))
	assert.Equal(t, 30*time.Second, c.Trip(now, time.Hour), "提示值仍受上限约束")
}

func TestCooldown_UntilAlwaysInFuture(t *testing.T) {
	now := time.Now()
	c := NewCooldown(0, 0)

	c.Trip(now, 0)
	assert.True(t, c.Until().After(now))
}

func TestCooldown_Clear(t *testing.T) {
	now := time.Now()
	c := NewCooldown(time.Minute, time.Hour)

	c.Trip(now, 0)
	assert.True(t, c.Limited(now))

	c.Clear()
	assert.False(t, c.Limited(now))
	assert.Equal(t, 1, c.Count(), "Clear 不影响退避计数")
}
