package limiter

import (
	"math"
	"time"
)

// Backoff 计算第 n 次（从 0 开始）退避的等待时长：min(base × 2^n, max)。
// max <= 0 表示不设上限，此时仅防止溢出。
func Backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}

	d := base
	for i := 0; i < n; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}

	if max > 0 && d > max {
		return max
	}
	return d
}
