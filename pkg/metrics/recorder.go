package metrics

import (
	"sort"
	"sync"
	"time"
)

// WindowSize 每个提供商保留的延迟样本数
const WindowSize = 50

// LatencyWindow 固定容量的延迟环形缓冲
type LatencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyWindow 创建容量为 size 的窗口
func NewLatencyWindow(size int) *LatencyWindow {
	if size < 1 {
		size = 1
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Add 追加样本，超出容量时覆盖最旧的样本
func (w *LatencyWindow) Add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// Len 当前样本数
func (w *LatencyWindow) Len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *LatencyWindow) values() []time.Duration {
	out := make([]time.Duration, w.Len())
	copy(out, w.samples[:w.Len()])
	return out
}

// Average 平均延迟，没有样本时为 0
func (w *LatencyWindow) Average() time.Duration {
	n := w.Len()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// Percentile 返回 p（0~100）分位延迟，没有样本时为 0
func (w *LatencyWindow) Percentile(p float64) time.Duration {
	vals := w.values()
	if len(vals) == 0 {
		return 0
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	idx := int(p / 100 * float64(len(vals)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// ProviderStats 单个提供商的观测统计
type ProviderStats struct {
	Samples      int           `json:"samples"`
	AvgLatency   time.Duration `json:"avg_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
	LastLatency  time.Duration `json:"last_latency"`
	LastBlock    uint64        `json:"last_block,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at,omitempty"`
	LastProbeAt  time.Time     `json:"last_probe_at,omitempty"`
	ProbeSuccess int64         `json:"probe_success"`
	ProbeFailure int64         `json:"probe_failure"`
}

type providerEntry struct {
	window *LatencyWindow
	stats  ProviderStats
}

// Recorder 记录每个提供商的延迟窗口与最近错误，实现 Observer。
type Recorder struct {
	mu      sync.RWMutex
	entries map[string]*providerEntry
	size    int
}

// NewRecorder 创建记录器
func NewRecorder() *Recorder {
	return &Recorder{
		entries: make(map[string]*providerEntry),
		size:    WindowSize,
	}
}

func key(network, id string) string {
	return network + "/" + id
}

// Observe 实现 Observer 接口
func (r *Recorder) Observe(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(o.Network, o.ProviderID)
	e, ok := r.entries[k]
	if !ok {
		e = &providerEntry{window: NewLatencyWindow(r.size)}
		r.entries[k] = e
	}

	if o.Latency > 0 {
		e.window.Add(o.Latency)
		e.stats.LastLatency = o.Latency
	}
	if o.Block > 0 {
		e.stats.LastBlock = o.Block
	}
	if !o.Success {
		e.stats.LastError = o.Err
		e.stats.LastErrorAt = o.At
	}
	if o.Probe {
		e.stats.LastProbeAt = o.At
		if o.Success {
			e.stats.ProbeSuccess++
		} else {
			e.stats.ProbeFailure++
		}
	}
}

// Stats 返回提供商统计，未观测过时返回零值
func (r *Recorder) Stats(network, id string) ProviderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key(network, id)]
	if !ok {
		return ProviderStats{}
	}
	s := e.stats
	s.Samples = e.window.Len()
	s.AvgLatency = e.window.Average()
	s.P95Latency = e.window.Percentile(95)
	return s
}

// Forget 删除不在 keep 中的提供商记录，keep 的键为 network/id
func (r *Recorder) Forget(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.entries {
		if !keep[k] {
			delete(r.entries, k)
		}
	}
}
