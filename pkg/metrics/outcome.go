package metrics

import (
	"time"

	perr "rpcpool/pkg/error"
)

// Outcome 一次调用尝试（或一次健康探测）的结果，交给观察者后即丢弃。
type Outcome struct {
	Network    string
	ProviderID string
	Method     string
	Success    bool
	Kind       perr.ErrorCode // 失败类型；成功时为空，NonRetryable/Unsupported 也算作提供商成功应答
	Latency    time.Duration
	Probe      bool   // 是否来自健康探测
	Block      uint64 // 探测得到的区块高度，未知为 0
	Err        string
	At         time.Time
}

// Observer 调用结果观察者，实现必须是并发安全且非阻塞的
type Observer interface {
	Observe(o Outcome)
}

// ObserverFunc 函数形式的观察者
type ObserverFunc func(o Outcome)

// Observe 实现 Observer 接口
func (f ObserverFunc) Observe(o Outcome) {
	f(o)
}

type multi []Observer

func (m multi) Observe(o Outcome) {
	for _, obs := range m {
		obs.Observe(o)
	}
}

// Multi 组合多个观察者，忽略 nil
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}
