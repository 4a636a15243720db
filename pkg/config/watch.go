package config

import (
	"github.com/fsnotify/fsnotify"

	"rpcpool/pkg/logger"
)

// Watch 监听配置文件变化，每次变化后重新加载并回调。
// 加载失败时 cfg 为 nil、err 为 CONFIG_ERROR，调用方应继续使用旧配置。
// 必须在一次成功的 Load 之后调用。
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	log := logger.WithComponent("config")

	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).WithField("op", e.Op.String()).Info("配置文件已变更，重新加载")
		cfg, err := l.Load()
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}
