package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	perr "rpcpool/pkg/error"
)

// EnvPrefix 环境变量前缀，例如 RPCPOOL_POOL_MAX_ATTEMPTS
const EnvPrefix = "RPCPOOL"

// Loader 基于 viper 的配置加载器，每个 Loader 持有独立的 viper 实例。
type Loader struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader 创建加载器。path 为空时依次在 ./config 和当前目录查找 rpcpool.yaml。
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rpcpool")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Viper 返回底层 viper 实例，便于命令行参数绑定
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile 返回实际使用的配置文件路径，未找到文件时为空
func (l *Loader) ConfigFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Load 读取配置文件并解码。找不到配置文件时使用默认值与环境变量。
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, perr.WrapError(perr.CodeConfig, "读取配置文件失败", err)
		}
	}
	return decode(l.v)
}

// Parse 从 YAML 内容解析配置，不读取文件和环境变量
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, perr.WrapError(perr.CodeConfig, "解析配置失败", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, perr.WrapError(perr.CodeConfig, "解码配置失败", err)
	}
	if cfg.Networks == nil {
		cfg.Networks = make(map[string][]ProviderConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 把默认配置注册到 viper，使环境变量覆盖对所有标量键生效
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("pool.max_attempts", d.Pool.MaxAttempts)
	v.SetDefault("pool.recency_window", d.Pool.RecencyWindow.String())
	v.SetDefault("pool.defaults.timeout", d.Pool.Defaults.Timeout.String())
	v.SetDefault("pool.defaults.failure_threshold", d.Pool.Defaults.FailureThreshold)
	v.SetDefault("pool.defaults.cooldown_base", d.Pool.Defaults.CooldownBase.String())
	v.SetDefault("pool.defaults.cooldown_max", d.Pool.Defaults.CooldownMax.String())

	v.SetDefault("health_check.enabled", d.HealthCheck.Enabled)
	v.SetDefault("health_check.schedule", d.HealthCheck.Schedule)
	v.SetDefault("health_check.timeout", d.HealthCheck.Timeout.String())
	v.SetDefault("health_check.method", d.HealthCheck.Method)
	v.SetDefault("health_check.concurrency", d.HealthCheck.Concurrency)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.output", d.Logger.Output)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)

	v.SetDefault("metrics.prometheus", d.Metrics.Prometheus)
	v.SetDefault("metrics.export_schedule", d.Metrics.ExportSchedule)
	v.SetDefault("metrics.redis.enabled", d.Metrics.Redis.Enabled)
	v.SetDefault("metrics.redis.addr", d.Metrics.Redis.Addr)
	v.SetDefault("metrics.redis.password", d.Metrics.Redis.Password)
	v.SetDefault("metrics.redis.db", d.Metrics.Redis.DB)
	v.SetDefault("metrics.redis.stream", d.Metrics.Redis.Stream)
	v.SetDefault("metrics.redis.max_len", d.Metrics.Redis.MaxLen)
	v.SetDefault("metrics.redis.key_prefix", d.Metrics.Redis.KeyPrefix)
	v.SetDefault("metrics.redis.ttl", d.Metrics.Redis.TTL.String())
	v.SetDefault("metrics.influxdb.enabled", d.Metrics.InfluxDB.Enabled)
	v.SetDefault("metrics.influxdb.url", d.Metrics.InfluxDB.URL)
	v.SetDefault("metrics.influxdb.token", d.Metrics.InfluxDB.Token)
	v.SetDefault("metrics.influxdb.org", d.Metrics.InfluxDB.Org)
	v.SetDefault("metrics.influxdb.bucket", d.Metrics.InfluxDB.Bucket)
	v.SetDefault("metrics.breaker.max_requests", d.Metrics.Breaker.MaxRequests)
	v.SetDefault("metrics.breaker.interval", d.Metrics.Breaker.Interval.String())
	v.SetDefault("metrics.breaker.timeout", d.Metrics.Breaker.Timeout.String())
	v.SetDefault("metrics.breaker.failure_threshold", d.Metrics.Breaker.FailureThreshold)
}

// String 返回配置摘要，不含任何凭据
func (c *Config) String() string {
	total := 0
	for _, ps := range c.Networks {
		total += len(ps)
	}
	return fmt.Sprintf("networks=%d providers=%d max_attempts=%d health_check=%t",
		len(c.Networks), total, c.Pool.MaxAttempts, c.HealthCheck.Enabled)
}
