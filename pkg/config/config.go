package config

import (
	"sort"
	"strings"
	"time"

	perr "rpcpool/pkg/error"
)

// Config 主配置结构
type Config struct {
	// 连接池配置
	Pool PoolConfig `mapstructure:"pool" json:"pool"`

	// 健康探测配置
	HealthCheck HealthCheckConfig `mapstructure:"health_check" json:"health_check"`

	// 网络 → 提供商列表，列表顺序即配置顺序
	Networks map[string][]ProviderConfig `mapstructure:"networks" json:"networks"`

	// 日志配置
	Logger LoggerConfig `mapstructure:"logger" json:"logger"`

	// HTTP 服务配置
	Server ServerConfig `mapstructure:"server" json:"server"`

	// 监控导出配置
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxAttempts   int              `mapstructure:"max_attempts" json:"max_attempts"`     // 默认尝试次数上限
	RecencyWindow time.Duration    `mapstructure:"recency_window" json:"recency_window"` // 近期成功加权窗口
	Defaults      ProviderDefaults `mapstructure:"defaults" json:"defaults"`             // 提供商缺省参数
}

// ProviderDefaults 提供商未填写时使用的缺省值
type ProviderDefaults struct {
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	CooldownBase     time.Duration `mapstructure:"cooldown_base" json:"cooldown_base"`
	CooldownMax      time.Duration `mapstructure:"cooldown_max" json:"cooldown_max"`
}

// ProviderConfig 单个提供商配置。零值字段由 ProviderDefaults 补齐。
type ProviderConfig struct {
	ID               string            `mapstructure:"id" json:"id"`
	Endpoint         string            `mapstructure:"endpoint" json:"endpoint"`
	Tier             int               `mapstructure:"tier" json:"tier"`     // 1 为最高优先级
	Weight           float64           `mapstructure:"weight" json:"weight"` // 同层内的相对权重
	Timeout          time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
	FailureThreshold int               `mapstructure:"failure_threshold" json:"failure_threshold,omitempty"`
	CooldownBase     time.Duration     `mapstructure:"cooldown_base" json:"cooldown_base,omitempty"`
	CooldownMax      time.Duration     `mapstructure:"cooldown_max" json:"cooldown_max,omitempty"`
	Headers          map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Labels           map[string]string `mapstructure:"labels" json:"labels,omitempty"`
}

// WithDefaults 返回补齐缺省值后的副本
func (p ProviderConfig) WithDefaults(d ProviderDefaults) ProviderConfig {
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.CooldownBase == 0 {
		p.CooldownBase = d.CooldownBase
	}
	if p.CooldownMax == 0 {
		p.CooldownMax = d.CooldownMax
	}
	return p
}

// HealthCheckConfig 健康探测配置
type HealthCheckConfig struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Schedule    string        `mapstructure:"schedule" json:"schedule"`       // cron 表达式，支持 @every
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`         // 单次探测超时
	Method      string        `mapstructure:"method" json:"method"`           // 探测使用的 JSON-RPC 方法
	Concurrency int           `mapstructure:"concurrency" json:"concurrency"` // 并发探测数
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format"` // 输出格式 (text, json)
	Output string `mapstructure:"output" json:"output"` // 输出方式 (stdout, stderr)
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `mapstructure:"port" json:"port"`
	Mode string `mapstructure:"mode" json:"mode"` // gin 模式 (debug, release, test)
}

// MetricsConfig 监控导出配置
type MetricsConfig struct {
	Prometheus     bool           `mapstructure:"prometheus" json:"prometheus"`
	ExportSchedule string         `mapstructure:"export_schedule" json:"export_schedule"`
	Redis          RedisConfig    `mapstructure:"redis" json:"redis"`
	InfluxDB       InfluxDBConfig `mapstructure:"influxdb" json:"influxdb"`
	Breaker        BreakerConfig  `mapstructure:"breaker" json:"breaker"`
}

// RedisConfig Redis 导出配置
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled" json:"enabled"`
	Addr      string        `mapstructure:"addr" json:"addr"`
	Password  string        `mapstructure:"password" json:"-"`
	DB        int           `mapstructure:"db" json:"db"`
	Stream    string        `mapstructure:"stream" json:"stream"`         // 健康快照写入的 Stream
	MaxLen    int64         `mapstructure:"max_len" json:"max_len"`       // Stream 近似最大长度
	KeyPrefix string        `mapstructure:"key_prefix" json:"key_prefix"` // 每个提供商一个 Hash
	TTL       time.Duration `mapstructure:"ttl" json:"ttl"`
}

// InfluxDBConfig InfluxDB 导出配置
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	URL     string `mapstructure:"url" json:"url"`
	Token   string `mapstructure:"token" json:"-"`
	Org     string `mapstructure:"org" json:"org"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
}

// BreakerConfig 导出器熔断配置
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests" json:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" json:"failure_threshold"`
}

// Default 返回默认配置（不含任何网络）
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxAttempts:   6,
			RecencyWindow: 60 * time.Second,
			Defaults: ProviderDefaults{
				Timeout:          10 * time.Second,
				FailureThreshold: 3,
				CooldownBase:     5 * time.Second,
				CooldownMax:      5 * time.Minute,
			},
		},
		HealthCheck: HealthCheckConfig{
			Enabled:     true,
			Schedule:    "@every 30s",
			Timeout:     5 * time.Second,
			Method:      "eth_blockNumber",
			Concurrency: 4,
		},
		Networks: make(map[string][]ProviderConfig),
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			Port: "8580",
			Mode: "release",
		},
		Metrics: MetricsConfig{
			Prometheus:     true,
			ExportSchedule: "@every 15s",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Stream:    "stream:rpcpool:health",
				MaxLen:    10000,
				KeyPrefix: "rpcpool:provider:",
				TTL:       time.Hour,
			},
			InfluxDB: InfluxDBConfig{
				URL:    "http://localhost:8086",
				Org:    "rpcpool",
				Bucket: "rpc_health",
			},
			Breaker: BreakerConfig{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				FailureThreshold: 3,
			},
		},
	}
}

// Validate 验证池级配置；提供商级校验由 provider.Load 完成。
func (c *Config) Validate() error {
	if problems := c.Problems(); len(problems) > 0 {
		return perr.NewError(perr.CodeConfig, strings.Join(problems, "; ")).
			WithContext("problems", problems)
	}
	return nil
}

// Problems 返回池级配置中发现的全部问题
func (c *Config) Problems() []string {
	var problems []string

	if c.Pool.MaxAttempts < 1 {
		problems = append(problems, "pool.max_attempts must be at least 1")
	}
	if c.Pool.RecencyWindow < 0 {
		problems = append(problems, "pool.recency_window cannot be negative")
	}

	d := c.Pool.Defaults
	if d.Timeout <= 0 {
		problems = append(problems, "pool.defaults.timeout must be positive")
	}
	if d.FailureThreshold < 1 {
		problems = append(problems, "pool.defaults.failure_threshold must be at least 1")
	}
	if d.CooldownBase <= 0 {
		problems = append(problems, "pool.defaults.cooldown_base must be positive")
	}
	if d.CooldownMax < d.CooldownBase {
		problems = append(problems, "pool.defaults.cooldown_max must not be less than cooldown_base")
	}

	if c.HealthCheck.Enabled {
		if strings.TrimSpace(c.HealthCheck.Schedule) == "" {
			problems = append(problems, "health_check.schedule cannot be empty")
		}
		if c.HealthCheck.Timeout <= 0 {
			problems = append(problems, "health_check.timeout must be positive")
		}
		if c.HealthCheck.Method == "" {
			problems = append(problems, "health_check.method cannot be empty")
		}
		if c.HealthCheck.Concurrency < 1 {
			problems = append(problems, "health_check.concurrency must be at least 1")
		}
	}

	if (c.Metrics.Redis.Enabled || c.Metrics.InfluxDB.Enabled) && strings.TrimSpace(c.Metrics.ExportSchedule) == "" {
		problems = append(problems, "metrics.export_schedule cannot be empty when an exporter is enabled")
	}
	if c.Metrics.Redis.Enabled && c.Metrics.Redis.Addr == "" {
		problems = append(problems, "metrics.redis.addr cannot be empty")
	}
	if c.Metrics.InfluxDB.Enabled && (c.Metrics.InfluxDB.URL == "" || c.Metrics.InfluxDB.Bucket == "") {
		problems = append(problems, "metrics.influxdb.url and bucket are required")
	}

	return problems
}

// NetworkNames 返回按字母排序的网络名称
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddProvider 向网络追加一个提供商
func (c *Config) AddProvider(network string, p ProviderConfig) *Config {
	if c.Networks == nil {
		c.Networks = make(map[string][]ProviderConfig)
	}
	c.Networks[network] = append(c.Networks[network], p)
	return c
}

// SetMaxAttempts 设置默认尝试次数上限
func (c *Config) SetMaxAttempts(n int) *Config {
	c.Pool.MaxAttempts = n
	return c
}

// SetDefaults 设置提供商缺省参数
func (c *Config) SetDefaults(d ProviderDefaults) *Config {
	c.Pool.Defaults = d
	return c
}

// SetHealthCheck 设置健康探测开关与调度表达式
func (c *Config) SetHealthCheck(enabled bool, schedule string) *Config {
	c.HealthCheck.Enabled = enabled
	c.HealthCheck.Schedule = schedule
	return c
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}
