package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"rpcpool/pkg/config"
	"rpcpool/pkg/message"
)

// Producer 写入消息头的生产者标识
const Producer = "rpcpool"

// RedisExporter 把报告写入 Redis：整份报告追加到 Stream，每个提供商的最新状态写入一个 Hash。
type RedisExporter struct {
	client redis.UniversalClient
	cfg    config.RedisConfig
}

// NewRedisClient 按配置创建 Redis 客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisExporter 创建 Redis 导出器
func NewRedisExporter(client redis.UniversalClient, cfg config.RedisConfig) *RedisExporter {
	def := config.Default().Metrics.Redis
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	return &RedisExporter{client: client, cfg: cfg}
}

// Name 实现 Exporter
func (e *RedisExporter) Name() string {
	return "redis"
}

// Export 实现 Exporter
func (e *RedisExporter) Export(ctx context.Context, r *Report) error {
	msg, err := message.NewMessageFormat(Producer, "", message.DataTypeHealthReport, r, len(r.Networks))
	if err != nil {
		return err
	}
	msg.SetRegistryVersion(r.Version)

	values, err := msg.ToStreamValues()
	if err != nil {
		return fmt.Errorf("序列化报告失败: %w", err)
	}

	_, err = e.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.cfg.Stream,
			MaxLen: e.cfg.MaxLen,
			Approx: e.cfg.MaxLen > 0,
			Values: values,
		})
		for _, n := range r.Networks {
			for _, pr := range n.Providers {
				key := e.ProviderKey(n.Name, pr.ID)
				pipe.HSet(ctx, key, ProviderFields(pr, r.GeneratedAt))
				if e.cfg.TTL > 0 {
					pipe.Expire(ctx, key, e.cfg.TTL)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	return nil
}

// ProviderKey 返回提供商状态 Hash 的键
func (e *RedisExporter) ProviderKey(network, id string) string {
	return e.cfg.KeyPrefix + network + ":" + id
}

// ProviderFields 提供商状态 Hash 的字段
func ProviderFields(pr ProviderReport, at time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"tier":                 pr.Tier,
		"circuit_state":        pr.Health.CircuitState.String(),
		"eligible":             strconv.FormatBool(pr.Eligible),
		"consecutive_failures": pr.Health.ConsecutiveFailures,
		"attempts":             pr.Health.Attempts,
		"successes":            pr.Health.Successes,
		"failures":             pr.Health.Failures,
		"rate_limits":          pr.Health.RateLimits,
		"availability":         strconv.FormatFloat(pr.Availability, 'f', 2, 64),
		"avg_latency_ms":       pr.Stats.AvgLatency.Milliseconds(),
		"updated_at":           at.Unix(),
	}
	if !pr.Health.RateLimitedUntil.IsZero() {
		fields["rate_limited_until"] = pr.Health.RateLimitedUntil.Unix()
	}
	if pr.Stats.LastBlock > 0 {
		fields["last_block"] = pr.Stats.LastBlock
	}
	if pr.Stats.LastError != "" {
		fields["last_error"] = pr.Stats.LastError
	}
	return fields
}
