package metrics

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/config"
)

// Measurement 写入 InfluxDB 的测量名
const Measurement = "rpc_provider_health"

// PointWriter 同步写入数据点，api.WriteAPIBlocking 满足该接口
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxExporter 每个提供商写入一个数据点
type InfluxExporter struct {
	client influxdb2.Client
	writer PointWriter
}

// NewInfluxExporter 按配置创建 InfluxDB 导出器
func NewInfluxExporter(cfg config.InfluxDBConfig) *InfluxExporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxExporter{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Name 实现 Exporter
func (e *InfluxExporter) Name() string {
	return "influxdb"
}

// Export 实现 Exporter
func (e *InfluxExporter) Export(ctx context.Context, r *Report) error {
	points := Points(r)
	if len(points) == 0 {
		return nil
	}
	if err := e.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("写入 InfluxDB 失败: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (e *InfluxExporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// Points 把报告转换为数据点
func Points(r *Report) []*write.Point {
	var points []*write.Point
	for _, n := range r.Networks {
		for _, pr := range n.Providers {
			open := 0
			if pr.Health.CircuitState != breaker.StateClosed {
				open = 1
			}
			point := influxdb2.NewPointWithMeasurement(Measurement).
				AddTag("network", n.Name).
				AddTag("provider", pr.ID).
				AddTag("tier", fmt.Sprint(pr.Tier)).
				AddTag("circuit_state", pr.Health.CircuitState.String()).
				AddField("eligible", pr.Eligible).
				AddField("circuit_open", open).
				AddField("consecutive_failures", pr.Health.ConsecutiveFailures).
				AddField("attempts", pr.Health.Attempts).
				AddField("failures", pr.Health.Failures).
				AddField("rate_limits", pr.Health.RateLimits).
				AddField("availability", pr.Availability).
				AddField("avg_latency_ms", float64(pr.Stats.AvgLatency.Microseconds())/1000).
				SetTime(r.GeneratedAt)
			points = append(points, point)
		}
	}
	return points
}
