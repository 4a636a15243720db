package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"rpcpool/pkg/api"
	"rpcpool/pkg/config"
	"rpcpool/pkg/logger"
	"rpcpool/pkg/metrics"
	"rpcpool/pkg/pool"
	"rpcpool/pkg/provider"
	"rpcpool/pkg/scheduler"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (默认在 ./config 与当前目录查找 rpcpool.yaml)")
	logLevel   = flag.String("log-level", "", "覆盖配置中的日志级别 (debug, info, warn, error)")
	port       = flag.String("port", "", "覆盖配置中的 HTTP 端口")
	statusOnly = flag.Bool("status", false, "探测全部提供商，打印状态表后退出")
	watch      = flag.Bool("watch", true, "配置文件变化时自动重载")
)

func main() {
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger.Init(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	log := logger.WithComponent("main")
	log.WithField("file", loader.ConfigFile()).WithField("summary", cfg.String()).Info("配置已加载")

	if *statusOnly {
		if err := printStatus(cfg); err != nil {
			log.WithError(err).Fatal("状态检查失败")
		}
		return
	}

	if err := run(cfg, loader, log); err != nil {
		log.WithError(err).Fatal("rpcpool 退出")
	}
}

// printStatus 对全部提供商执行一次探测，并以表格形式输出
func printStatus(cfg *config.Config) error {
	rec := metrics.NewRecorder()
	p, err := pool.New(cfg, pool.WithObserver(rec))
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheck.Timeout+5*time.Second)
	defer cancel()
	if _, err := pool.NewHealthChecker(p, cfg.HealthCheck).ProbeAll(true).Run(ctx); err != nil {
		return err
	}
	return metrics.FormatReport(os.Stdout, metrics.BuildReport(p.Registry(), rec, p.Now()))
}

func run(cfg *config.Config, loader *config.Loader, log *logrus.Entry) error {
	rec := metrics.NewRecorder()
	var prom *metrics.Prometheus
	observer := metrics.Observer(rec)

	var p *pool.Pool
	promRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Prometheus {
		prom = metrics.NewPrometheus(func() *provider.Registry { return p.Registry() })
		promRegistry.MustRegister(prom, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		observer = metrics.Multi(rec, prom)
	}

	p, err := pool.New(cfg,
		pool.WithObserver(observer),
		pool.OnReload(func(next *provider.Registry, _ provider.Changes) {
			keep := make(map[string]bool)
			for _, prov := range next.All() {
				keep[prov.Key()] = true
			}
			rec.Forget(keep)
		}),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	// 定时任务
	sched := scheduler.NewJobScheduler()
	checker := pool.NewHealthChecker(p, cfg.HealthCheck)
	if err := sched.AddJob(scheduler.JobConfig{
		Name:     "healthcheck",
		Enabled:  cfg.HealthCheck.Enabled,
		Schedule: cfg.HealthCheck.Schedule,
		Timeout:  cfg.HealthCheck.Timeout * 2,
	}, checker); err != nil {
		return fmt.Errorf("注册健康检查任务失败: %w", err)
	}

	sinks, closeSinks := exporters(cfg.Metrics)
	defer closeSinks()
	if len(sinks) > 0 {
		job := metrics.NewExportJob(func() *metrics.Report {
			return metrics.BuildReport(p.Registry(), rec, p.Now())
		}, sinks...)
		if err := sched.AddJob(scheduler.JobConfig{
			Name:     "export",
			Enabled:  true,
			Schedule: cfg.Metrics.ExportSchedule,
			Timeout:  10 * time.Second,
		}, job); err != nil {
			return fmt.Errorf("注册导出任务失败: %w", err)
		}
	}

	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	reload := func() (uint64, error) {
		next, err := loader.Load()
		if err != nil {
			return 0, err
		}
		if err := p.Reload(next); err != nil {
			return 0, err
		}
		checker.Configure(next.HealthCheck)
		return p.Registry().Version(), nil
	}
	if *watch && loader.ConfigFile() != "" {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				log.WithError(err).Error("配置文件无效，继续使用当前配置")
				return
			}
			if err := p.Reload(next); err != nil {
				return
			}
			checker.Configure(next.HealthCheck)
			logger.SetLevel(next.Logger.Level)
		})
	}

	opts := []api.Option{
		api.WithRecorder(rec),
		api.WithReload(reload),
		api.WithHealthChecker(checker),
	}
	if prom != nil {
		opts = append(opts, api.WithGatherer(promRegistry))
	}
	server := api.NewServer(cfg.Server, p, opts...)
	if err := server.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("收到退出信号，正在关闭")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// exporters 按配置创建带熔断保护的导出器
func exporters(cfg config.MetricsConfig) ([]metrics.Exporter, func()) {
	var sinks []metrics.Exporter
	var closers []func()

	if cfg.Redis.Enabled {
		client := metrics.NewRedisClient(cfg.Redis)
		sinks = append(sinks, metrics.NewBreakerSink(metrics.NewRedisExporter(client, cfg.Redis), cfg.Breaker))
		closers = append(closers, func() { client.Close() })
	}
	if cfg.InfluxDB.Enabled {
		influx := metrics.NewInfluxExporter(cfg.InfluxDB)
		sinks = append(sinks, metrics.NewBreakerSink(influx, cfg.Breaker))
		closers = append(closers, influx.Close)
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
