package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/config"
	"github.com/dushixiang/pinger/internal/handler"
	"github.com/dushixiang/pinger/internal/metric"
	"github.com/dushixiang/pinger/internal/resolver"
	"github.com/dushixiang/pinger/internal/scheduler"
	"github.com/dushixiang/pinger/internal/server"
	"github.com/dushixiang/pinger/pkg/agent/collector"
)

// Agent 探测器主体，负责组装解析器、探测任务、调度器与指标服务
type Agent struct {
	mu        sync.Mutex
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metric.PingMetrics
	resolver  resolver.Resolver
	scheduler *scheduler.MonitorScheduler
	server    *server.MetricsServer
	watcher   *config.Watcher
}

// New 创建 Agent
func New(cfg *config.Config, logger *zap.Logger) *Agent {
	metrics := metric.New()
	res := resolver.Build(cfg.ResolverOptions(), cfg.MeasureDNSStats, metrics, logger.Named("resolver"))
	sched := scheduler.NewMonitorScheduler(metrics, cfg.ShutdownGrace(), logger.Named("scheduler"))
	h := handler.NewMetricsHandler(logger.Named("handler"), metrics.Gatherer(), sched)

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		resolver:  res,
		scheduler: sched,
		server:    server.NewMetricsServer(cfg.MetricsAddr(), h, logger.Named("server")),
	}
}

// Start 启动探测，阻塞直到 ctx 结束
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	tasks := a.buildTasks(ctx, a.cfg)
	a.scheduler.LoadTasks(tasks)
	if len(tasks) == 0 {
		a.logger.Warn("没有可用的探测目标")
	}

	a.server.Start()
	a.scheduler.Start(ctx)

	if a.cfg.WatchConfig && a.cfg.Path != "" {
		watcher, err := config.NewWatcher(a.cfg.Path, func(cfg *config.Config) {
			a.Reload(ctx, cfg)
		}, a.logger.Named("config"))
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			a.logger.Warn("配置文件监听启动失败", zap.Error(err))
		} else {
			a.watcher = watcher
		}
	}
	a.mu.Unlock()

	a.logger.Info("探测器已启动",
		zap.Int("tasks", a.scheduler.GetTaskCount()),
		zap.String("metrics", a.cfg.MetricsAddr()))

	<-ctx.Done()
	return nil
}

// Stop 停止探测与指标服务
func (a *Agent) Stop() {
	// 先停止配置监听并等待进行中的 Reload 结束，Reload 需要持有 a.mu
	a.mu.Lock()
	watcher := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if watcher != nil {
		watcher.Stop()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("停止指标服务失败", zap.Error(err))
	}
}

// Reload 应用新配置：只重建变化的任务
//
// 解析器与指标服务地址在启动时确定，不随配置更新。
func (a *Agent) Reload(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.MetricsAddr() != a.cfg.MetricsAddr() {
		a.logger.Warn("指标服务地址变更需要重启后生效",
			zap.String("current", a.cfg.MetricsAddr()),
			zap.String("new", cfg.MetricsAddr()))
	}

	cfg.Path = a.cfg.Path
	a.cfg = cfg
	a.scheduler.LoadTasks(a.buildTasks(ctx, cfg))
	a.logger.Info("配置已重新加载", zap.Int("tasks", a.scheduler.GetTaskCount()))
}

// Tasks 返回调度任务状态
func (a *Agent) Tasks() []scheduler.TaskStatus {
	return a.scheduler.GetTaskStatus()
}

// taskSpec 由配置生成的任务描述
type taskSpec struct {
	id          string
	fingerprint string
	interval    time.Duration
	retries     int
	build       func(ctx context.Context) (collector.Prober, error)
}

type builtTask struct {
	spec   *taskSpec
	prober collector.Prober
	err    error
}

// buildTasks 为配置中的每个目标创建任务；已在调度且配置未变的任务不重新创建探测器
func (a *Agent) buildTasks(ctx context.Context, cfg *config.Config) []scheduler.Task {
	specs := taskSpecs(cfg, a.resolver, a.logger)

	tasks := make([]scheduler.Task, 0, len(specs))
	var pending []taskSpec
	for _, spec := range specs {
		if a.scheduler.HasTask(spec.id, spec.fingerprint) {
			tasks = append(tasks, scheduler.Task{ID: spec.id, Fingerprint: spec.fingerprint})
			continue
		}
		pending = append(pending, spec)
	}

	// 解析一次的 TCP 目标在创建时就要做 DNS 查询，并行创建
	built := iter.Map(pending, func(spec *taskSpec) builtTask {
		prober, err := spec.build(ctx)
		return builtTask{spec: spec, prober: prober, err: err}
	})

	for _, b := range built {
		if b.err != nil {
			a.logger.Error("创建探测任务失败，跳过该目标", zap.String("taskID", b.spec.id), zap.Error(b.err))
			continue
		}
		tasks = append(tasks, scheduler.Task{
			ID:          b.spec.id,
			Prober:      b.prober,
			Interval:    b.spec.interval,
			Retries:     b.spec.retries,
			Fingerprint: b.spec.fingerprint,
		})
	}
	return tasks
}

// taskSpecs 把配置展开为任务描述，重复的目标只保留第一个
func taskSpecs(cfg *config.Config, res resolver.Resolver, logger *zap.Logger) []taskSpec {
	var specs []taskSpec
	seen := make(map[string]bool)
	add := func(spec taskSpec) {
		if seen[spec.id] {
			logger.Warn("重复的探测目标，已忽略", zap.String("taskID", spec.id))
			return
		}
		seen[spec.id] = true
		specs = append(specs, spec)
	}

	httpCfg := cfg.HTTP
	for _, target := range httpCfg.Entries {
		add(taskSpec{
			id:          "http:" + target.Method + " " + target.URL,
			fingerprint: fmt.Sprintf("%s|%d|%d|%d|%+v", httpCfg.Backend, httpCfg.TimeoutMs, httpCfg.IntervalMs, httpCfg.Retries, target),
			interval:    httpCfg.Interval(),
			retries:     httpCfg.Retries,
			build: func(ctx context.Context) (collector.Prober, error) {
				return collector.NewHTTPProber(collector.HTTPBackend(httpCfg.Backend), target, collector.HTTPOptions{
					Timeout:  httpCfg.Timeout(),
					Resolver: res,
					Logger:   logger,
				})
			},
		})
	}

	tcpCfg := cfg.TCP
	for _, target := range tcpCfg.Entries {
		add(taskSpec{
			id:          "tcp:" + target.Address(),
			fingerprint: fmt.Sprintf("%d|%d|%d|%+v", tcpCfg.TimeoutMs, tcpCfg.IntervalMs, tcpCfg.Retries, target),
			interval:    tcpCfg.Interval(),
			retries:     tcpCfg.Retries,
			build: func(ctx context.Context) (collector.Prober, error) {
				return collector.NewTCPProber(ctx, target, collector.TCPOptions{
					Timeout:  tcpCfg.Timeout(),
					Resolver: res,
					Logger:   logger,
				})
			},
		})
	}

	if icmpCfg := cfg.ICMP; icmpCfg != nil {
		for _, target := range icmpCfg.Entries {
			add(taskSpec{
				id:          "icmp:" + target.Host,
				fingerprint: fmt.Sprintf("%d|%d|%d|%v|%+v", icmpCfg.TimeoutMs, icmpCfg.IntervalMs, icmpCfg.Retries, icmpCfg.Privileged, target),
				interval:    icmpCfg.Interval(),
				retries:     icmpCfg.Retries,
				build: func(ctx context.Context) (collector.Prober, error) {
					return collector.NewICMPProber(target, collector.ICMPOptions{
						Timeout:    icmpCfg.Timeout(),
						Resolver:   res,
						Privileged: icmpCfg.Privileged,
						Logger:     logger,
					})
				},
			})
		}
	}
	return specs
}

// Check 创建配置中的全部探测器但不启动，返回所有创建失败的目标
func Check(ctx context.Context, cfg *config.Config, logger *zap.Logger) (int, error) {
	res := resolver.Build(cfg.ResolverOptions(), false, nil, logger)
	specs := taskSpecs(cfg, res, logger)

	errs := iter.Map(specs, func(spec *taskSpec) error {
		if _, err := spec.build(ctx); err != nil {
			return fmt.Errorf("%s: %w", spec.id, err)
		}
		return nil
	})
	return len(specs), errors.Join(errs...)
}
