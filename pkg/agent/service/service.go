package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/config"
	"github.com/dushixiang/pinger/pkg/agent"
)

// Version 版本号，构建时通过 -ldflags 注入
var Version = "dev"

// GetVersion 获取版本号
func GetVersion() string {
	return Version
}

// program 实现 service.Interface
type program struct {
	cfg    *config.Config
	debug  bool
	agent  *Agent
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// initLogger 按配置初始化日志，debug 时强制使用 debug 级别
func initLogger(cfg *config.Config, debug bool) *zap.Logger {
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	return agent.InitLogger(&agent.LogConfig{
		Level:      level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
}

// startAgent 在后台启动 Agent，done 在 Agent 退出后关闭
func startAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Agent, chan struct{}) {
	a := New(cfg, logger)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := a.Start(ctx); err != nil {
			logger.Warn("探测器运行出错", zap.Error(err))
		}
	}()

	return a, done
}

// Start 启动服务
func (p *program) Start(s service.Service) error {
	p.logger = initLogger(p.cfg, p.debug)
	p.logger.Info("Pinger 服务启动中...", zap.String("version", GetVersion()))

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.agent, p.done = startAgent(p.ctx, p.cfg, p.logger)
	return nil
}

// Stop 停止服务
func (p *program) Stop(s service.Service) error {
	p.logger.Info("Pinger 服务停止中...")

	if p.cancel != nil {
		p.cancel()
	}
	if p.agent != nil {
		<-p.done
		p.agent.Stop()
	}

	p.logger.Info("Pinger 服务已停止")
	_ = p.logger.Sync()
	return nil
}

// ServiceManager 服务管理器
type ServiceManager struct {
	cfg     *config.Config
	debug   bool
	service service.Service
}

// NewServiceManager 创建服务管理器
func NewServiceManager(cfg *config.Config, debug bool) (*ServiceManager, error) {
	// 获取可执行文件路径
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("获取可执行文件路径失败: %w", err)
	}

	arguments := []string{"run", "--config", cfg.Path}
	if debug {
		arguments = append(arguments, "--debug")
	}

	// 配置服务
	svcConfig := &service.Config{
		Name:        "pinger",
		DisplayName: "Pinger",
		Description: "Pinger 网络探测器 - 周期探测 HTTP/TCP/ICMP 目标并以 Prometheus 指标输出",
		Arguments:   arguments,
		Executable:  execPath,
		Option: service.KeyValue{
			// Linux systemd 配置
			"Restart":            "always",  // 总是重启
			"RestartSec":         "10",      // 重启前等待 10 秒
			"StartLimitInterval": "0",       // 无限制重启次数
			"KillMode":           "process", // 只杀主进程

			// Windows 配置
			"OnFailure":    "restart", // 失败时重启
			"ResetPeriod":  86400,     // 重置失败计数周期 (秒)
			"RestartDelay": 10000,     // 重启延迟 (毫秒)

			// 其他 Unix 系统 (upstart/launchd)
			"KeepAlive": true, // 保持运行
			"RunAtLoad": true, // 启动时运行
		},
	}

	prg := &program{
		cfg:   cfg,
		debug: debug,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("创建服务失败: %w", err)
	}

	return &ServiceManager{
		cfg:     cfg,
		debug:   debug,
		service: s,
	}, nil
}

// Install 安装服务
func (m *ServiceManager) Install() error {
	return m.service.Install()
}

// Uninstall 卸载服务
func (m *ServiceManager) Uninstall() error {
	// 先停止服务
	_ = m.service.Stop()

	return m.service.Uninstall()
}

// Start 启动服务
func (m *ServiceManager) Start() error {
	return m.service.Start()
}

// Stop 停止服务
func (m *ServiceManager) Stop() error {
	return m.service.Stop()
}

// Restart 重启服务
func (m *ServiceManager) Restart() error {
	return m.service.Restart()
}

// Status 查看服务状态
func (m *ServiceManager) Status() (string, error) {
	status, err := m.service.Status()
	if err != nil {
		return "", err
	}
	return statusText(status), nil
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "运行中 (Running)"
	case service.StatusStopped:
		return "已停止 (Stopped)"
	case service.StatusUnknown:
		return "未知 (Unknown)"
	default:
		return fmt.Sprintf("状态: %d", status)
	}
}

// Run 运行服务：由服务管理器启动时交给 kardianos/service，否则在前台运行直到收到中断信号
func (m *ServiceManager) Run() error {
	if !service.Interactive() {
		return m.service.Run()
	}

	logger := initLogger(m.cfg, m.debug)
	defer func() { _ = logger.Sync() }()

	logger.Info("配置加载成功",
		zap.String("path", m.cfg.Path),
		zap.Int("httpTargets", len(m.cfg.HTTP.Entries)),
		zap.Int("tcpTargets", len(m.cfg.TCP.Entries)),
		zap.String("httpBackend", m.cfg.HTTP.Backend),
		zap.Bool("measureDNSStats", m.cfg.MeasureDNSStats))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	a, done := startAgent(ctx, m.cfg, logger)

	// 等待中断信号
	<-interrupt
	logger.Info("收到中断信号，正在关闭...")
	cancel()

	<-done
	a.Stop()
	logger.Info("探测器已停止")
	return nil
}
