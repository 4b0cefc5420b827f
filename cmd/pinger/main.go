package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/config"
	"github.com/dushixiang/pinger/pkg/agent/service"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "pinger",
		Short:        "HTTP/TCP/ICMP 网络探测器",
		Long:         `pinger 周期性探测配置中的 HTTP、TCP 与 ICMP 目标，并以 Prometheus 指标的形式输出延迟与失败统计。`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "配置文件路径（.yaml/.yml/.toml/.json）")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "输出 debug 日志")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newCheckCmd(opts))
	rootCmd.AddCommand(newServiceCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "运行探测器",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			mgr, err := service.NewServiceManager(cfg, opts.debug)
			if err != nil {
				return err
			}
			return mgr.Run()
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "校验配置并创建全部探测器，不执行探测",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			if opts.debug {
				logger, _ = zap.NewDevelopment()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			total, err := service.Check(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("配置中存在无效的目标:\n%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置有效: %s，共 %d 个探测目标\n", cfg.Path, total)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "创建探测器的总超时时间")
	return cmd
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "管理系统服务",
	}

	actions := []struct {
		use   string
		short string
		run   func(mgr *service.ServiceManager, cmd *cobra.Command) error
	}{
		{"install", "安装为系统服务", func(mgr *service.ServiceManager, cmd *cobra.Command) error { return mgr.Install() }},
		{"uninstall", "卸载系统服务", func(mgr *service.ServiceManager, cmd *cobra.Command) error { return mgr.Uninstall() }},
		{"start", "启动系统服务", func(mgr *service.ServiceManager, cmd *cobra.Command) error { return mgr.Start() }},
		{"stop", "停止系统服务", func(mgr *service.ServiceManager, cmd *cobra.Command) error { return mgr.Stop() }},
		{"restart", "重启系统服务", func(mgr *service.ServiceManager, cmd *cobra.Command) error { return mgr.Restart() }},
		{"status", "查看系统服务状态", func(mgr *service.ServiceManager, cmd *cobra.Command) error {
			status, err := mgr.Status()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		}},
	}

	for _, action := range actions {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				mgr, err := service.NewServiceManager(cfg, opts.debug)
				if err != nil {
					return err
				}
				if err := action.run(mgr, cmd); err != nil {
					return fmt.Errorf("%s 失败: %w", action.use, err)
				}
				return nil
			},
		})
	}
	return serviceCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "输出版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", service.GetVersion())
		},
	}
}
