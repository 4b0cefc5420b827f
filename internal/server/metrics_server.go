package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/handler"
)

// MetricsServer 指标服务
type MetricsServer struct {
	echo   *echo.Echo
	addr   string
	logger *zap.Logger
}

// NewMetricsServer 创建指标服务
func NewMetricsServer(addr string, h *handler.MetricsHandler, logger *zap.Logger) *MetricsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", h.Metrics)
	e.GET("/health", h.Health)
	e.GET("/tasks", h.Tasks)

	return &MetricsServer{
		echo:   e,
		addr:   addr,
		logger: logger,
	}
}

// Start 在后台启动服务；监听失败只记录日志，不影响探测
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info("指标服务启动", zap.String("addr", s.addr))
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("指标服务运行出错", zap.String("addr", s.addr), zap.Error(err))
		}
	}()
}

// Stop 停止服务
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *MetricsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
