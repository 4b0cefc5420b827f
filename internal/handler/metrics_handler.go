package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/scheduler"
)

// TaskLister 提供调度任务状态
type TaskLister interface {
	GetTaskStatus() []scheduler.TaskStatus
}

// MetricsHandler 指标与状态处理器
type MetricsHandler struct {
	logger  *zap.Logger
	metrics http.Handler
	tasks   TaskLister
}

// NewMetricsHandler 创建处理器
func NewMetricsHandler(logger *zap.Logger, gatherer prometheus.Gatherer, tasks TaskLister) *MetricsHandler {
	return &MetricsHandler{
		logger: logger,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(logger),
			ErrorHandling: promhttp.ContinueOnError,
		}),
		tasks: tasks,
	}
}

// Metrics 输出 Prometheus 文本格式的指标
// GET /metrics
func (h *MetricsHandler) Metrics(c echo.Context) error {
	h.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Health 存活检查
// GET /health
func (h *MetricsHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Tasks 查询调度任务状态
// GET /tasks
func (h *MetricsHandler) Tasks(c echo.Context) error {
	if h.tasks == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "调度器未启动",
		})
	}
	statuses := h.tasks.GetTaskStatus()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"totalTasks": len(statuses),
		"tasks":      statuses,
	})
}
