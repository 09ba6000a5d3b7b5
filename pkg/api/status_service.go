package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineStatus 流水线对外暴露的状态
type PipelineStatus interface {
	Status() string
	GetStats() map[string]interface{}
}

// StatsProvider 任何可以汇报统计信息的组件
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// StatusService 流水线运行状态和插件计数
type StatusService struct {
	name       string
	pipeline   PipelineStatus
	components map[string]StatsProvider
	gatherer   prometheus.Gatherer
}

// NewStatusService 创建运行状态服务，gatherer 为空时使用默认注册表
func NewStatusService(name string, p PipelineStatus, gatherer prometheus.Gatherer) *StatusService {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &StatusService{
		name:       name,
		pipeline:   p,
		components: make(map[string]StatsProvider),
		gatherer:   gatherer,
	}
}

// AddComponent 增加一个出现在 /stats 中的组件
func (ss *StatusService) AddComponent(name string, provider StatsProvider) {
	ss.components[name] = provider
}

// GetStatus 返回流水线状态
func (ss *StatusService) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "ok",
		Data: map[string]string{
			"name":   ss.name,
			"status": ss.pipeline.Status(),
		},
	})
}

// GetStats 返回流水线和各组件的统计信息
func (ss *StatusService) GetStats(c echo.Context) error {
	stats := map[string]interface{}{
		"pipeline": ss.pipeline.GetStats(),
	}
	for name, provider := range ss.components {
		stats[name] = provider.GetStats()
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "ok",
		Data:    stats,
	})
}

// MetricsHandler 以 Prometheus 文本格式导出指标
func (ss *StatusService) MetricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(ss.gatherer, promhttp.HandlerOpts{}))
}
