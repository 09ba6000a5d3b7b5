package api

import (
	"context"
	"fmt"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer 创建一个新的 HTTP 服务器
func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	// 构建地址
	addr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port)

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Addr 返回监听地址
func (s *Server) Addr() string {
	return s.addr
}

// Start 启动 HTTP 服务器
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterRuleService 注册规则服务
func (s *Server) RegisterRuleService(rs *RuleService) {
	s.echo.GET("/rules", rs.GetRules)               // 获取生效的服务规则
	s.echo.GET("/rules/:rule_id", rs.GetRule)       // 获取指定规则
	s.echo.POST("/rules/validate", rs.ValidateRule) // 验证规则有效性
	s.echo.POST("/rules/reload", rs.ReloadRules)    // 重新加载规则目录
}

// RegisterStatusService 注册运行状态服务
func (s *Server) RegisterStatusService(ss *StatusService) {
	s.echo.GET("/status", ss.GetStatus)
	s.echo.GET("/stats", ss.GetStats)
	s.echo.GET("/metrics", ss.MetricsHandler())
}
