// Package router 提供路由注册
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/handler"
	"github.com/eidos-exchange/eidos-endpoints/internal/middleware"
)

// Router 路由管理器
type Router struct {
	engine *gin.Engine
	log    *zap.Logger
}

// New 创建路由管理器
func New(engine *gin.Engine, log *zap.Logger) *Router {
	return &Router{engine: engine, log: log}
}

// RegisterMiddleware 注册全局中间件
func (r *Router) RegisterMiddleware() {
	// Recovery → Trace → Logger → Metrics
	r.engine.Use(
		middleware.Recovery(r.log),
		middleware.Trace(),
		middleware.Logger(r.log),
		middleware.Metrics(),
	)
}

// RegisterRoutes 注册路由
func (r *Router) RegisterRoutes(health *handler.HealthHandler, endpoints *handler.EndpointHandler) {
	r.engine.GET("/health/live", health.Live)
	r.engine.GET("/health/ready", health.Ready)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.engine.Group("/v1")
	{
		v1.GET("/status", endpoints.Status)
		v1.POST("/probe", endpoints.ProbeNow)
		v1.GET("/protocols/best", endpoints.BestProtocol)
		v1.GET("/connection/:kind", endpoints.TestConnection)
		v1.GET("/endpoints/:kind", endpoints.CurrentEndpoints)
		v1.GET("/endpoints/:kind/:name/history", endpoints.History)
	}
}

// Engine 返回 gin 引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
