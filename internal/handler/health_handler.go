package handler

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Pinger 依赖探活
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数形式的 Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler 健康检查处理器
type HealthHandler struct {
	ready     atomic.Bool
	available func() bool
	deps      map[string]Pinger
}

// NewHealthHandler 创建健康检查处理器。available 报告默认类别是否有可用端点
func NewHealthHandler(available func() bool, deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{available: available, deps: deps}
}

// SetReady 设置就绪状态
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Live 存活探针
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready 就绪探针
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "service initializing",
		})
		return
	}

	checks := make(map[string]string, len(h.deps)+1)
	allOK := true

	if h.available != nil {
		if h.available() {
			checks["endpoints"] = "ok"
		} else {
			checks["endpoints"] = "no endpoint available"
			allOK = false
		}
	}

	for name, dep := range h.deps {
		if err := dep.Ping(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			allOK = false
		} else {
			checks[name] = "ok"
		}
	}

	if !allOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"checks": checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": checks,
	})
}
