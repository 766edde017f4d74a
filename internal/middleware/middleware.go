// Package middleware 提供 HTTP 中间件
package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

const (
	// TraceIDHeader 请求头中的 TraceID 字段名
	TraceIDHeader = "X-Trace-ID"
	// TraceIDKey context 中的 TraceID 键名
	TraceIDKey = "trace_id"
)

// Recovery 返回 panic 恢复中间件
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.ByteString("stack", debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    errors.ErrInternal.Code,
					"message": errors.ErrInternal.Message,
				})
			}
		}()
		c.Next()
	}
}

// Trace 返回 Trace ID 中间件
// 如果请求头中有 X-Trace-ID，则使用该值，否则生成新的 UUID
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Next()
	}
}

// Logger 返回请求日志中间件
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if tid := c.GetString(TraceIDKey); tid != "" {
			fields = append(fields, zap.String("trace_id", tid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

// Metrics 返回 Prometheus 指标记录中间件
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		// 模板路径，避免高基数
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
