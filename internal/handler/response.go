// Package handler 提供 HTTP 处理器
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    interface{}       `json:"data,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// CodeSuccess 成功响应码
const CodeSuccess = "OK"

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 返回错误响应。业务错误使用其自带的状态码，
// 调用方超时或取消映射为 TIMEOUT，其余为内部错误
func Error(c *gin.Context, err error) {
	_ = c.Error(err)

	var bizErr *errors.Error
	switch {
	case errors.As(err, &bizErr):
	case err == context.DeadlineExceeded || err == context.Canceled:
		bizErr = errors.Wrap(errors.ErrTimeout, err)
	default:
		bizErr = errors.FromError(err)
	}

	c.JSON(errors.ToHTTPStatus(bizErr), &Response{
		Code:    bizErr.Code,
		Message: bizErr.Message,
		Details: bizErr.Details,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, errors.ErrInvalidRequest.WithMessage(message))
}
