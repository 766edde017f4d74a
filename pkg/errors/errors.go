// Package errors 提供带错误码的业务错误类型，同时携带 HTTP 与 gRPC 状态码
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Stack      string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 实现 errors.Is 接口，按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
		Stack:      e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// New 创建新错误
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		GRPCCode:   codes.Internal,
	}
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装错误并追加信息
func Wrapf(err *Error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Stack = getStack()
	return newErr
}

// WrapWithCause 包装错误并添加原因和信息
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := Wrapf(err, format, args...)
	newErr.Cause = cause
	return newErr
}

func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&builder, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}

	return Wrap(ErrInternal, err)
}

// 通用错误码
var (
	ErrInternal           = NewWithStatus("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest     = NewWithStatus("INVALID_REQUEST", "invalid request", http.StatusBadRequest, codes.InvalidArgument)
	ErrServiceUnavailable = NewWithStatus("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable, codes.Unavailable)
	ErrTimeout            = NewWithStatus("TIMEOUT", "request timeout", http.StatusGatewayTimeout, codes.DeadlineExceeded)
)

// 端点选择相关错误码
var (
	// ErrNoEndpointAvailable 该类别下所有端点均不可用
	ErrNoEndpointAvailable = NewWithStatus("NO_ENDPOINT_AVAILABLE", "no endpoint available", http.StatusServiceUnavailable, codes.Unavailable)
	// ErrConfiguration 注册表配置无效，启动时致命
	ErrConfiguration = NewWithStatus("CONFIGURATION_ERROR", "invalid endpoint configuration", http.StatusInternalServerError, codes.FailedPrecondition)
	// ErrProbeFailure 单次探测失败，只记录在探测结果中
	ErrProbeFailure = NewWithStatus("PROBE_FAILURE", "probe failed", http.StatusBadGateway, codes.Unavailable)
	// ErrEndpointNotFound 端点或类别不存在
	ErrEndpointNotFound = NewWithStatus("ENDPOINT_NOT_FOUND", "endpoint not found", http.StatusNotFound, codes.NotFound)
	// ErrConnectionTest 连接测试失败
	ErrConnectionTest = NewWithStatus("CONNECTION_TEST_FAILED", "connection test failed", http.StatusBadGateway, codes.Unavailable)
)

// NoEndpoint 指定类别无可用端点
func NoEndpoint(kind string) *Error {
	return ErrNoEndpointAvailable.WithDetail("kind", kind).WithMessagef("no endpoint available for %s", kind)
}

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}

	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Message
	}
	return err.Error()
}

// IsNoEndpoint 判断是否为无可用端点错误
func IsNoEndpoint(err error) bool {
	return Is(err, ErrNoEndpointAvailable)
}

// IsRetryable 判断调用方是否可以稍后重试
func IsRetryable(err error) bool {
	return Is(err, ErrNoEndpointAvailable) || Is(err, ErrServiceUnavailable) || Is(err, ErrTimeout)
}
