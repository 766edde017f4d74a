// Package logger 提供进程级 zap 日志
package logger

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	// base 不带 caller skip，供各组件通过 Named 获取子 logger
	base        atomic.Pointer[zap.Logger]
	atomicLevel = zap.NewAtomicLevel()
)

// Config 日志配置
type Config struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // json, console
	Output      string `yaml:"output" json:"output"` // stdout, stderr
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Init 初始化全局日志
func Init(cfg *Config) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel.SetLevel(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.Output == "stderr" {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	base.Store(zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", cfg.ServiceName)),
	))
	return nil
}

// Replace 替换全局 logger，测试中配合 zaptest/observer 使用
func Replace(l *zap.Logger) {
	base.Store(l)
}

// SetLevel 动态设置日志级别
func SetLevel(levelStr string) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return
	}
	atomicLevel.SetLevel(level)
}

// L 获取全局 logger
func L() *zap.Logger {
	if l := base.Load(); l != nil {
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base.CompareAndSwap(nil, l)
	return base.Load()
}

// Named 获取带名称的子 logger
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// S 获取全局 sugar logger
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// WithContext 从 context 获取 logger
func WithContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// NewContext 将带字段的 logger 放入 context
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(fields...))
}

func skip() *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(1))
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	skip().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	skip().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	skip().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	skip().Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	skip().Fatal(msg, fields...)
}

// Sync 同步日志
func Sync() error {
	if l := base.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
