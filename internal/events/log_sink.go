package events

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

// LogSink 把选择事件写成结构化日志。主切换 WARN，无可用端点 ERROR，其余 INFO
type LogSink struct {
	log *zap.Logger
}

// NewLogSink 创建日志下游
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, ev *model.SelectionEvent, sel model.SelectionState) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("role", string(ev.Role)),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.Time("at", ev.Timestamp),
	}
	fields = appendScore(fields, "from_score", ev.FromScore)
	fields = appendScore(fields, "to_score", ev.ToScore)

	switch ev.Type {
	case model.EventPrimarySwitch:
		s.log.Warn("primary endpoint switched", fields...)
	case model.EventBackupSwitch:
		s.log.Info("backup endpoint switched", fields...)
	case model.EventNoEndpoint:
		s.log.Error("no endpoint available",
			append(fields, zap.String("last_primary", sel.PrimaryName), zap.String("last_backup", sel.BackupName))...)
	default:
		s.log.Info("endpoint selected", fields...)
	}
	return nil
}

func appendScore(fields []zap.Field, key string, d *decimal.Decimal) []zap.Field {
	if d == nil {
		return fields
	}
	return append(fields, zap.String(key, d.String()))
}
