// Package events 选择事件的下游投递
//
// 每轮对账产生的选择事件依次交给各个 Sink。投递失败只记录日志和指标，
// 不影响对账结果。
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

// Sink 事件下游
type Sink interface {
	Name() string
	// Publish 投递一个事件，sel 是事件发生后该类别的选择
	Publish(ctx context.Context, ev *model.SelectionEvent, sel model.SelectionState) error
}

// MultiSink 依次投递到多个下游，每个下游单独超时
type MultiSink struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger
}

// NewMultiSink 创建 MultiSink，timeout <= 0 表示不额外限制
func NewMultiSink(timeout time.Duration, log *zap.Logger, sinks ...Sink) *MultiSink {
	if log == nil {
		log = logger.Named("events")
	}
	return &MultiSink{sinks: sinks, timeout: timeout, log: log}
}

// Add 追加下游
func (m *MultiSink) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Names 已注册的下游名称
func (m *MultiSink) Names() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

func (m *MultiSink) Name() string { return "multi" }

// Publish 投递到所有下游，失败的下游只记录，始终返回 nil
func (m *MultiSink) Publish(ctx context.Context, ev *model.SelectionEvent, sel model.SelectionState) error {
	for _, s := range m.sinks {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if m.timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, m.timeout)
		}
		err := s.Publish(sctx, ev, sel)
		cancel()

		if err != nil {
			metrics.EventSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			m.log.Warn("publish selection event failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.String("type", string(ev.Type)),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
	return nil
}

// breakerSink 用熔断器保护的下游，熔断期间直接跳过
type breakerSink struct {
	Sink
	cb *circuitbreaker.CircuitBreaker
}

// WithBreaker 为下游加熔断保护
func WithBreaker(s Sink, cb *circuitbreaker.CircuitBreaker) Sink {
	return &breakerSink{Sink: s, cb: cb}
}

func (b *breakerSink) Publish(ctx context.Context, ev *model.SelectionEvent, sel model.SelectionState) error {
	return b.cb.Execute(func() error {
		return b.Sink.Publish(ctx, ev, sel)
	})
}
