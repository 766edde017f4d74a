package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/kafka"
)

// MessageSender kafka.Producer 的发送接口
type MessageSender interface {
	Send(ctx context.Context, msg *kafka.Message) (int32, int64, error)
}

// KafkaSink 发送 JSON 事件，分区 key 为类别，同一类别的事件保持顺序
type KafkaSink struct {
	sender MessageSender
	topic  string
}

// NewKafkaSink 创建 Kafka 下游
func NewKafkaSink(sender MessageSender, topic string) *KafkaSink {
	return &KafkaSink{sender: sender, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, ev *model.SelectionEvent, _ model.SelectionState) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, _, err = s.sender.Send(ctx, &kafka.Message{
		Topic: s.topic,
		Key:   []byte(ev.Kind),
		Value: value,
		Headers: map[string]string{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
		},
	})
	return err
}
