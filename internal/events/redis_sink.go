package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

// RedisSink 在 {prefix}:switchover 频道发布事件，
// 并把类别的当前选择写入 {prefix}:selection:{kind}，供其他进程读取
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink 创建 Redis 下游
func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

// Channel 事件频道
func (s *RedisSink) Channel() string {
	return s.prefix + ":switchover"
}

// SelectionKey 类别选择的 hash key
func (s *RedisSink) SelectionKey(kind model.Kind) string {
	return fmt.Sprintf("%s:selection:%s", s.prefix, kind)
}

func (s *RedisSink) Publish(ctx context.Context, ev *model.SelectionEvent, sel model.SelectionState) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	selectedAt := ""
	if !sel.SelectedAt.IsZero() {
		selectedAt = sel.SelectedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.SelectionKey(ev.Kind),
			"primary", sel.PrimaryName,
			"backup", sel.BackupName,
			"available", strconv.FormatBool(sel.Available),
			"selected_at", selectedAt,
			"event_id", ev.ID,
		)
		pipe.Publish(ctx, s.Channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
