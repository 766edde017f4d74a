package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType 选择事件类型
type EventType string

const (
	// EventInitialSelection 进程启动后首次选出主/备
	EventInitialSelection EventType = "initial_selection"
	// EventPrimarySwitch 主端点切换
	EventPrimarySwitch EventType = "primary_switch"
	// EventBackupSwitch 备端点切换
	EventBackupSwitch EventType = "backup_switch"
	// EventNoEndpoint 该类别没有可用端点
	EventNoEndpoint EventType = "no_endpoint_available"
)

// Role 端点角色
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// SelectionEvent 选择变化事件，切换审计的主要记录
type SelectionEvent struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	Kind      Kind             `json:"kind"`
	Role      Role             `json:"role,omitempty"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	FromScore *decimal.Decimal `json:"from_score,omitempty"`
	ToScore   *decimal.Decimal `json:"to_score,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewSelectionEvent 创建带 uuid 的事件
func NewSelectionEvent(typ EventType, kind Kind, at time.Time) *SelectionEvent {
	return &SelectionEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Kind:      kind,
		Timestamp: at,
	}
}

// IsSwitchover 主或备发生了切换
func (e *SelectionEvent) IsSwitchover() bool {
	return e.Type == EventPrimarySwitch || e.Type == EventBackupSwitch
}
