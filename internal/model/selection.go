package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SelectionState 某类别当前的主/备选择，只保存名称
type SelectionState struct {
	Kind        Kind      `json:"kind"`
	PrimaryName string    `json:"primary_name"`
	BackupName  string    `json:"backup_name"`
	Available   bool      `json:"available"`
	SelectedAt  time.Time `json:"selected_at"`
}

// EndpointRef 返回给调用方的端点视图
type EndpointRef struct {
	Name                 string          `json:"name"`
	PrimaryURL           string          `json:"primary_url"`
	SecondaryURL         string          `json:"secondary_url,omitempty"`
	Status               Status          `json:"status"`
	Score                decimal.Decimal `json:"score"`
	MaxRequestsPerSecond int             `json:"max_requests_per_second"`
}

// RefOf 从端点记录构造视图
func RefOf(e *Endpoint) EndpointRef {
	return EndpointRef{
		Name:                 e.Name,
		PrimaryURL:           e.PrimaryURL,
		SecondaryURL:         e.SecondaryURL,
		Status:               e.State.Status,
		Score:                e.State.Score,
		MaxRequestsPerSecond: e.MaxRequestsPerSecond,
	}
}

// EndpointPair 当前主/备端点
type EndpointPair struct {
	Kind    Kind        `json:"kind"`
	Primary EndpointRef `json:"primary"`
	Backup  EndpointRef `json:"backup"`
}

// StatusEntry 状态快照中的一行
type StatusEntry struct {
	Kind          Kind            `json:"kind"`
	Tier          int             `json:"tier"`
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	Score         decimal.Decimal `json:"score"`
	LatencyMs     *int64          `json:"latency_ms,omitempty"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
	PrimaryOK     bool            `json:"primary_ok"`
	SecondaryOK   bool            `json:"secondary_ok"`
	Error         string          `json:"error,omitempty"`
}

// EntryOf 从端点记录构造快照行
func EntryOf(e *Endpoint) StatusEntry {
	entry := StatusEntry{
		Kind:        e.Kind,
		Tier:        e.Tier,
		Name:        e.Name,
		Status:      e.State.Status,
		Score:       e.State.Score,
		PrimaryOK:   e.State.PrimaryOK,
		SecondaryOK: e.State.SecondaryOK,
		Error:       e.State.Error,
	}
	if e.State.Latency != nil {
		ms := e.State.Latency.Milliseconds()
		entry.LatencyMs = &ms
	}
	if !e.State.LastCheckedAt.IsZero() {
		t := e.State.LastCheckedAt
		entry.LastCheckedAt = &t
	}
	return entry
}

// SelectionView 快照中某类别的选择
type SelectionView struct {
	Kind      Kind         `json:"kind"`
	Available bool         `json:"available"`
	Primary   *EndpointRef `json:"primary,omitempty"`
	Backup    *EndpointRef `json:"backup,omitempty"`
}

// StatusSnapshot 完整的注册表视图
type StatusSnapshot struct {
	Endpoints        []StatusEntry   `json:"endpoints"`
	Selections       []SelectionView `json:"selections"`
	LastReconciledAt *time.Time      `json:"last_reconciled_at,omitempty"`
}

// ConnectionReport 对当前主端点的连接测试结果
type ConnectionReport struct {
	Kind       Kind          `json:"kind"`
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	LastRound  *uint64       `json:"last_round,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}
