// Package model 端点注册表、探测结果与选择状态的数据模型
package model

import (
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 端点类别，每个类别独立选出主/备
type Kind string

const (
	// KindBlockchainRPC 区块链节点 RPC (双入口: 节点 + 索引)
	KindBlockchainRPC Kind = "blockchain_rpc"
	// KindProtocolAPI DeFi 协议 API (单入口)
	KindProtocolAPI Kind = "protocol_api"
)

// Status 端点健康状态
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusUnknown  Status = "unknown"
)

// Eligible 是否可被选为主/备
func (s Status) Eligible() bool {
	return s != StatusDown
}

// CheckType 探测方式
type CheckType string

const (
	CheckHTTP    CheckType = "http"
	CheckJSONRPC CheckType = "jsonrpc"
	CheckGRPC    CheckType = "grpc"
)

// Valid 是否为已知探测方式
func (c CheckType) Valid() bool {
	switch c {
	case CheckHTTP, CheckJSONRPC, CheckGRPC:
		return true
	}
	return false
}

// 常用能力标签
const (
	FeatureHighReliability = "high_reliability"
	FeatureFastResponse    = "fast_response"
	FeatureNoRateLimit     = "no_rate_limit"
	FeatureEnterpriseGrade = "enterprise_grade"
)

const (
	// DefaultPriority 未配置优先级时的取值
	DefaultPriority = 10
	// DefaultDeclaredUptime 未配置可用率时的取值
	DefaultDeclaredUptime = 0.9
)

// ProbeSpec 端点的探测参数，零值表示使用探测器的全局默认值
type ProbeSpec struct {
	Check         CheckType     `json:"check,omitempty"`
	PrimaryPath   string        `json:"primary_path,omitempty"`
	SecondaryPath string        `json:"secondary_path,omitempty"`
	Method        string        `json:"method,omitempty"`
	Service       string        `json:"service,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// ProbeState 最近一次探测得到的可变字段
type ProbeState struct {
	Status        Status          `json:"status"`
	Latency       *time.Duration  `json:"latency,omitempty"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
	Score         decimal.Decimal `json:"score"`
	PrimaryOK     bool            `json:"primary_ok"`
	SecondaryOK   bool            `json:"secondary_ok"`
	Error         string          `json:"error,omitempty"`
}

// Endpoint 候选端点记录
type Endpoint struct {
	Name                 string    `json:"name"`
	Kind                 Kind      `json:"kind"`
	Tier                 int       `json:"tier"`
	PrimaryURL           string    `json:"primary_url"`
	SecondaryURL         string    `json:"secondary_url,omitempty"`
	Priority             int       `json:"priority"`
	Features             []string  `json:"features,omitempty"`
	DeclaredUptime       float64   `json:"declared_uptime"`
	MaxRequestsPerSecond int       `json:"max_requests_per_second"`
	Probe                ProbeSpec `json:"probe"`

	State ProbeState `json:"state"`
}

// DualSurface 是否有第二个探测入口
func (e *Endpoint) DualSurface() bool {
	return e.SecondaryURL != ""
}

// HasFeature 是否具备能力标签
func (e *Endpoint) HasFeature(feature string) bool {
	_, found := slices.BinarySearch(e.Features, feature)
	return found
}

// Clone 深拷贝，探测与评分都在副本上进行
func (e *Endpoint) Clone() Endpoint {
	c := *e
	c.Features = slices.Clone(e.Features)
	if e.State.Latency != nil {
		l := *e.State.Latency
		c.State.Latency = &l
	}
	return c
}

// NormalizeFeatures 去重并排序，HasFeature 依赖有序
func NormalizeFeatures(features []string) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f != "" {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// ProbeResult 单个端点的一次探测结果
type ProbeResult struct {
	Name        string
	Kind        Kind
	Status      Status
	Latency     *time.Duration
	CheckedAt   time.Time
	PrimaryOK   bool
	SecondaryOK bool
	Error       string
}

// ApplyTo 将探测结果写入端点的可变字段 (评分另行计算)
func (r *ProbeResult) ApplyTo(e *Endpoint) {
	e.State.Status = r.Status
	e.State.Latency = r.Latency
	e.State.LastCheckedAt = r.CheckedAt
	e.State.PrimaryOK = r.PrimaryOK
	e.State.SecondaryOK = r.SecondaryOK
	e.State.Error = r.Error
}
