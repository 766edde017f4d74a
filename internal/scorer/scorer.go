// Package scorer 端点综合评分
//
// Score 是纯函数: 只依赖端点当前字段和评分参数，不做 I/O。
// 评分与可选性是两回事，down 的端点仍然可能得到非零分，是否可选由 ranker 决定。
package scorer

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

// LatencyBucket 延迟阶梯：延迟小于 Below 时加 Bonus
type LatencyBucket struct {
	Below time.Duration `yaml:"below" json:"below"`
	Bonus float64       `yaml:"bonus" json:"bonus"`
}

// Params 评分参数
//
// 未配置的标量取默认值，显式配置的 0 保留。
// TierBonus / FeatureBonus / StatusBonus 按 key 合并到默认值上，要去掉某个默认项需把它配置为 0；
// LatencyBuckets 配置后整体替换默认阶梯。
type Params struct {
	TierBonus      map[int]float64          `yaml:"tier_bonus" json:"tier_bonus"`
	LatencyBuckets []LatencyBucket          `yaml:"latency_buckets" json:"latency_buckets"`
	UptimeWeight   *float64                 `yaml:"uptime_weight" json:"uptime_weight"`
	FeatureBonus   map[string]float64       `yaml:"feature_bonus" json:"feature_bonus"`
	StatusBonus    map[model.Status]float64 `yaml:"status_bonus" json:"status_bonus"`
	// PriorityBase 优先级加分为 (PriorityBase - priority) * PriorityWeight，priority 截断到 [0, PriorityBase]
	PriorityBase   *int     `yaml:"priority_base" json:"priority_base"`
	PriorityWeight *float64 `yaml:"priority_weight" json:"priority_weight"`
}

// DefaultParams 默认评分参数
func DefaultParams() Params {
	return Params{
		TierBonus: map[int]float64{1: 100, 2: 50},
		LatencyBuckets: []LatencyBucket{
			{Below: 100 * time.Millisecond, Bonus: 30},
			{Below: 500 * time.Millisecond, Bonus: 20},
			{Below: time.Second, Bonus: 10},
		},
		UptimeWeight: ptr(50.0),
		FeatureBonus: map[string]float64{
			model.FeatureHighReliability: 25,
			model.FeatureFastResponse:    20,
			model.FeatureNoRateLimit:     15,
			model.FeatureEnterpriseGrade: 20,
		},
		StatusBonus: map[model.Status]float64{
			model.StatusHealthy:  50,
			model.StatusDegraded: 25,
		},
		PriorityBase:   ptr(10),
		PriorityWeight: ptr(5.0),
	}
}

func ptr[T any](v T) *T { return &v }

// mergeBonus 以默认值为底，按 key 覆盖配置值
func mergeBonus[K comparable](def, configured map[K]float64) map[K]float64 {
	out := make(map[K]float64, len(def)+len(configured))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range configured {
		out[k] = v
	}
	return out
}

// WithDefaults 用默认值补齐未配置的部分
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	p.TierBonus = mergeBonus(def.TierBonus, p.TierBonus)
	p.FeatureBonus = mergeBonus(def.FeatureBonus, p.FeatureBonus)
	p.StatusBonus = mergeBonus(def.StatusBonus, p.StatusBonus)
	if p.LatencyBuckets == nil {
		p.LatencyBuckets = def.LatencyBuckets
	}
	if p.UptimeWeight == nil {
		p.UptimeWeight = def.UptimeWeight
	}
	if p.PriorityBase == nil {
		p.PriorityBase = def.PriorityBase
	}
	if p.PriorityWeight == nil {
		p.PriorityWeight = def.PriorityWeight
	}
	return p
}

// Validate 校验参数，负权重会破坏可用率单调性
func (p Params) Validate() error {
	if p.UptimeWeight != nil && *p.UptimeWeight < 0 {
		return fmt.Errorf("uptime_weight must not be negative, got %v", *p.UptimeWeight)
	}
	if (p.PriorityBase != nil && *p.PriorityBase < 0) || (p.PriorityWeight != nil && *p.PriorityWeight < 0) {
		return fmt.Errorf("priority_base and priority_weight must not be negative")
	}
	for i, b := range p.LatencyBuckets {
		if b.Below <= 0 {
			return fmt.Errorf("latency_buckets[%d].below must be positive", i)
		}
	}
	return nil
}

// Scorer 预先转换为 decimal 的评分器
type Scorer struct {
	tier           map[int]decimal.Decimal
	buckets        []bucket
	uptimeWeight   decimal.Decimal
	feature        map[string]decimal.Decimal
	status         map[model.Status]decimal.Decimal
	priorityBase   int
	priorityWeight decimal.Decimal
}

type bucket struct {
	below time.Duration
	bonus decimal.Decimal
}

// New 创建评分器
func New(p Params) *Scorer {
	p = p.WithDefaults()

	s := &Scorer{
		tier:           make(map[int]decimal.Decimal, len(p.TierBonus)),
		buckets:        make([]bucket, 0, len(p.LatencyBuckets)),
		uptimeWeight:   decimal.NewFromFloat(*p.UptimeWeight),
		feature:        make(map[string]decimal.Decimal, len(p.FeatureBonus)),
		status:         make(map[model.Status]decimal.Decimal, len(p.StatusBonus)),
		priorityBase:   *p.PriorityBase,
		priorityWeight: decimal.NewFromFloat(*p.PriorityWeight),
	}
	for tier, v := range p.TierBonus {
		s.tier[tier] = decimal.NewFromFloat(v)
	}
	for _, b := range p.LatencyBuckets {
		s.buckets = append(s.buckets, bucket{below: b.Below, bonus: decimal.NewFromFloat(b.Bonus)})
	}
	sort.Slice(s.buckets, func(i, j int) bool { return s.buckets[i].below < s.buckets[j].below })
	for f, v := range p.FeatureBonus {
		s.feature[f] = decimal.NewFromFloat(v)
	}
	for st, v := range p.StatusBonus {
		s.status[st] = decimal.NewFromFloat(v)
	}
	return s
}

// Score 计算端点得分
func (s *Scorer) Score(e *model.Endpoint) decimal.Decimal {
	return s.Breakdown(e).Total()
}

// Breakdown 各项得分，便于排查
type Breakdown struct {
	Tier     decimal.Decimal `json:"tier"`
	Latency  decimal.Decimal `json:"latency"`
	Uptime   decimal.Decimal `json:"uptime"`
	Features decimal.Decimal `json:"features"`
	Status   decimal.Decimal `json:"status"`
	Priority decimal.Decimal `json:"priority"`
}

// Total 总分
func (b Breakdown) Total() decimal.Decimal {
	return decimal.Sum(b.Tier, b.Latency, b.Uptime, b.Features, b.Status, b.Priority)
}

// Breakdown 按评分顺序计算各项
func (s *Scorer) Breakdown(e *model.Endpoint) Breakdown {
	b := Breakdown{
		Tier:     s.tier[e.Tier],
		Latency:  decimal.Zero,
		Uptime:   decimal.NewFromFloat(e.DeclaredUptime).Mul(s.uptimeWeight),
		Features: decimal.Zero,
		Status:   s.status[e.State.Status],
	}

	if e.State.Latency != nil {
		for _, bk := range s.buckets {
			if *e.State.Latency < bk.below {
				b.Latency = bk.bonus
				break
			}
		}
	}

	for _, f := range e.Features {
		if v, ok := s.feature[f]; ok {
			b.Features = b.Features.Add(v)
		}
	}

	priority := min(max(e.Priority, 0), s.priorityBase)
	b.Priority = decimal.NewFromInt(int64(s.priorityBase - priority)).Mul(s.priorityWeight)

	return b
}
