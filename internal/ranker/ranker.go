// Package ranker 端点排序与主/备选择
//
// Rank 是纯函数。Selector 持有各类别的当前选择 (只保存名称)，
// 在锁外计算排序，只在发布新选择时短暂持有写锁。
package ranker

import (
	"sort"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

// Less 排序规则: 得分降序，延迟升序 (无延迟排最后)，优先级升序，名称升序
func Less(a, b *model.Endpoint) bool {
	if c := a.State.Score.Cmp(b.State.Score); c != 0 {
		return c > 0
	}

	la, lb := a.State.Latency, b.State.Latency
	switch {
	case la != nil && lb == nil:
		return true
	case la == nil && lb != nil:
		return false
	case la != nil && lb != nil && *la != *lb:
		return *la < *lb
	}

	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}

// Ranking 一个类别的排序结果
type Ranking struct {
	Kind model.Kind
	// Eligible 可选端点，已排序
	Eligible []model.Endpoint
	// Ineligible 状态为 down 的端点，同样排序，仅用于诊断
	Ineligible []model.Endpoint
}

// Rank 将已评分的端点分为可选/不可选两组并排序
func Rank(kind model.Kind, records []model.Endpoint) Ranking {
	r := Ranking{Kind: kind}
	for i := range records {
		if records[i].Kind != kind {
			continue
		}
		if records[i].State.Status.Eligible() {
			r.Eligible = append(r.Eligible, records[i])
		} else {
			r.Ineligible = append(r.Ineligible, records[i])
		}
	}

	sort.SliceStable(r.Eligible, func(i, j int) bool { return Less(&r.Eligible[i], &r.Eligible[j]) })
	sort.SliceStable(r.Ineligible, func(i, j int) bool { return Less(&r.Ineligible[i], &r.Ineligible[j]) })
	return r
}

// Pick 选出主/备。只有一个可选端点时主备相同；没有时返回 ErrNoEndpointAvailable
func (r Ranking) Pick() (primary, backup *model.Endpoint, err error) {
	switch len(r.Eligible) {
	case 0:
		return nil, nil, errors.NoEndpoint(string(r.Kind))
	case 1:
		return &r.Eligible[0], &r.Eligible[0], nil
	default:
		return &r.Eligible[0], &r.Eligible[1], nil
	}
}

// Find 按名称查找 (包括不可选的端点)
func (r Ranking) Find(name string) *model.Endpoint {
	for i := range r.Eligible {
		if r.Eligible[i].Name == name {
			return &r.Eligible[i]
		}
	}
	for i := range r.Ineligible {
		if r.Ineligible[i].Name == name {
			return &r.Ineligible[i]
		}
	}
	return nil
}
