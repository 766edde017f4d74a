// Package registry 端点注册表
//
// 注册表是按名称索引的端点记录集合。记录只在启动或显式重载时整体替换，
// 探测字段由每轮对账原地覆盖，运行期间不会删除记录。
package registry

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"sync"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

// Registry 端点注册表
type Registry struct {
	mu      sync.RWMutex
	records map[string]*model.Endpoint
	order   []string
}

// New 校验并创建注册表，配置无效时返回 ErrConfiguration
func New(endpoints []model.Endpoint) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(endpoints); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate 校验端点列表
func Validate(endpoints []model.Endpoint) error {
	if len(endpoints) == 0 {
		return errors.Wrapf(errors.ErrConfiguration, "registry is empty")
	}

	seen := make(map[string]struct{}, len(endpoints))
	for i := range endpoints {
		e := &endpoints[i]
		if e.Name == "" {
			return errors.Wrapf(errors.ErrConfiguration, "endpoint #%d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return errors.Wrapf(errors.ErrConfiguration, "duplicate endpoint name %q", e.Name)
		}
		seen[e.Name] = struct{}{}

		if e.Kind == "" {
			return errors.Wrapf(errors.ErrConfiguration, "endpoint %q has no kind", e.Name)
		}
		if e.Tier < 0 {
			return errors.Wrapf(errors.ErrConfiguration, "endpoint %q has negative tier %d", e.Name, e.Tier)
		}
		if e.DeclaredUptime <= 0 || e.DeclaredUptime > 1 {
			return errors.Wrapf(errors.ErrConfiguration, "endpoint %q declared_uptime %v outside (0,1]", e.Name, e.DeclaredUptime)
		}
		if e.Probe.Check != "" && !e.Probe.Check.Valid() {
			return errors.Wrapf(errors.ErrConfiguration, "endpoint %q has unknown check type %q", e.Name, e.Probe.Check)
		}
		if err := validateURL(e.PrimaryURL, e.Probe.Check); err != nil {
			return errors.WrapWithCause(errors.ErrConfiguration, err, "endpoint %q primary_url", e.Name)
		}
		if e.SecondaryURL != "" {
			if err := validateURL(e.SecondaryURL, e.Probe.Check); err != nil {
				return errors.WrapWithCause(errors.ErrConfiguration, err, "endpoint %q secondary_url", e.Name)
			}
		}
	}
	return nil
}

func validateURL(raw string, check model.CheckType) error {
	if raw == "" {
		return fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if check == model.CheckGRPC {
		// grpc 目标允许 host:port 形式
		return nil
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// Replace 整体替换注册表。同名记录保留已有探测字段，新记录状态为 unknown
func (r *Registry) Replace(endpoints []model.Endpoint) error {
	if err := Validate(endpoints); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records := make(map[string]*model.Endpoint, len(endpoints))
	order := make([]string, 0, len(endpoints))
	for i := range endpoints {
		rec := endpoints[i].Clone()
		rec.Features = model.NormalizeFeatures(rec.Features)
		if prev, ok := r.records[rec.Name]; ok {
			rec.State = prev.Clone().State
		} else {
			rec.State = model.ProbeState{Status: model.StatusUnknown}
		}
		records[rec.Name] = &rec
		order = append(order, rec.Name)
	}

	r.records = records
	r.order = order
	return nil
}

// Snapshot 按注册顺序返回所有记录的副本，一轮对账使用同一份快照
func (r *Registry) Snapshot() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.records[name].Clone())
	}
	return out
}

// OfKind 返回某类别记录的副本
func (r *Registry) OfKind(kind model.Kind) []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Endpoint
	for _, name := range r.order {
		if rec := r.records[name]; rec.Kind == kind {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Get 按名称获取记录副本
func (r *Registry) Get(name string) (model.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return model.Endpoint{}, false
	}
	return rec.Clone(), true
}

// Has 是否存在该类别下的指定名称
func (r *Registry) Has(kind model.Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	return ok && rec.Kind == kind
}

// Kinds 已注册的类别，按名称排序
func (r *Registry) Kinds() []model.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []model.Kind
	for _, name := range r.order {
		if k := r.records[name].Kind; !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Names 某类别下的名称集合
func (r *Registry) Names(kind model.Kind) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]struct{})
	for name, rec := range r.records {
		if rec.Kind == kind {
			names[name] = struct{}{}
		}
	}
	return names
}

// ApplyStates 写回一轮对账的探测字段。对账期间被重载移除的记录会被跳过
func (r *Registry) ApplyStates(scored []model.Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for i := range scored {
		rec, ok := r.records[scored[i].Name]
		if !ok || rec.Kind != scored[i].Kind {
			continue
		}
		rec.State = scored[i].Clone().State
		applied++
	}
	return applied
}

// Len 记录数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
