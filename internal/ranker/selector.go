package ranker

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

// Selector 各类别当前主/备选择，所有字段由同一把读写锁保护
type Selector struct {
	mu               sync.RWMutex
	states           map[model.Kind]*model.SelectionState
	lastReconciledAt time.Time
}

// NewSelector 创建选择器
func NewSelector() *Selector {
	return &Selector{
		states: make(map[model.Kind]*model.SelectionState),
	}
}

func (s *Selector) state(kind model.Kind) *model.SelectionState {
	st, ok := s.states[kind]
	if !ok {
		st = &model.SelectionState{Kind: kind}
		s.states[kind] = st
	}
	return st
}

// Seed 预设初始选择。预设的名称在首轮对账确认前不可用
func (s *Selector) Seed(kind model.Kind, primary, backup string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(kind)
	st.PrimaryName = primary
	st.BackupName = backup
	st.Available = false
}

// SeedIfEmpty 仅当类别还没有主端点时预设，返回是否写入
func (s *Selector) SeedIfEmpty(kind model.Kind, primary, backup string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[kind]; ok && st.PrimaryName != "" {
		return false
	}
	st := s.state(kind)
	st.PrimaryName = primary
	st.BackupName = backup
	st.Available = false
	return true
}

// Current 某类别的当前选择
func (s *Selector) Current(kind model.Kind) (model.SelectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[kind]
	if !ok {
		return model.SelectionState{Kind: kind}, false
	}
	return *st, true
}

// All 所有类别的当前选择，按类别排序
func (s *Selector) All() []model.SelectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SelectionState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Published 是否已经有至少一个类别发布了可用选择
func (s *Selector) Published() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.states {
		if st.Available {
			return true
		}
	}
	return false
}

// LastReconciledAt 最近一轮对账完成时间
func (s *Selector) LastReconciledAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReconciledAt
}

// MarkReconciled 记录对账完成时间
func (s *Selector) MarkReconciled(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReconciledAt = at
}

// ResetReconciled 清除对账时间，下一次调用会重新探测
func (s *Selector) ResetReconciled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReconciledAt = time.Time{}
}

// Prune 注册表重载后清除已不存在的名称
func (s *Selector) Prune(kind model.Kind, keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[kind]
	if !ok {
		return
	}
	if len(keep) == 0 {
		delete(s.states, kind)
		return
	}
	if _, ok := keep[st.PrimaryName]; !ok {
		st.PrimaryName = ""
		st.Available = false
	}
	if _, ok := keep[st.BackupName]; !ok {
		st.BackupName = ""
		st.Available = false
	}
}

// Publish 根据排序结果发布新选择并返回产生的事件。
// 没有可选端点时保留原有名称，只把类别标记为不可用，并返回 ErrNoEndpointAvailable
func (s *Selector) Publish(r Ranking, at time.Time) ([]*model.SelectionEvent, error) {
	primary, backup, err := r.Pick()

	s.mu.Lock()
	st := s.state(r.Kind)
	prev := *st
	if err != nil {
		st.Available = false
	} else {
		st.PrimaryName = primary.Name
		st.BackupName = backup.Name
		st.Available = true
		st.SelectedAt = at
	}
	s.mu.Unlock()

	if err != nil {
		ev := model.NewSelectionEvent(model.EventNoEndpoint, r.Kind, at)
		ev.Role = model.RolePrimary
		ev.From = prev.PrimaryName
		ev.FromScore = scoreOf(r, prev.PrimaryName)
		return []*model.SelectionEvent{ev}, err
	}

	var events []*model.SelectionEvent
	if prev.PrimaryName == "" {
		ev := model.NewSelectionEvent(model.EventInitialSelection, r.Kind, at)
		ev.Role = model.RolePrimary
		ev.To = primary.Name
		ev.ToScore = scorePtr(primary.State.Score)
		events = append(events, ev)
	} else if prev.PrimaryName != primary.Name {
		ev := model.NewSelectionEvent(model.EventPrimarySwitch, r.Kind, at)
		ev.Role = model.RolePrimary
		ev.From = prev.PrimaryName
		ev.FromScore = scoreOf(r, prev.PrimaryName)
		ev.To = primary.Name
		ev.ToScore = scorePtr(primary.State.Score)
		events = append(events, ev)
	}

	if prev.BackupName != backup.Name {
		typ := model.EventBackupSwitch
		if prev.BackupName == "" {
			typ = model.EventInitialSelection
		}
		ev := model.NewSelectionEvent(typ, r.Kind, at)
		ev.Role = model.RoleBackup
		ev.From = prev.BackupName
		ev.FromScore = scoreOf(r, prev.BackupName)
		ev.To = backup.Name
		ev.ToScore = scorePtr(backup.State.Score)
		events = append(events, ev)
	}

	return events, nil
}

func scorePtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func scoreOf(r Ranking, name string) *decimal.Decimal {
	if name == "" {
		return nil
	}
	if e := r.Find(name); e != nil {
		return scorePtr(e.State.Score)
	}
	return nil
}
